// Package prober answers a single question: is a TCP port bindable on
// loopback right now? It is the only authoritative source for that
// question — the allocation registry knows what Styxy itself has reserved,
// but not what some other process on the machine is holding.
package prober

import (
	"fmt"
	"net"
	"time"
)

// Timeout bounds every probe. A probe that hasn't resolved by this deadline
// is treated as unavailable.
const Timeout = 1 * time.Second

// Prober probes loopback TCP ports for availability.
type Prober struct {
	timeout time.Duration
}

// New creates a Prober with the default 1-second timeout.
func New() *Prober {
	return &Prober{timeout: Timeout}
}

// WithTimeout creates a Prober with the given probe timeout instead of the
// default one that New() uses.
func WithTimeout(timeout time.Duration) *Prober {
	return &Prober{timeout: timeout}
}

// Probe reports whether port is currently bindable on 127.0.0.1. It never
// panics and never leaks the listening socket: on success the probe binds,
// immediately closes, and reports true; any error (in use, permission
// denied, invalid port) reports false.
func (p *Prober) Probe(port int) bool {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = Timeout
	}

	result := make(chan bool, 1)
	go func() {
		result <- bindLoopback(port)
	}()

	select {
	case available := <-result:
		return available
	case <-time.After(timeout):
		return false
	}
}

func bindLoopback(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
