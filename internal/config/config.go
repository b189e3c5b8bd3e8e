// Package config is the daemon's own process configuration: listen
// address, state directory, and auth token path. It is distinct from
// internal/userconfig, which holds the mutable service-type/auto-allocation
// document that lives inside the state directory.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Config holds persistent daemon process configuration loaded from
// ~/.styxy/daemon.json.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	StateDir      string `json:"state_dir"`
	AuthTokenPath string `json:"auth_token_path"`
}

// DefaultPath returns the default config file path: ~/.styxy/daemon.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".styxy", "daemon.json")
}

// Load reads a JSON config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty file also returns an
// empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return &Config{}, nil
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
