package eventring

import (
	"testing"

	"github.com/styxy-dev/styxy/internal/audit"
)

func TestRingBasicAdd(t *testing.T) {
	r := New(5)
	r.Add(audit.Entry{Action: audit.ActionAllocated, Port: 1})
	r.Add(audit.Entry{Action: audit.ActionAllocated, Port: 2})
	r.Add(audit.Entry{Action: audit.ActionReleased, Port: 1})

	events := r.Recent()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Port != 1 || events[1].Port != 2 || events[2].Port != 1 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestRingOverflow(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Add(audit.Entry{Action: audit.ActionAllocated, Port: i})
	}

	events := r.Recent()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Port != 3 || events[1].Port != 4 || events[2].Port != 5 {
		t.Errorf("expected ports [3 4 5], got %+v", events)
	}
}

func TestRingLast(t *testing.T) {
	r := New(10)
	for i := 1; i <= 5; i++ {
		r.Add(audit.Entry{Action: audit.ActionAllocated, Port: i})
	}

	last := r.Last(3)
	if len(last) != 3 || last[0].Port != 3 || last[2].Port != 5 {
		t.Fatalf("expected last 3 = [3 4 5], got %+v", last)
	}
}

func TestRingLastMoreThanAvailable(t *testing.T) {
	r := New(10)
	r.Add(audit.Entry{Action: audit.ActionAllocated, Port: 1})
	r.Add(audit.Entry{Action: audit.ActionAllocated, Port: 2})

	last := r.Last(5)
	if len(last) != 2 {
		t.Fatalf("expected 2 events, got %d", len(last))
	}
}

func TestRingEmpty(t *testing.T) {
	r := New(5)
	if len(r.Recent()) != 0 {
		t.Errorf("expected empty ring, got %v", r.Recent())
	}
}
