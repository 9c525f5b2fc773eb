package server

import (
	"testing"
	"time"
)

func TestTypingExpiry(t *testing.T) {
	tr := NewTypingTracker(10 * time.Second)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.Start(1, groupKey(42), t0)
	tr.Start(2, privateKey("alice"), t0.Add(5*time.Second))

	tests := []struct {
		name   string
		at     time.Duration
		active int
	}{
		{"fresh", 0, 1},
		{"both live", 9 * time.Second, 2},
		{"first at ttl", 10 * time.Second, 1},
		{"second at ttl", 15 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tr.Active(t0.Add(tt.at))); got != tt.active {
				t.Errorf("Active at +%v = %d, want %d", tt.at, got, tt.active)
			}
		})
	}

	// Active never reports lapsed entries, swept or not.
	if tr.IsTyping(1, groupKey(42), t0.Add(10*time.Second)) {
		t.Error("Entry reported at its ttl")
	}
	if n := tr.Sweep(t0.Add(12 * time.Second)); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}

func TestTypingRefreshAndStop(t *testing.T) {
	tr := NewTypingTracker(10 * time.Second)
	t0 := time.Now()

	tr.Start(1, privateKey("bob"), t0)
	tr.Start(1, privateKey("bob"), t0.Add(8*time.Second))
	if !tr.IsTyping(1, privateKey("bob"), t0.Add(15*time.Second)) {
		t.Error("Refresh did not extend the entry")
	}

	if !tr.Stop(1, privateKey("bob")) {
		t.Error("Stop of existing entry returned false")
	}
	if tr.Stop(1, privateKey("bob")) {
		t.Error("Second stop returned true")
	}

	tr.Start(3, groupKey(1), t0)
	tr.Start(3, groupKey(2), t0)
	tr.DropUser(3)
	if tr.Len() != 0 {
		t.Errorf("DropUser left %d entries", tr.Len())
	}
}
