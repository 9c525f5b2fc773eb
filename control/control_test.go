package control

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeTarget) GetStats() string { return "connections=2,online=1,sessions=3,users=1@pipe" }

func (f *fakeTarget) Stop(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeTarget) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func startControl(t *testing.T) (string, *fakeTarget) {
	t.Helper()
	// Unix socket paths are length limited; keep it short.
	path := filepath.Join(t.TempDir(), "c.sock")
	target := &fakeTarget{}
	srv := NewServer(path, target, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := Send(path, "ping"); err != nil && err.Error() == "Unknown command" {
			return path, target
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("control socket did not come up")
	return "", nil
}

func TestControlCommands(t *testing.T) {
	path, target := startControl(t)

	tests := []struct {
		command string
		want    string
		wantErr string
	}{
		{"stats", "connections=2,online=1,sessions=3,users=1@pipe", ""},
		{"bogus", "", "Unknown command"},
		{"", "", "Invalid command"},
		{"shutdown|upgrade", "Shutting down", ""},
		{"shutdown", "Shutting down", ""},
	}
	for _, tt := range tests {
		got, err := Send(path, tt.command)
		if tt.wantErr != "" {
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("%q: error %v, want %q", tt.command, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.command, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %q, want %q", tt.command, got, tt.want)
		}
	}

	reasons := target.stopped()
	if len(reasons) != 2 || reasons[0] != "upgrade" || reasons[1] != "maintenance" {
		t.Errorf("Stop reasons = %v", reasons)
	}
}
