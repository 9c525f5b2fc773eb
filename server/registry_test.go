package server

import (
	"sync"
	"testing"
	"time"
)

type stubPeer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) SendFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || p.closed {
		return errStubClosed
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *stubPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errStubClosed = stubError("peer closed")

func TestSessionLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(time.Hour, clock.Now)

	sess, err := r.CreateSession(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Token) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(sess.Token))
	}
	if id, ok := r.Validate(sess.Token); !ok || id != 7 {
		t.Fatalf("Validate = %d, %v", id, ok)
	}
	if _, ok := r.Validate(""); ok {
		t.Error("Empty token validated")
	}

	other, _ := r.CreateSession(7)
	if other.Token == sess.Token {
		t.Error("Tokens must be unique")
	}
	if !r.Invalidate(other.Token) {
		t.Fatal("Invalidate reported unknown token")
	}
	if _, ok := r.Validate(other.Token); ok {
		t.Error("Invalidated token still valid")
	}
	if r.SessionCount() != 2 {
		t.Errorf("Invalidate must not delete, count=%d", r.SessionCount())
	}

	clock.Advance(time.Hour)
	if _, ok := r.Validate(sess.Token); ok {
		t.Error("Token valid at its expiry instant")
	}
	if n := r.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep at expiry removed %d, want 0", n)
	}
	if n := r.Sweep(clock.Now().Add(time.Second)); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
}

func TestBindReplacesAndUnbindIsConditional(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	first := &stubPeer{id: "first"}
	second := &stubPeer{id: "second"}

	if prev := r.Bind(1, first); prev != nil {
		t.Fatalf("Expected no previous peer, got %v", prev.ID())
	}
	if prev := r.Bind(1, first); prev != nil {
		t.Error("Rebinding the same peer reported a displacement")
	}
	if prev := r.Bind(1, second); prev != first {
		t.Fatalf("Expected first to be displaced, got %v", prev)
	}

	if r.Unbind(1, first) {
		t.Error("Displaced peer unbound its successor")
	}
	if p, ok := r.Lookup(1); !ok || p != second {
		t.Fatal("Successor binding lost")
	}
	if !r.Unbind(1, second) {
		t.Error("Unbind of current peer failed")
	}
	if r.IsOnline(1) {
		t.Error("User still online after unbind")
	}
}

func TestOnlineUserIDsSorted(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	for _, id := range []int64{5, 2, 9} {
		r.Bind(id, &stubPeer{})
	}
	got := r.OnlineUserIDs()
	want := []int64{2, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("Got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Got %v, want %v", got, want)
		}
	}
	snapshot := r.Peers()
	r.Unbind(2, snapshot[2])
	if len(snapshot) != 3 {
		t.Error("Peers snapshot changed after unbind")
	}
}

func TestBroadcasterSkipsFailedPeer(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	good := &stubPeer{id: "good"}
	bad := &stubPeer{id: "bad", fail: true}
	r.Bind(1, good)
	r.Bind(2, bad)

	store := setupTestStore(t)
	b := NewBroadcaster(r, store, NewMetrics(nil), quietLogger())
	b.RemovedFromGroup(2, 4)
	b.RemovedFromGroup(1, 4)

	if !bad.closed {
		t.Error("Failed peer was not closed")
	}
	if len(good.frames) != 1 || string(good.frames[0]) != `{"group_id":4,"type":"removed_from_group"}` {
		t.Errorf("Unexpected frames %q", good.frames)
	}
}
