package server

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"lanchat/models"
)

// Peer is a live connection that pushes can be delivered to.
type Peer interface {
	ID() string
	SendFrame(frame []byte) error
	Close() error
}

// Registry owns the session table (token -> session) and the live-user
// table (user id -> connection). Each table has its own lock.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*models.Session

	peerMu sync.RWMutex
	peers  map[int64]Peer
}

func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*models.Session),
		peers:    make(map[int64]Peer),
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateSession issues a fresh token for userID.
func (r *Registry) CreateSession(userID int64) (models.Session, error) {
	token, err := newToken()
	if err != nil {
		return models.Session{}, err
	}
	now := r.now()
	sess := &models.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
		Active:    true,
	}

	r.mu.Lock()
	r.sessions[token] = sess
	r.mu.Unlock()
	return *sess, nil
}

// Restore loads previously issued sessions, e.g. after a restart.
func (r *Registry) Restore(sessions []models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range sessions {
		sess := sessions[i]
		r.sessions[sess.Token] = &sess
	}
}

// Validate returns the user a token authorizes. A token is valid while it
// exists, is active and has not expired.
func (r *Registry) Validate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	r.mu.RLock()
	sess, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok || !sess.Valid(r.now()) {
		return 0, false
	}
	return sess.UserID, true
}

// Invalidate deactivates a token without removing it; the sweep removes it
// once it expires.
func (r *Registry) Invalidate(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	if !ok {
		return false
	}
	sess.Active = false
	return true
}

// Sweep deletes every session whose expiry is before now, active or not.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, sess := range r.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(r.sessions, token)
			n++
		}
	}
	return n
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Bind makes p the live connection for userID and returns the connection
// it displaced, if any.
func (r *Registry) Bind(userID int64, p Peer) Peer {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	prev := r.peers[userID]
	r.peers[userID] = p
	if prev == p {
		return nil
	}
	return prev
}

// Unbind removes the mapping for userID only if it still points at p, so a
// replaced connection cannot unbind its successor.
func (r *Registry) Unbind(userID int64, p Peer) bool {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	if cur, ok := r.peers[userID]; ok && cur == p {
		delete(r.peers, userID)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID int64) (Peer, bool) {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	p, ok := r.peers[userID]
	return p, ok
}

func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Peers returns a snapshot of the live-user table.
func (r *Registry) Peers() map[int64]Peer {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	out := make(map[int64]Peer, len(r.peers))
	for id, p := range r.peers {
		out[id] = p
	}
	return out
}

func (r *Registry) OnlineUserIDs() []int64 {
	r.peerMu.RLock()
	ids := make([]int64, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.peerMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
