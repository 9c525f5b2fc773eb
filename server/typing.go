package server

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"lanchat/models"
)

// Conversation keys for typing entries.
func privateKey(username string) string { return "user:" + username }
func groupKey(groupID int64) string    { return "group:" + strconv.FormatInt(groupID, 10) }

// TypingTracker remembers who is composing where. Entries lapse ttl after
// their last refresh whether or not a sweep has run.
type TypingTracker struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[int64]map[string]time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{ttl: ttl, entries: make(map[int64]map[string]time.Time)}
}

// Start records or refreshes an entry.
func (t *TypingTracker) Start(userID int64, key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, ok := t.entries[userID]
	if !ok {
		keys = make(map[string]time.Time)
		t.entries[userID] = keys
	}
	keys[key] = now
}

// Stop removes an entry and reports whether one existed.
func (t *TypingTracker) Stop(userID int64, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, ok := t.entries[userID]
	if !ok {
		return false
	}
	if _, ok := keys[key]; !ok {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(t.entries, userID)
	}
	return true
}

func (t *TypingTracker) live(setAt, now time.Time) bool {
	return now.Sub(setAt) < t.ttl
}

func (t *TypingTracker) IsTyping(userID int64, key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	setAt, ok := t.entries[userID][key]
	return ok && t.live(setAt, now)
}

// Active lists entries younger than the ttl, ordered by user then key.
func (t *TypingTracker) Active(now time.Time) []models.TypingEntry {
	t.mu.Lock()
	var out []models.TypingEntry
	for userID, keys := range t.entries {
		for key, setAt := range keys {
			if t.live(setAt, now) {
				out = append(out, models.TypingEntry{UserID: userID, ConversationKey: key, LastSetAt: setAt})
			}
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConversationKey < out[j].ConversationKey
	})
	return out
}

// Sweep drops lapsed entries. No stop notification is sent for them.
func (t *TypingTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for userID, keys := range t.entries {
		for key, setAt := range keys {
			if !t.live(setAt, now) {
				delete(keys, key)
				n++
			}
		}
		if len(keys) == 0 {
			delete(t.entries, userID)
		}
	}
	return n
}

// DropUser forgets every entry of a disconnecting user.
func (t *TypingTracker) DropUser(userID int64) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, keys := range t.entries {
		n += len(keys)
	}
	return n
}
