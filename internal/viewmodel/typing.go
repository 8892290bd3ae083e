package viewmodel

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Typist is someone currently typing in a conversation.
type Typist struct {
	UserID   string
	UserName string
}

type typingEntry struct {
	name    string
	expires time.Time
}

// Typing holds transient typing indicators. Entries expire on their own so
// a lost typing-stop event never leaves an indicator stuck.
type Typing struct {
	mu      sync.RWMutex
	entries map[string]typingEntry
}

// Set marks userID as typing until now+ttl.
func (t *Typing) Set(userID, name string, now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]typingEntry)
	}
	t.entries[userID] = typingEntry{name: name, expires: now.Add(ttl)}
}

// Clear removes userID. Returns whether it was present.
func (t *Typing) Clear(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[userID]
	delete(t.entries, userID)
	return ok
}

// Get returns the unexpired typists at now, ordered by user id.
func (t *Typing) Get(now time.Time) []Typist {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Typist
	for id, e := range t.entries {
		if now.Before(e.expires) {
			out = append(out, Typist{UserID: id, UserName: e.name})
		}
	}
	slices.SortFunc(out, func(a, b Typist) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}
