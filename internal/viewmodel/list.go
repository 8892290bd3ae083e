package viewmodel

import (
	"cmp"
	"slices"
	"sync"

	"github.com/matheus3301/convsync/internal/store"
)

// ConversationList is the view model of the conversation list, always
// sorted by last activity, most recent first.
type ConversationList struct {
	refresher

	mu      sync.RWMutex
	items   []store.Conversation
	loading bool
	err     error
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	return &ConversationList{refresher: newRefresher()}
}

func compareConversations(a, b store.Conversation) int {
	if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
		return c
	}
	return cmp.Compare(a.OtherUserID, b.OtherUserID)
}

// Merge upserts every conversation, keeping rows that are already correct
// untouched. Returns whether the list changed.
func (l *ConversationList) Merge(convs []store.Conversation) bool {
	l.mu.Lock()
	changed := false
	for _, c := range convs {
		if l.upsertLocked(c) {
			changed = true
		}
	}
	if changed {
		slices.SortStableFunc(l.items, compareConversations)
	}
	l.mu.Unlock()
	if changed {
		l.signalRefresh()
	}
	return changed
}

// Upsert merges one conversation. An update older than the row it would
// replace is ignored.
func (l *ConversationList) Upsert(c store.Conversation) bool {
	return l.Merge([]store.Conversation{c})
}

func (l *ConversationList) upsertLocked(c store.Conversation) bool {
	i := l.indexLocked(c.OtherUserID)
	if i < 0 {
		l.items = append(l.items, c)
		return true
	}
	cur := l.items[i]
	if c.LastActivity.Before(cur.LastActivity) {
		return false
	}
	// Bookkeeping flags only move forward.
	c.IsCached = c.IsCached || cur.IsCached
	c.IsPrefetched = c.IsPrefetched || cur.IsPrefetched
	if c.LastSyncAt.Before(cur.LastSyncAt) {
		c.LastSyncAt = cur.LastSyncAt
	}
	if c.Participant.Name == "" {
		c.Participant = cur.Participant
	}
	visible := !conversationEqual(cur, c)
	// Bookkeeping is kept current without a refresh.
	l.items[i] = c
	return visible
}

// Update applies fn to one conversation. Returns false when it is absent
// or fn left it unchanged.
func (l *ConversationList) Update(id string, fn func(*store.Conversation)) bool {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return false
	}
	c := l.items[i]
	fn(&c)
	c.UnreadCount = max(c.UnreadCount, 0)
	if conversationEqual(l.items[i], c) {
		l.mu.Unlock()
		return false
	}
	l.items[i] = c
	slices.SortStableFunc(l.items, compareConversations)
	l.mu.Unlock()
	l.signalRefresh()
	return true
}

// Remove deletes a conversation. Returns whether it was present.
func (l *ConversationList) Remove(id string) bool {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i >= 0 {
		l.items = slices.Delete(l.items, i, i+1)
	}
	l.mu.Unlock()
	if i >= 0 {
		l.signalRefresh()
	}
	return i >= 0
}

// Get returns one conversation.
func (l *ConversationList) Get(id string) (store.Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.items[i], true
	}
	return store.Conversation{}, false
}

// Snapshot returns a copy of the list in display order.
func (l *ConversationList) Snapshot() []store.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

// IDs returns conversation ids in display order.
func (l *ConversationList) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, len(l.items))
	for i, c := range l.items {
		ids[i] = c.OtherUserID
	}
	return ids
}

// Len returns the number of rows.
func (l *ConversationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// SetLoading toggles the loading indicator.
func (l *ConversationList) SetLoading(loading bool) {
	l.mu.Lock()
	changed := l.loading != loading
	l.loading = loading
	l.mu.Unlock()
	if changed {
		l.signalRefresh()
	}
}

// Loading reports whether a cold load is in progress.
func (l *ConversationList) Loading() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loading
}

// SetErr sets or clears the retryable load error.
func (l *ConversationList) SetErr(err error) {
	l.mu.Lock()
	changed := l.err != err
	l.err = err
	l.mu.Unlock()
	if changed {
		l.signalRefresh()
	}
}

// Err returns the load error shown when there is nothing cached.
func (l *ConversationList) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *ConversationList) indexLocked(id string) int {
	return slices.IndexFunc(l.items, func(c store.Conversation) bool { return c.OtherUserID == id })
}

// conversationEqual compares what the list renders. Cache bookkeeping is
// ignored.
func conversationEqual(a, b store.Conversation) bool {
	return a.OtherUserID == b.OtherUserID &&
		a.Participant.ID == b.Participant.ID &&
		a.Participant.Name == b.Participant.Name &&
		a.Participant.Avatar == b.Participant.Avatar &&
		a.Participant.LastActive.Equal(b.Participant.LastActive) &&
		summaryEqual(a.LastMessage, b.LastMessage) &&
		a.UnreadCount == b.UnreadCount &&
		a.LastActivity.Equal(b.LastActivity)
}

func summaryEqual(a, b *store.MessageSummary) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Content == b.Content &&
		a.SenderID == b.SenderID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.IsRead == b.IsRead
}
