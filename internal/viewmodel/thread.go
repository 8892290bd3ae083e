package viewmodel

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/store"
)

// Thread is the view model of one conversation's messages, always sorted by
// creation time ascending.
type Thread struct {
	refresher

	ID     string
	Typing Typing

	mu         sync.RWMutex
	messages   []store.Message
	recordErrs map[store.MessageID]error
	loading    bool
	err        error
}

// NewThread creates an empty thread for conversation id.
func NewThread(id string) *Thread {
	return &Thread{
		refresher:  newRefresher(),
		ID:         id,
		recordErrs: make(map[store.MessageID]error),
	}
}

func compareMessages(a, b store.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Insert adds a message that isn't present yet. A message whose id is
// already shown is discarded.
func (t *Thread) Insert(m store.Message) bool {
	t.mu.Lock()
	if t.indexLocked(m.ID) >= 0 {
		t.mu.Unlock()
		return false
	}
	t.messages = append(t.messages, m)
	slices.SortStableFunc(t.messages, compareMessages)
	t.mu.Unlock()
	t.signalRefresh()
	return true
}

// Merge upserts every message, keeping rows that are already correct
// untouched. Messages not in msgs stay.
func (t *Thread) Merge(msgs []store.Message) bool {
	t.mu.Lock()
	changed := false
	for _, m := range msgs {
		if t.upsertLocked(m) {
			changed = true
		}
	}
	if changed {
		slices.SortStableFunc(t.messages, compareMessages)
	}
	t.mu.Unlock()
	if changed {
		t.signalRefresh()
	}
	return changed
}

// Upsert merges one message.
func (t *Thread) Upsert(m store.Message) bool {
	return t.Merge([]store.Message{m})
}

func (t *Thread) upsertLocked(m store.Message) bool {
	i := t.indexLocked(m.ID)
	if i < 0 {
		t.messages = append(t.messages, m)
		return true
	}
	merged := mergeMessage(t.messages[i], m)
	if messageEqual(t.messages[i], merged) {
		return false
	}
	t.messages[i] = merged
	return true
}

// Replace swaps the record stored under old for m. When m is already shown
// (a realtime delivery won the race) the old record is simply dropped.
func (t *Thread) Replace(old store.MessageID, m store.Message) bool {
	t.mu.Lock()
	if i := t.indexLocked(old); i >= 0 && old != m.ID {
		t.messages = slices.Delete(t.messages, i, i+1)
	}
	delete(t.recordErrs, old)
	t.upsertLocked(m)
	slices.SortStableFunc(t.messages, compareMessages)
	t.mu.Unlock()
	t.signalRefresh()
	return true
}

// Update applies fn to one message. Returns false when absent or unchanged.
func (t *Thread) Update(id store.MessageID, fn func(*store.Message)) bool {
	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	m := t.messages[i]
	fn(&m)
	if messageEqual(t.messages[i], m) {
		t.mu.Unlock()
		return false
	}
	t.messages[i] = m
	slices.SortStableFunc(t.messages, compareMessages)
	t.mu.Unlock()
	t.signalRefresh()
	return true
}

// MarkRead sets the read flag of a message. The first read time wins.
func (t *Thread) MarkRead(id store.MessageID, at time.Time) bool {
	return t.Update(id, func(m *store.Message) {
		m.IsRead = true
		if m.ReadAt.IsZero() {
			m.ReadAt = at
		}
	})
}

// Remove deletes a message. Returns whether it was present.
func (t *Thread) Remove(id store.MessageID) bool {
	t.mu.Lock()
	i := t.indexLocked(id)
	if i >= 0 {
		t.messages = slices.Delete(t.messages, i, i+1)
	}
	delete(t.recordErrs, id)
	t.mu.Unlock()
	if i >= 0 {
		t.signalRefresh()
	}
	return i >= 0
}

// Get returns one message.
func (t *Thread) Get(id store.MessageID) (store.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexLocked(id); i >= 0 {
		return t.messages[i], true
	}
	return store.Message{}, false
}

// Snapshot returns a copy of the messages in display order.
func (t *Thread) Snapshot() []store.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// SetRecordError attaches a mutation error to one message, or clears it
// when err is nil.
func (t *Thread) SetRecordError(id store.MessageID, err error) {
	t.mu.Lock()
	if err == nil {
		delete(t.recordErrs, id)
	} else {
		t.recordErrs[id] = err
	}
	t.mu.Unlock()
	t.signalRefresh()
}

// RecordError returns the mutation error shown on one message.
func (t *Thread) RecordError(id store.MessageID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recordErrs[id]
}

// SetTyping marks a participant as typing and signals a refresh.
func (t *Thread) SetTyping(userID, name string, now time.Time, ttl time.Duration) {
	t.Typing.Set(userID, name, now, ttl)
	t.signalRefresh()
}

// ClearTyping removes a participant's typing indicator.
func (t *Thread) ClearTyping(userID string) {
	if t.Typing.Clear(userID) {
		t.signalRefresh()
	}
}

// SetLoading toggles the loading indicator.
func (t *Thread) SetLoading(loading bool) {
	t.mu.Lock()
	changed := t.loading != loading
	t.loading = loading
	t.mu.Unlock()
	if changed {
		t.signalRefresh()
	}
}

// Loading reports whether a cold load is in progress.
func (t *Thread) Loading() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loading
}

// SetErr sets or clears the retryable load error.
func (t *Thread) SetErr(err error) {
	t.mu.Lock()
	changed := t.err != err
	t.err = err
	t.mu.Unlock()
	if changed {
		t.signalRefresh()
	}
}

// Err returns the load error shown when there is nothing cached.
func (t *Thread) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *Thread) indexLocked(id store.MessageID) int {
	return slices.IndexFunc(t.messages, func(m store.Message) bool { return m.ID == id })
}

// mergeMessage applies incoming over cur: content follows updated_at, read
// state never reverts and the first read time wins.
func mergeMessage(cur, incoming store.Message) store.Message {
	out := incoming
	if incoming.UpdatedAt.Before(cur.UpdatedAt) {
		out.Content = cur.Content
		out.UpdatedAt = cur.UpdatedAt
	}
	out.IsEdited = cur.IsEdited || incoming.IsEdited
	if out.EditedAt.Before(cur.EditedAt) {
		out.EditedAt = cur.EditedAt
	}
	out.IsRead = cur.IsRead || incoming.IsRead
	if !cur.ReadAt.IsZero() {
		out.ReadAt = cur.ReadAt
	}
	return out
}

func messageEqual(a, b store.Message) bool {
	return a.ID == b.ID &&
		a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID &&
		a.ReceiverID == b.ReceiverID &&
		a.RoomID == b.RoomID &&
		a.Content == b.Content &&
		a.Type == b.Type &&
		fileEqual(a.File, b.File) &&
		a.ReplyTo == b.ReplyTo &&
		a.IsEdited == b.IsEdited &&
		a.EditedAt.Equal(b.EditedAt) &&
		a.IsRead == b.IsRead &&
		a.ReadAt.Equal(b.ReadAt) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Optimistic == b.Optimistic &&
		a.OperationID == b.OperationID &&
		a.Status == b.Status
}

func fileEqual(a, b *store.FileInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
