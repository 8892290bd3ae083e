package controller

import (
	"context"
	"errors"

	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"go.uber.org/zap"
)

func threadKey(id string) string { return "thread:" + id }

// OpenConversation opens the private conversation with otherUserID. Cached
// messages are published before it returns; the network page follows in
// the background. Opening a conversation closes the previously open one.
func (c *Controller) OpenConversation(ctx context.Context, otherUserID string) *viewmodel.Thread {
	return c.open(ctx, otherUserID, realtime.PrivateChannel(c.cfg.Self.ID, otherUserID))
}

// OpenRoom opens a group conversation.
func (c *Controller) OpenRoom(ctx context.Context, roomID string) *viewmodel.Thread {
	return c.open(ctx, roomID, realtime.RoomChannel(roomID))
}

func (c *Controller) open(ctx context.Context, id, channel string) *viewmodel.Thread {
	c.mu.Lock()
	if ot, ok := c.threads[id]; ok {
		c.mu.Unlock()
		c.background(func(ctx context.Context) { c.revalidateInBackground(ctx, id) })
		return ot.thread
	}
	th := viewmodel.NewThread(id)
	var previous []func()
	for otherID, ot := range c.threads {
		previous = append(previous, ot.unsub)
		delete(c.threads, otherID)
	}
	ot := &openThread{thread: th, unsub: func() {}}
	if !c.closed && c.hub != nil {
		ot.unsub = c.hub.Subscribe(channel, c.reconciler.ThreadHandler(c.ctx, th))
	}
	if !c.closed {
		c.threads[id] = ot
	}
	c.mu.Unlock()

	for _, unsub := range previous {
		unsub()
	}

	if err := c.store.TouchConversation(ctx, id); err != nil {
		c.logger.Warn("cache touch failed", zap.String("conversation", id), zap.Error(err))
	}
	msgs, err := c.store.ListMessages(ctx, id, c.cfg.PageSize)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("conversation", id), zap.Error(err))
	}
	for i := range msgs {
		if adopted, ok := c.outbox.Adopt(msgs[i]); ok {
			msgs[i] = adopted
		}
	}
	th.Merge(msgs)
	for _, m := range msgs {
		if m.Status == store.StatusFailed {
			if op, ok := c.outbox.Get(m.OperationID); ok && op.LastErr != nil {
				th.SetRecordError(m.ID, op.LastErr)
			}
		}
	}
	if th.Len() == 0 {
		th.SetLoading(true)
	}

	c.background(func(ctx context.Context) { c.revalidateInBackground(ctx, id) })
	c.trackOpen(id)
	return th
}

func (c *Controller) revalidateInBackground(ctx context.Context, id string) {
	if err := c.RevalidateConversation(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("conversation revalidation failed", zap.String("conversation", id), zap.Error(err))
	}
}

// Thread returns the open thread for id, or nil.
func (c *Controller) Thread(id string) *viewmodel.Thread { return c.thread(id) }

// CloseConversation unsubscribes the conversation's channel. Its cached
// records stay.
func (c *Controller) CloseConversation(id string) {
	c.mu.Lock()
	ot, ok := c.threads[id]
	delete(c.threads, id)
	c.mu.Unlock()
	if ok {
		ot.unsub()
	}
}

// RevalidateConversation fetches the newest page of a conversation and
// merges it. When the conversation isn't open only the store is updated.
func (c *Controller) RevalidateConversation(ctx context.Context, id string) error {
	return c.revalidate(ctx, threadKey(id), func(ctx context.Context) error {
		th := c.thread(id)
		page, err := c.api.ListMessages(ctx, id, 1, c.cfg.PageSize)
		if err != nil {
			if th != nil {
				if th.Len() == 0 {
					th.SetErr(err)
				}
				th.SetLoading(false)
			}
			return err
		}

		msgs := make([]store.Message, 0, len(page.Messages))
		for i := range page.Messages {
			msgs = append(msgs, page.Messages[i].Record(id))
		}
		if th != nil {
			c.reconciler.IngestMessages(ctx, th, msgs)
			th.SetErr(nil)
			th.SetLoading(false)
		} else if err := c.store.PutMessages(ctx, msgs); err != nil {
			c.logger.Warn("cache write failed", zap.String("conversation", id), zap.Error(err))
		}
		c.markSynced(ctx, id)
		return nil
	})
}

func (c *Controller) markSynced(ctx context.Context, id string) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil || conv == nil {
		return
	}
	conv.IsCached = true
	conv.LastSyncAt = c.now()
	if err := c.store.PutConversation(ctx, conv); err != nil {
		c.logger.Warn("cache write failed", zap.String("conversation", id), zap.Error(err))
	}
}
