package controller

import (
	"context"
	"errors"

	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"go.uber.org/zap"
)

const (
	listKey       = "list"
	previewLength = 100
)

// OpenList publishes the cached conversation list immediately and
// revalidates it in the background. The list channel stays subscribed until
// Close.
func (c *Controller) OpenList(ctx context.Context) *viewmodel.ConversationList {
	c.mu.Lock()
	if !c.closed && c.listUnsub == nil && c.hub != nil {
		c.listUnsub = c.hub.Subscribe(realtime.UserConversationsChannel(c.cfg.Self.ID), c.reconciler.ListHandler(c.ctx, c.list))
	}
	c.mu.Unlock()

	convs, err := c.store.ListConversations(ctx, c.cfg.MaxConversations)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("resource", listKey), zap.Error(err))
	} else {
		c.list.Merge(convs)
	}
	if c.list.Len() == 0 {
		c.list.SetLoading(true)
	}

	c.background(func(ctx context.Context) {
		if err := c.RevalidateList(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("list revalidation failed", zap.Error(err))
		}
		if c.prefetch != nil {
			c.prefetch.PrefetchTopConversations()
		}
	})
	return c.list
}

// List returns the conversation list view model.
func (c *Controller) List() *viewmodel.ConversationList { return c.list }

// RevalidateList fetches the conversation list and merges it into the store
// and the view model. On failure the cached list stays; the error is only
// shown when nothing is cached.
func (c *Controller) RevalidateList(ctx context.Context) error {
	return c.revalidate(ctx, listKey, func(ctx context.Context) error {
		convs, err := c.api.ListConversations(ctx)
		if err != nil {
			if c.list.Len() == 0 {
				c.list.SetErr(err)
			}
			c.list.SetLoading(false)
			return err
		}

		now := c.now()
		for i := range convs {
			convs[i].LastSyncAt = now
		}
		c.reconciler.IngestConversations(ctx, c.list, convs)
		c.list.SetErr(nil)
		c.list.SetLoading(false)

		if err := c.store.Prune(ctx, c.cfg.MaxConversations, c.cfg.MaxMessagesPerConversation); err != nil {
			c.logger.Warn("cache prune failed", zap.Error(err))
		}
		return nil
	})
}

// UpdateConversation applies fn to one conversation in the view model and
// the store. Store failures are logged. Returns whether the row changed.
func (c *Controller) UpdateConversation(ctx context.Context, id string, fn func(*store.Conversation)) bool {
	if !c.list.Update(id, fn) {
		return false
	}
	if conv, ok := c.list.Get(id); ok {
		if err := c.store.PutConversation(ctx, &conv); err != nil {
			c.logger.Warn("cache write failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	return true
}

// MarkAsRead clears the unread badge of a conversation.
func (c *Controller) MarkAsRead(ctx context.Context, id string) bool {
	return c.UpdateConversation(ctx, id, func(conv *store.Conversation) {
		conv.UnreadCount = 0
		if conv.LastMessage != nil && conv.LastMessage.SenderID != c.cfg.Self.ID {
			lm := *conv.LastMessage
			lm.IsRead = true
			conv.LastMessage = &lm
		}
	})
}

// RemoveConversation drops a conversation and its cached messages.
func (c *Controller) RemoveConversation(ctx context.Context, id string) {
	c.CloseConversation(id)
	c.list.Remove(id)
	if err := c.store.DeleteConversation(ctx, id); err != nil {
		c.logger.Warn("cache delete failed", zap.String("conversation", id), zap.Error(err))
	}
	c.mu.Lock()
	delete(c.fetchedAt, threadKey(id))
	c.mu.Unlock()
}

// touchList moves a conversation's preview forward after a confirmed send.
func (c *Controller) touchList(ctx context.Context, m *store.Message) {
	c.UpdateConversation(ctx, m.ConversationID, func(conv *store.Conversation) {
		if m.CreatedAt.Before(conv.LastActivity) {
			return
		}
		conv.LastActivity = m.CreatedAt
		conv.LastMessage = store.Summarize(m, previewLength)
	})
}
