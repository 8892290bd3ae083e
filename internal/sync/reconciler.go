// Package sync merges externally sourced state (network pages and realtime
// events) into the local store and the view models.
package sync

import (
	"context"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"go.uber.org/zap"
)

const previewLength = 100

// Config configures a reconciler.
type Config struct {
	// SelfID is the local user. Their own typing events are ignored.
	SelfID    string
	TypingTTL time.Duration
}

// Reconciler applies inbound state idempotently. Store failures are logged
// and never stop the view model update.
type Reconciler struct {
	store  store.Store
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler over st. b may be nil.
func NewReconciler(st store.Store, cfg Config, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	return &Reconciler{
		store:  st,
		cfg:    cfg,
		bus:    b,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// ThreadHandler returns a realtime handler bound to th.
func (r *Reconciler) ThreadHandler(ctx context.Context, th *viewmodel.Thread) realtime.Handler {
	return func(evt realtime.Event) { r.ApplyThread(ctx, th, evt) }
}

// ListHandler returns a realtime handler bound to list.
func (r *Reconciler) ListHandler(ctx context.Context, list *viewmodel.ConversationList) realtime.Handler {
	return func(evt realtime.Event) { r.ApplyList(ctx, list, evt) }
}

// ApplyThread applies a conversation-channel event. Returns whether the
// thread changed.
func (r *Reconciler) ApplyThread(ctx context.Context, th *viewmodel.Thread, evt realtime.Event) bool {
	switch e := evt.(type) {
	case realtime.NewMessage:
		return r.applyNewMessage(ctx, th, e)

	case realtime.TypingStart:
		if e.UserID == r.cfg.SelfID {
			return false
		}
		th.SetTyping(e.UserID, e.UserName, r.now(), r.cfg.TypingTTL)
		return true

	case realtime.TypingStop:
		if e.UserID == r.cfg.SelfID {
			return false
		}
		th.ClearTyping(e.UserID)
		return true

	case realtime.MessageRead:
		readAt := e.ReadAt
		if readAt.IsZero() {
			readAt = r.now()
		}
		id := store.MessageID(e.MessageID)
		if _, err := r.store.MarkMessageRead(ctx, id, readAt); err != nil {
			r.logger.Warn("cache mark read failed", zap.String("msg_id", e.MessageID), zap.Error(err))
		}
		changed := th.MarkRead(id, readAt)
		if changed {
			r.publish(bus.KindThreadUpdated, th.ID, realtime.EventMessageRead)
		}
		return changed

	default:
		r.logger.Debug("ignoring event on conversation channel", zap.String("channel", evt.ChannelName()))
		return false
	}
}

func (r *Reconciler) applyNewMessage(ctx context.Context, th *viewmodel.Thread, e realtime.NewMessage) bool {
	m := e.Message.Record(th.ID)
	if _, shown := th.Get(m.ID); shown {
		return false
	}

	existing, err := r.store.GetMessage(ctx, m.ID)
	switch {
	case err != nil:
		r.logger.Warn("cache read failed", zap.String("msg_id", string(m.ID)), zap.Error(err))
	case existing != nil:
		m = *existing
	default:
		if err := r.store.PutMessage(ctx, &m); err != nil {
			r.logger.Warn("cache write failed", zap.String("msg_id", string(m.ID)), zap.Error(err))
		}
	}

	changed := th.Insert(m)
	if changed {
		r.publish(bus.KindThreadUpdated, th.ID, realtime.EventNewMessage)
	}
	return changed
}

// ApplyList applies a list-channel event. Returns whether the list changed.
func (r *Reconciler) ApplyList(ctx context.Context, list *viewmodel.ConversationList, evt realtime.Event) bool {
	e, ok := evt.(realtime.ConversationUpdated)
	if !ok {
		r.logger.Debug("ignoring event on list channel", zap.String("channel", evt.ChannelName()))
		return false
	}
	c := e.Conversation.Record()
	if c.LastMessage != nil {
		c.LastMessage.Content = store.Truncate(c.LastMessage.Content, previewLength)
	}
	if err := r.store.PutConversation(ctx, &c); err != nil {
		r.logger.Warn("cache write failed", zap.String("conversation", c.OtherUserID), zap.Error(err))
	}
	changed := list.Upsert(c)
	if changed {
		r.publish(bus.KindListUpdated, c.OtherUserID, realtime.EventConversationUpdated)
	}
	return changed
}

// IngestMessages merges a network page into the store and the thread. The
// store write is all or nothing. Returns whether the thread changed.
func (r *Reconciler) IngestMessages(ctx context.Context, th *viewmodel.Thread, msgs []store.Message) bool {
	if err := r.store.PutMessages(ctx, msgs); err != nil {
		r.logger.Warn("cache write failed", zap.String("conversation", th.ID), zap.Int("count", len(msgs)), zap.Error(err))
	}
	changed := th.Merge(msgs)
	if changed {
		r.publish(bus.KindThreadUpdated, th.ID, "revalidate")
	}
	return changed
}

// IngestConversations merges a network list into the store and the list
// view. Returns whether the list changed.
func (r *Reconciler) IngestConversations(ctx context.Context, list *viewmodel.ConversationList, convs []store.Conversation) bool {
	for i := range convs {
		convs[i].IsCached = true
		if convs[i].LastMessage != nil {
			convs[i].LastMessage.Content = store.Truncate(convs[i].LastMessage.Content, previewLength)
		}
	}
	if err := r.store.PutConversations(ctx, convs); err != nil {
		r.logger.Warn("cache write failed", zap.Int("count", len(convs)), zap.Error(err))
	}
	changed := list.Merge(convs)
	if changed {
		r.publish(bus.KindListUpdated, "", "revalidate")
	}
	return changed
}

func (r *Reconciler) publish(kind, resource, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(kind, bus.ResourceEvent{ResourceID: resource, Reason: reason})
}
