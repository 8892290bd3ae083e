package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"go.uber.org/zap"
)

// Draft is the content of a message about to be sent.
type Draft struct {
	Content string
	Type    store.MessageType
	File    *store.FileInfo
	ReplyTo store.ServerID

	// ReceiverViewing tells the backend the receiver has the conversation
	// open, so the message is created already read.
	ReceiverViewing bool
}

// errNoServerID is the failure recorded when a send response carries no
// message id.
var errNoServerID = errors.New("send response without message id")

// Send sends a private message to otherUserID. It shows a pending record
// immediately, then submits it. It returns the record as it ends up:
// confirmed under its server id, or failed under its temporary id. A failed
// send stays visible with a per-record error. The zero record is returned
// when the send was canceled while in flight.
func (c *Controller) Send(ctx context.Context, otherUserID string, d Draft) (store.Message, error) {
	p := draftPayload(d, c.cfg.Self)
	p.ConversationID = otherUserID
	p.ReceiverID = otherUserID
	return c.send(ctx, p)
}

// SendToRoom is Send for a group room. The room does not need to be open.
func (c *Controller) SendToRoom(ctx context.Context, roomID string, d Draft) (store.Message, error) {
	p := draftPayload(d, c.cfg.Self)
	p.ConversationID = roomID
	p.RoomID = roomID
	return c.send(ctx, p)
}

func draftPayload(d Draft, self outbox.SenderInfo) outbox.Payload {
	return outbox.Payload{
		Content:         d.Content,
		Type:            d.Type,
		File:            d.File,
		ReplyTo:         d.ReplyTo,
		ReceiverViewing: d.ReceiverViewing,
		Sender:          self,
	}
}

func (c *Controller) send(ctx context.Context, p outbox.Payload) (store.Message, error) {
	rec, op := c.outbox.Create(p)
	conversationID := p.ConversationID
	if th := c.thread(conversationID); th != nil {
		th.Insert(rec)
	}
	if err := c.store.PutMessage(ctx, &rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("msg_id", string(rec.ID)), zap.Error(err))
	}
	return c.submit(ctx, op)
}

// Retry resubmits a failed send. Unknown operations return an error
// matching outbox.IsNoOp.
func (c *Controller) Retry(ctx context.Context, operationID string) (store.Message, error) {
	op, err := c.outbox.Retry(operationID)
	if err != nil {
		c.logger.Debug("retry ignored", zap.String("operation_id", operationID), zap.Error(err))
		return store.Message{}, err
	}
	rec := op.Record()
	if th := c.thread(op.Payload.ConversationID); th != nil {
		th.SetRecordError(rec.ID, nil)
		th.Upsert(rec)
	}
	if err := c.store.PutMessage(ctx, &rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("msg_id", string(rec.ID)), zap.Error(err))
	}
	return c.submit(ctx, op)
}

// Cancel discards a pending or failed send and removes its record. A
// confirm arriving afterwards is discarded.
func (c *Controller) Cancel(ctx context.Context, operationID string) error {
	op, err := c.outbox.Rollback(operationID)
	if err != nil {
		c.logger.Debug("cancel ignored", zap.String("operation_id", operationID), zap.Error(err))
		return err
	}
	id := op.TempID.MessageID()
	if th := c.thread(op.Payload.ConversationID); th != nil {
		th.Remove(id)
	}
	if err := c.store.DeleteMessage(ctx, id); err != nil {
		c.logger.Warn("cache delete failed", zap.String("msg_id", string(id)), zap.Error(err))
	}
	return nil
}

func (c *Controller) submit(ctx context.Context, op outbox.Operation) (store.Message, error) {
	req := &api.SendRequest{
		ReceiverID: op.Payload.ReceiverID,
		RoomID:     op.Payload.RoomID,
		Content:    op.Payload.Content,
		Type:       string(op.Payload.Type),
		ReplyToID:  string(op.Payload.ReplyTo),

		IsReceiverViewing: op.Payload.ReceiverViewing,
	}
	if f := op.Payload.File; f != nil {
		req.FileURL, req.FileName, req.FileSize = f.URL, f.Name, f.Size
	}

	dto, err := c.api.SendMessage(ctx, req)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	if dto == nil || dto.ID == "" {
		return c.fail(ctx, op, errNoServerID)
	}
	return c.confirm(ctx, op, dto)
}

func (c *Controller) confirm(ctx context.Context, op outbox.Operation, dto *api.MessageDTO) (store.Message, error) {
	server := dto.Record(op.Payload.ConversationID)
	if _, err := c.outbox.Confirm(op.ID, store.ServerID(dto.ID)); err != nil {
		if outbox.IsNoOp(err) {
			return store.Message{}, nil
		}
		return store.Message{}, err
	}

	tempID := op.TempID.MessageID()
	if th := c.thread(op.Payload.ConversationID); th != nil {
		th.Replace(tempID, server)
	}
	if err := c.store.ReplaceMessage(ctx, tempID, &server); err != nil {
		c.logger.Warn("cache replace failed", zap.String("temp_id", string(tempID)), zap.String("msg_id", dto.ID), zap.Error(err))
	}
	c.touchList(ctx, &server)
	c.outbox.Forget(op.ID)
	return server, nil
}

func (c *Controller) fail(ctx context.Context, op outbox.Operation, cause error) (store.Message, error) {
	failed, err := c.outbox.Fail(op.ID, cause)
	if err != nil {
		// Canceled while in flight.
		return store.Message{}, cause
	}
	rec := failed.Record()
	if th := c.thread(op.Payload.ConversationID); th != nil {
		th.Upsert(rec)
		th.SetRecordError(rec.ID, cause)
	}
	// A detached context still records the failure when ctx itself ended.
	if err := c.store.PutMessage(context.WithoutCancel(ctx), &rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("msg_id", string(rec.ID)), zap.Error(err))
	}
	return rec, cause
}

// EditMessage changes a confirmed message's content. The view shows the
// edit at once and reverts with a per-record error when the backend
// rejects it.
func (c *Controller) EditMessage(ctx context.Context, conversationID string, id store.MessageID, content string) error {
	sid, ok := id.ServerID()
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrNotConfirmed)
	}
	th := c.thread(conversationID)
	now := c.now()
	applyEdit := func(m *store.Message) {
		m.Content = content
		m.IsEdited = true
		m.EditedAt = now
		m.UpdatedAt = now
	}
	var prev store.Message
	var shown bool
	if th != nil {
		prev, shown = th.Get(id)
		th.Update(id, applyEdit)
		th.SetRecordError(id, nil)
	}

	dto, err := c.api.EditMessage(ctx, sid, content)
	if err != nil {
		if shown {
			th.Update(id, func(m *store.Message) { *m = prev })
			th.SetRecordError(id, err)
		}
		return fmt.Errorf("edit %s: %w", id, err)
	}

	if dto == nil {
		// No body: the optimistic edit stands.
		c.storeEdit(ctx, th, id, applyEdit)
		return nil
	}

	server := dto.Record(conversationID)
	if th != nil {
		th.Update(id, func(m *store.Message) {
			read, readAt := m.IsRead, m.ReadAt
			*m = server
			m.IsRead = m.IsRead || read
			if m.ReadAt.IsZero() {
				m.ReadAt = readAt
			}
		})
	}
	if err := c.store.PutMessage(ctx, &server); err != nil {
		c.logger.Warn("cache write failed", zap.String("msg_id", string(id)), zap.Error(err))
	}
	return nil
}

// storeEdit caches an edit the backend accepted without echoing the
// message back.
func (c *Controller) storeEdit(ctx context.Context, th *viewmodel.Thread, id store.MessageID, apply func(*store.Message)) {
	var rec *store.Message
	if th != nil {
		if m, ok := th.Get(id); ok {
			rec = &m
		}
	}
	if rec == nil {
		cached, err := c.store.GetMessage(ctx, id)
		if err != nil {
			c.logger.Warn("cache read failed", zap.String("msg_id", string(id)), zap.Error(err))
			return
		}
		if cached == nil {
			return
		}
		apply(cached)
		rec = cached
	}
	if err := c.store.PutMessage(ctx, rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("msg_id", string(id)), zap.Error(err))
	}
}

// DeleteMessage removes a message. Deleting an unconfirmed message cancels
// its send. A backend rejection restores the record with a per-record
// error.
func (c *Controller) DeleteMessage(ctx context.Context, conversationID string, id store.MessageID) error {
	th := c.thread(conversationID)
	sid, ok := id.ServerID()
	if !ok {
		var opID string
		if th != nil {
			if m, found := th.Get(id); found {
				opID = m.OperationID
			}
		}
		if opID == "" {
			if m, err := c.store.GetMessage(ctx, id); err == nil && m != nil {
				opID = m.OperationID
			}
		}
		if opID == "" {
			return fmt.Errorf("delete %s: %w", id, outbox.ErrOperationNotFound)
		}
		return c.Cancel(ctx, opID)
	}

	var prev store.Message
	var shown bool
	if th != nil {
		prev, shown = th.Get(id)
		th.Remove(id)
	}

	if err := c.api.DeleteMessage(ctx, sid); err != nil && !api.IsNotFound(err) {
		if shown {
			th.Insert(prev)
			th.SetRecordError(id, err)
		}
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if err := c.store.DeleteMessage(ctx, id); err != nil {
		c.logger.Warn("cache delete failed", zap.String("msg_id", string(id)), zap.Error(err))
	}
	return nil
}
