package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const conversationColumns = `other_user_id, participant_name, participant_avatar, participant_last_active,
	last_message_id, last_message_content, last_message_sender_id, last_message_at, last_message_read,
	unread_count, last_activity, is_cached, last_sync_at, is_prefetched`

// upsertConversationSQL never lets an older update regress the last message,
// unread count or activity time of a newer one. Cache bookkeeping flags only
// ever move forward.
const upsertConversationSQL = `
	INSERT INTO conversations (` + conversationColumns + `, accessed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(other_user_id) DO UPDATE SET
		participant_name = CASE WHEN excluded.participant_name != '' THEN excluded.participant_name ELSE conversations.participant_name END,
		participant_avatar = CASE WHEN excluded.participant_avatar != '' THEN excluded.participant_avatar ELSE conversations.participant_avatar END,
		participant_last_active = MAX(conversations.participant_last_active, excluded.participant_last_active),
		last_message_id = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_id ELSE conversations.last_message_id END,
		last_message_content = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_content ELSE conversations.last_message_content END,
		last_message_sender_id = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_sender_id ELSE conversations.last_message_sender_id END,
		last_message_at = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_at ELSE conversations.last_message_at END,
		last_message_read = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_read ELSE conversations.last_message_read END,
		unread_count = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.unread_count ELSE conversations.unread_count END,
		last_activity = MAX(conversations.last_activity, excluded.last_activity),
		is_cached = MAX(conversations.is_cached, excluded.is_cached),
		last_sync_at = MAX(conversations.last_sync_at, excluded.last_sync_at),
		is_prefetched = MAX(conversations.is_prefetched, excluded.is_prefetched)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertConversation(ctx context.Context, ex execer, c *Conversation, now int64) error {
	var lm MessageSummary
	if c.LastMessage != nil {
		lm = *c.LastMessage
	}
	unread := c.UnreadCount
	if unread < 0 {
		unread = 0
	}
	_, err := ex.ExecContext(ctx, upsertConversationSQL,
		c.OtherUserID, c.Participant.Name, c.Participant.Avatar, toMillis(c.Participant.LastActive),
		string(lm.ID), lm.Content, lm.SenderID, toMillis(lm.Timestamp), lm.IsRead,
		unread, toMillis(c.LastActivity), c.IsCached, toMillis(c.LastSyncAt), c.IsPrefetched,
		now)
	return err
}

// PutConversation inserts or merges a conversation record.
func (db *DB) PutConversation(ctx context.Context, c *Conversation) error {
	if err := upsertConversation(ctx, db, c, time.Now().UnixMilli()); err != nil {
		return unavailable("put conversation", err)
	}
	return nil
}

// PutConversations merges several conversation records in a single transaction.
func (db *DB) PutConversations(ctx context.Context, cs []Conversation) error {
	if len(cs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range cs {
		if err := upsertConversation(ctx, tx, &cs[i], now); err != nil {
			return unavailable("put conversation "+cs[i].OtherUserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit conversations", err)
	}
	return nil
}

// ListConversations returns cached conversations, most recently active first.
func (db *DB) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY last_activity DESC, other_user_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, unavailable("scan conversation", err)
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return convs, nil
}

// GetConversation returns a single conversation, or nil when it isn't cached.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE other_user_id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	return c, nil
}

// DeleteConversation removes a conversation and every cached message in it.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return unavailable("delete conversation messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE other_user_id = ?`, id); err != nil {
		return unavailable("delete conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit delete conversation", err)
	}
	return nil
}

// TouchConversation records an access for LRU eviction.
func (db *DB) TouchConversation(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE conversations SET accessed_at = ? WHERE other_user_id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return unavailable("touch conversation", err)
	}
	return nil
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c                                    Conversation
		lm                                   MessageSummary
		lmID                                 string
		lastActive, lmAt, activity, syncedAt int64
	)
	err := s.Scan(
		&c.OtherUserID, &c.Participant.Name, &c.Participant.Avatar, &lastActive,
		&lmID, &lm.Content, &lm.SenderID, &lmAt, &lm.IsRead,
		&c.UnreadCount, &activity, &c.IsCached, &syncedAt, &c.IsPrefetched,
	)
	if err != nil {
		return nil, err
	}
	c.Participant.ID = c.OtherUserID
	c.Participant.LastActive = fromMillis(lastActive)
	c.LastActivity = fromMillis(activity)
	c.LastSyncAt = fromMillis(syncedAt)
	if lmID != "" {
		lm.ID = MessageID(lmID)
		lm.Timestamp = fromMillis(lmAt)
		c.LastMessage = &lm
	}
	return &c, nil
}
