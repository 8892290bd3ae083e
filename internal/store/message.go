package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, room_id, content, message_type,
	file_url, file_name, file_size, reply_to, is_edited, edited_at, is_read, read_at,
	created_at, updated_at, optimistic, operation_id, status`

// upsertMessageSQL is idempotent on id. Content only moves forward in
// updated_at order and the read flag never reverts once set.
const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		sender_id = excluded.sender_id,
		receiver_id = excluded.receiver_id,
		room_id = excluded.room_id,
		content = CASE WHEN excluded.updated_at >= messages.updated_at THEN excluded.content ELSE messages.content END,
		message_type = excluded.message_type,
		file_url = excluded.file_url,
		file_name = excluded.file_name,
		file_size = excluded.file_size,
		reply_to = excluded.reply_to,
		is_edited = MAX(messages.is_edited, excluded.is_edited),
		edited_at = MAX(messages.edited_at, excluded.edited_at),
		is_read = MAX(messages.is_read, excluded.is_read),
		read_at = CASE WHEN messages.read_at > 0 THEN messages.read_at ELSE excluded.read_at END,
		created_at = excluded.created_at,
		updated_at = MAX(messages.updated_at, excluded.updated_at),
		optimistic = excluded.optimistic,
		operation_id = excluded.operation_id,
		status = excluded.status`

func upsertMessage(ctx context.Context, ex execer, m *Message) error {
	var file FileInfo
	if m.File != nil {
		file = *m.File
	}
	msgType := m.Type
	if msgType == "" {
		msgType = TypeText
	}
	status := m.Status
	if status == "" {
		status = StatusConfirmed
	}
	_, err := ex.ExecContext(ctx, upsertMessageSQL,
		string(m.ID), m.ConversationID, m.SenderID, m.ReceiverID, m.RoomID, m.Content, string(msgType),
		file.URL, file.Name, file.Size, string(m.ReplyTo), m.IsEdited, toMillis(m.EditedAt), m.IsRead, toMillis(m.ReadAt),
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt), m.Optimistic, m.OperationID, string(status))
	return err
}

// PutMessage inserts or updates a message (idempotent on id).
func (db *DB) PutMessage(ctx context.Context, m *Message) error {
	if err := upsertMessage(ctx, db, m); err != nil {
		return unavailable("put message", err)
	}
	return nil
}

// PutMessages writes a batch of messages in one transaction. Either every
// message is applied or none is.
func (db *DB) PutMessages(ctx context.Context, ms []Message) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range ms {
		if err := upsertMessage(ctx, tx, &ms[i]); err != nil {
			return unavailable("put message "+string(ms[i].ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit messages", err)
	}
	return nil
}

// ReplaceMessage rewrites the record stored under old with m in a single
// transaction, so the old id never coexists with the new one.
func (db *DB) ReplaceMessage(ctx context.Context, old MessageID, m *Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if old != m.ID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, string(old)); err != nil {
			return unavailable("delete replaced message", err)
		}
	}
	if err := upsertMessage(ctx, tx, m); err != nil {
		return unavailable("put replacement message", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit replace message", err)
	}
	return nil
}

// GetMessage returns a message by id, or nil when it isn't cached.
func (db *DB) GetMessage(ctx context.Context, id MessageID) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, string(id))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return m, nil
}

// ListMessages returns the most recent limit messages of a conversation in
// ascending creation order.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scan message", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return msgs, nil
}

// DeleteMessage removes a message. Deleting a missing id is not an error.
func (db *DB) DeleteMessage(ctx context.Context, id MessageID) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, string(id)); err != nil {
		return unavailable("delete message", err)
	}
	return nil
}

// MarkMessageRead sets the read flag of a message. The first read timestamp
// recorded wins; later receipts leave it untouched. Returns the updated
// record, or nil when the message isn't cached.
func (db *DB) MarkMessageRead(ctx context.Context, id MessageID, at time.Time) (*Message, error) {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET
			is_read = 1,
			read_at = CASE WHEN read_at > 0 THEN read_at ELSE ? END
		WHERE id = ?`, toMillis(at), string(id))
	if err != nil {
		return nil, unavailable("mark message read", err)
	}
	return db.GetMessage(ctx, id)
}

// MessageCount returns the number of cached messages in a conversation.
func (db *DB) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, unavailable("count messages", err)
	}
	return count, nil
}

// Prune evicts least recently used conversations beyond maxConversations and
// trims confirmed messages beyond maxMessagesPerConversation per conversation.
// Pending and failed records are never evicted. A non-positive limit disables
// that half of the policy.
func (db *DB) Prune(ctx context.Context, maxConversations, maxMessagesPerConversation int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxConversations > 0 {
		evicted := `SELECT other_user_id FROM conversations
			ORDER BY MAX(accessed_at, last_activity) DESC, other_user_id ASC
			LIMIT -1 OFFSET ?`
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE status = 'confirmed' AND conversation_id IN (`+evicted+`)`, maxConversations); err != nil {
			return unavailable("evict messages", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE other_user_id IN (`+evicted+`)`, maxConversations); err != nil {
			return unavailable("evict conversations", err)
		}
	}

	if maxMessagesPerConversation > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY conversation_id ORDER BY created_at DESC, id DESC
					) AS rn
					FROM messages WHERE status = 'confirmed'
				) WHERE rn > ?
			)`, maxMessagesPerConversation); err != nil {
			return unavailable("trim messages", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit prune", err)
	}
	return nil
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m                                       Message
		id, msgType, replyTo, status            string
		file                                    FileInfo
		editedAt, readAt, createdAt, updatedAt int64
	)
	err := s.Scan(
		&id, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.RoomID, &m.Content, &msgType,
		&file.URL, &file.Name, &file.Size, &replyTo, &m.IsEdited, &editedAt, &m.IsRead, &readAt,
		&createdAt, &updatedAt, &m.Optimistic, &m.OperationID, &status,
	)
	if err != nil {
		return nil, err
	}
	m.ID = MessageID(id)
	m.Type = MessageType(msgType)
	m.ReplyTo = MessageID(replyTo)
	m.Status = Status(status)
	m.EditedAt = fromMillis(editedAt)
	m.ReadAt = fromMillis(readAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if file.URL != "" || file.Name != "" {
		m.File = &file
	}
	return &m, nil
}
