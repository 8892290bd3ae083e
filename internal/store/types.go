package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageID identifies a message record. It holds either a server-assigned id
// or a temporary id minted locally while the message awaits confirmation.
type MessageID string

// ServerID is an id assigned by the backend. Only server ids may be sent back
// to the backend in mutation requests.
type ServerID string

// TemporaryID is a locally generated placeholder id for a pending message.
type TemporaryID string

const temporaryPrefix = "tmp_"

// NewTemporaryID returns a fresh namespaced temporary id.
func NewTemporaryID() TemporaryID {
	return TemporaryID(temporaryPrefix + uuid.NewString())
}

// MessageID converts the temporary id into a record id.
func (id TemporaryID) MessageID() MessageID { return MessageID(id) }

// MessageID converts the server id into a record id.
func (id ServerID) MessageID() MessageID { return MessageID(id) }

// IsTemporary reports whether the id was minted locally.
func (id MessageID) IsTemporary() bool {
	return strings.HasPrefix(string(id), temporaryPrefix)
}

// ServerID returns the id as a ServerID, or false when it is temporary or empty.
func (id MessageID) ServerID() (ServerID, bool) {
	if id == "" || id.IsTemporary() {
		return "", false
	}
	return ServerID(id), true
}

// Status is the lifecycle state of a message record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeVoice MessageType = "voice"
	TypeVideo MessageType = "video"
)

// Participant summarizes the other side of a private conversation.
type Participant struct {
	ID         string
	Name       string
	Avatar     string
	LastActive time.Time
}

// MessageSummary is the denormalized last message shown in the conversation list.
type MessageSummary struct {
	ID        MessageID
	Content   string
	SenderID  string
	Timestamp time.Time
	IsRead    bool
}

// Conversation is a cached conversation list entry keyed by the other
// participant's user id.
type Conversation struct {
	OtherUserID  string
	Participant  Participant
	LastMessage  *MessageSummary
	UnreadCount  int
	LastActivity time.Time

	IsCached     bool
	LastSyncAt   time.Time
	IsPrefetched bool
}

// FileInfo describes an attachment.
type FileInfo struct {
	URL  string
	Name string
	Size int64
}

// Message is a cached message record.
type Message struct {
	ID             MessageID
	ConversationID string
	SenderID       string
	ReceiverID     string
	RoomID         string
	Content        string
	Type           MessageType
	File           *FileInfo
	ReplyTo        MessageID
	IsEdited       bool
	EditedAt       time.Time
	IsRead         bool
	ReadAt         time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Optimistic  bool
	OperationID string
	Status      Status
}

// ConversationKey returns the conversation a message belongs to from the
// point of view of selfID: the room for group messages, otherwise the other
// participant.
func ConversationKey(m *Message, selfID string) string {
	if m.RoomID != "" {
		return m.RoomID
	}
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Summarize builds the list preview for a message.
func Summarize(m *Message, maxLen int) *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		Content:   Truncate(m.Content, maxLen),
		SenderID:  m.SenderID,
		Timestamp: m.CreatedAt,
		IsRead:    m.IsRead,
	}
}

// Truncate shortens s to at most maxLen runes.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
