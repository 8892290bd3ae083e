package api

import (
	"time"

	"github.com/matheus3301/convsync/internal/store"
)

// UserDTO is the participant summary sent by the backend.
type UserDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar,omitempty"`
	LastActive time.Time `json:"lastActive,omitzero"`
}

// LastMessageDTO is the last message preview of a conversation.
type LastMessageDTO struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// ConversationDTO is one entry of GET /conversations and the payload of
// conversation-updated events.
type ConversationDTO struct {
	OtherUserID  string          `json:"otherUserId"`
	OtherUser    UserDTO         `json:"otherUser"`
	LastMessage  *LastMessageDTO `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
	LastActivity time.Time       `json:"lastActivity"`
}

// MessageDTO is the wire form of a message.
type MessageDTO struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"type,omitempty"`
	FileURL    string    `json:"fileUrl,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	FileSize   int64     `json:"fileSize,omitempty"`
	ReplyToID  string    `json:"replyToId,omitempty"`
	IsEdited   bool      `json:"isEdited,omitempty"`
	EditedAt   time.Time `json:"editedAt,omitzero"`
	IsRead     bool      `json:"isRead,omitempty"`
	ReadAt     time.Time `json:"readAt,omitzero"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ReceiverID        string `json:"receiverId,omitempty"`
	RoomID            string `json:"roomId,omitempty"`
	Content           string `json:"content"`
	Type              string `json:"type"`
	FileURL           string `json:"fileUrl,omitempty"`
	FileName          string `json:"fileName,omitempty"`
	FileSize          int64  `json:"fileSize,omitempty"`
	ReplyToID         string `json:"replyToId,omitempty"`
	IsReceiverViewing bool   `json:"isReceiverViewing"`
}

// MessagePage is the response of GET /messages.
type MessagePage struct {
	Messages []MessageDTO `json:"messages"`
	HasMore  bool         `json:"hasMore"`
	Page     int          `json:"page"`
	Limit    int          `json:"limit"`
}

type conversationsResponse struct {
	Conversations []ConversationDTO `json:"conversations"`
	Count         int               `json:"count"`
}

type messageResponse struct {
	Message MessageDTO `json:"message"`
}

// Record converts the DTO into a cached conversation.
func (d *ConversationDTO) Record() store.Conversation {
	c := store.Conversation{
		OtherUserID: d.OtherUserID,
		Participant: store.Participant{
			ID:         d.OtherUserID,
			Name:       d.OtherUser.Name,
			Avatar:     d.OtherUser.Avatar,
			LastActive: d.OtherUser.LastActive,
		},
		UnreadCount:  max(d.UnreadCount, 0),
		LastActivity: d.LastActivity,
	}
	if d.LastMessage != nil {
		c.LastMessage = &store.MessageSummary{
			ID:        store.MessageID(d.LastMessage.ID),
			Content:   d.LastMessage.Content,
			SenderID:  d.LastMessage.SenderID,
			Timestamp: d.LastMessage.CreatedAt,
			IsRead:    d.LastMessage.IsRead,
		}
	}
	return c
}

// Record converts the DTO into a confirmed cached message belonging to
// conversationID.
func (d *MessageDTO) Record(conversationID string) store.Message {
	m := store.Message{
		ID:             store.MessageID(d.ID),
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		RoomID:         d.RoomID,
		Content:        d.Content,
		Type:           store.MessageType(d.Type),
		ReplyTo:        store.MessageID(d.ReplyToID),
		IsEdited:       d.IsEdited,
		EditedAt:       d.EditedAt,
		IsRead:         d.IsRead,
		ReadAt:         d.ReadAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Status:         store.StatusConfirmed,
	}
	if m.Type == "" {
		m.Type = store.TypeText
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if d.FileURL != "" || d.FileName != "" {
		m.File = &store.FileInfo{URL: d.FileURL, Name: d.FileName, Size: d.FileSize}
	}
	return m
}
