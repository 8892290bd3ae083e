package store

import (
	"context"
	"time"
)

// Store is the contract of the local cache. Every error it returns wraps
// ErrUnavailable.
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	PutConversation(ctx context.Context, c *Conversation) error
	PutConversations(ctx context.Context, cs []Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	TouchConversation(ctx context.Context, id string) error

	GetMessage(ctx context.Context, id MessageID) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	PutMessage(ctx context.Context, m *Message) error
	PutMessages(ctx context.Context, ms []Message) error
	DeleteMessage(ctx context.Context, id MessageID) error
	ReplaceMessage(ctx context.Context, old MessageID, m *Message) error
	MarkMessageRead(ctx context.Context, id MessageID, at time.Time) (*Message, error)
	MessageCount(ctx context.Context, conversationID string) (int, error)

	Prune(ctx context.Context, maxConversations, maxMessagesPerConversation int) error
}

var _ Store = (*DB)(nil)
