package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/api"
)

// Wire event names.
const (
	EventNewMessage          = "new-message"
	EventTypingStart         = "typing-start"
	EventTypingStop          = "typing-stop"
	EventMessageRead         = "message-read"
	EventConversationUpdated = "conversation-updated"
)

// Envelope is one frame received from the channel service.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Command is a frame sent to the channel service.
type Command struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Event is a decoded envelope. It is one of NewMessage, TypingStart,
// TypingStop, MessageRead, ConversationUpdated or Unknown.
type Event interface {
	ChannelName() string
	event()
}

type base struct {
	Channel string
}

func (b base) ChannelName() string { return b.Channel }
func (base) event()                {}

// NewMessage carries a full message payload.
type NewMessage struct {
	base
	Message api.MessageDTO
}

// Typing identifies who started or stopped typing.
type Typing struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type TypingStart struct {
	base
	Typing
}

type TypingStop struct {
	base
	Typing
}

// MessageRead reports that readBy read a message at readAt.
type MessageRead struct {
	base
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// ConversationUpdated carries a new conversation list entry.
type ConversationUpdated struct {
	base
	Conversation api.ConversationDTO
}

// Unknown is any envelope that could not be decoded. Consumers ignore it.
type Unknown struct {
	base
	Name string
	Err  error
}

var errMissingField = errors.New("missing required field")

// Decode turns an envelope into a typed event. It never fails: anything it
// cannot interpret becomes Unknown.
func Decode(env Envelope) Event {
	b := base{Channel: env.Channel}
	unknown := func(err error) Event {
		return Unknown{base: b, Name: env.Event, Err: err}
	}

	switch env.Event {
	case EventNewMessage:
		var m api.MessageDTO
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return unknown(err)
		}
		if m.ID == "" {
			return unknown(fmt.Errorf("%s: id: %w", env.Event, errMissingField))
		}
		return NewMessage{base: b, Message: m}

	case EventTypingStart, EventTypingStop:
		var t Typing
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return unknown(err)
		}
		if t.UserID == "" {
			return unknown(fmt.Errorf("%s: userId: %w", env.Event, errMissingField))
		}
		if env.Event == EventTypingStart {
			return TypingStart{base: b, Typing: t}
		}
		return TypingStop{base: b, Typing: t}

	case EventMessageRead:
		var r MessageRead
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return unknown(err)
		}
		r.base = b
		if r.MessageID == "" {
			return unknown(fmt.Errorf("%s: messageId: %w", env.Event, errMissingField))
		}
		return r

	case EventConversationUpdated:
		var c api.ConversationDTO
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return unknown(err)
		}
		if c.OtherUserID == "" {
			return unknown(fmt.Errorf("%s: otherUserId: %w", env.Event, errMissingField))
		}
		return ConversationUpdated{base: b, Conversation: c}
	}
	return unknown(nil)
}

// NewEnvelope encodes data into an envelope for channel.
func NewEnvelope(channel, event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Channel: channel, Event: event, Data: raw}, nil
}
