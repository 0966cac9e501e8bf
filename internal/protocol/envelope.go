// Package protocol defines the JSON envelope exchanged over the persistent
// websocket connection. Envelopes are immutable once encoded; durable writes
// and history reads use the REST surface instead.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creatorly/chat-service/pkg/models"
)

type EventType string

const (
	EventAuth           EventType = "auth"
	EventAuthSuccess    EventType = "auth_success"
	EventAuthError      EventType = "auth_error"
	EventJoinChat       EventType = "join_chat"
	EventJoinedChat     EventType = "joined_chat"
	EventLeaveChat      EventType = "leave_chat"
	EventRejected       EventType = "rejected"
	EventNewMessage     EventType = "new_message"
	EventMessageDeleted EventType = "message_deleted"
)

// Rejection / auth_error reason codes.
const (
	ReasonInvalidToken     = "invalid_token"
	ReasonMissingToken     = "missing_token"
	ReasonForbidden        = "forbidden"
	ReasonNotAuthenticated = "not_authenticated"
)

var ErrMalformed = errors.New("malformed envelope")

var knownTypes = map[EventType]bool{
	EventAuth:           true,
	EventAuthSuccess:    true,
	EventAuthError:      true,
	EventJoinChat:       true,
	EventJoinedChat:     true,
	EventLeaveChat:      true,
	EventRejected:       true,
	EventNewMessage:     true,
	EventMessageDeleted: true,
}

type Envelope struct {
	Type      EventType       `json:"type"`
	Token     string          `json:"token,omitempty"`
	ChatID    string          `json:"chatId,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Known reports whether the event type is part of the closed set. Unknown
// types decode fine and are ignored by the gateway rather than treated as
// protocol abuse.
func (e *Envelope) Known() bool {
	return knownTypes[e.Type]
}

// Decode parses a raw frame. A frame that is not a JSON object or carries no
// type at all is malformed; the caller decides whether to drop or to close.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &e, nil
}

func (e *Envelope) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

func AuthSuccess() *Envelope {
	return &Envelope{Type: EventAuthSuccess}
}

func AuthError(reason string) *Envelope {
	return &Envelope{Type: EventAuthError, Reason: reason}
}

func Joined(chatID string) *Envelope {
	return &Envelope{Type: EventJoinedChat, ChatID: chatID}
}

func Rejected(chatID, reason string) *Envelope {
	return &Envelope{Type: EventRejected, ChatID: chatID, Reason: reason}
}

func NewMessage(msg *models.Message) *Envelope {
	return &Envelope{Type: EventNewMessage, ChatID: msg.ChatID, Message: msg}
}

func MessageDeleted(chatID, messageID string) *Envelope {
	return &Envelope{Type: EventMessageDeleted, ChatID: chatID, MessageID: messageID}
}
