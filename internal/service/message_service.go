// Package service implements the durable-write side of the chat subsystem:
// every broadcast originates from a write that already reached the store.
package service

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/creatorly/chat-service/internal/metrics"
	"github.com/creatorly/chat-service/internal/protocol"
	"github.com/creatorly/chat-service/internal/repository"
	"github.com/creatorly/chat-service/pkg/models"
)

var (
	ErrNotFound     = repository.ErrNotFound
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

type MessageRepo interface {
	Insert(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	List(ctx context.Context, chatID string, limit int64, before time.Time) ([]*models.Message, error)
	Edit(ctx context.Context, id, content string) error
	Delete(ctx context.Context, id string) error
}

type ChatRepo interface {
	Get(ctx context.Context, chatID string) (*models.Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

type Broadcaster interface {
	Broadcast(chatID string, env *protocol.Envelope, excludeIdentity string)
}

type RecentCache interface {
	Push(ctx context.Context, m *models.Message)
	Recent(ctx context.Context, chatID string, limit int64) []*models.Message
	Invalidate(ctx context.Context, chatID string)
}

type EventPublisher interface {
	MessageCreated(ctx context.Context, m *models.Message)
	MessageDeleted(ctx context.Context, chatID, messageID string)
}

type MessageService struct {
	messages MessageRepo
	chats    ChatRepo
	fanout   Broadcaster
	cache    RecentCache    // optional
	events   EventPublisher // optional
	log      *zap.SugaredLogger
}

func NewMessageService(messages MessageRepo, chats ChatRepo, fanout Broadcaster, cache RecentCache, events EventPublisher, log *zap.SugaredLogger) *MessageService {
	return &MessageService{
		messages: messages,
		chats:    chats,
		fanout:   fanout,
		cache:    cache,
		events:   events,
		log:      log,
	}
}

type CreateInput struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	MediaURL  string `json:"mediaUrl"`
	MediaMime string `json:"mediaMime"`
	MediaSize int64  `json:"mediaSize"`
}

// Create durably writes a message and fans the result out to the room. The
// store assigns the id; a failed insert produces no broadcast and no event.
func (s *MessageService) Create(ctx context.Context, senderID string, in CreateInput) (*models.Message, error) {
	if in.ChatID == "" || (in.Content == "" && in.MediaURL == "") {
		return nil, ErrInvalidInput
	}
	ok, err := s.chats.IsMember(ctx, in.ChatID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	m := &models.Message{
		ID:        primitive.NewObjectID().Hex(),
		ChatID:    in.ChatID,
		SenderID:  senderID,
		Content:   in.Content,
		MediaURL:  in.MediaURL,
		MediaMime: in.MediaMime,
		MediaSize: in.MediaSize,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	metrics.MessagesCreatedTotal.Inc()

	if s.cache != nil {
		s.cache.Push(ctx, m)
	}
	if s.events != nil {
		s.events.MessageCreated(ctx, m)
	}
	s.fanout.Broadcast(m.ChatID, protocol.NewMessage(m), senderID)
	return m, nil
}

// Delete removes a message and broadcasts the deletion. Only the sender may
// delete; the originator learns the outcome from the REST response, everyone
// else from the broadcast.
func (s *MessageService) Delete(ctx context.Context, userID, messageID string) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return ErrForbidden
	}
	if err := s.messages.Delete(ctx, messageID); err != nil {
		return err
	}
	metrics.MessagesDeletedTotal.Inc()

	if s.cache != nil {
		s.cache.Invalidate(ctx, m.ChatID)
	}
	if s.events != nil {
		s.events.MessageDeleted(ctx, m.ChatID, messageID)
	}
	s.fanout.Broadcast(m.ChatID, protocol.MessageDeleted(m.ChatID, messageID), userID)
	return nil
}

// Edit updates a message's text. Edits propagate over the next history
// fetch; there is no edit broadcast.
func (s *MessageService) Edit(ctx context.Context, userID, messageID, content string) (*models.Message, error) {
	if content == "" {
		return nil, ErrInvalidInput
	}
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrForbidden
	}
	if err := s.messages.Edit(ctx, messageID, content); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, m.ChatID)
	}
	m.Content = content
	m.Edited = true
	return m, nil
}

// List returns a chat's history, oldest first. Serves the recent window from
// cache when possible; the store remains authoritative.
func (s *MessageService) List(ctx context.Context, userID, chatID string, limit int64, before time.Time) ([]*models.Message, error) {
	ok, err := s.chats.IsMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() && s.cache != nil {
		if msgs := s.cache.Recent(ctx, chatID, limit); msgs != nil {
			return msgs, nil
		}
	}
	return s.messages.List(ctx, chatID, limit, before)
}

// Members returns the chat roster, visible to roster members only.
func (s *MessageService) Members(ctx context.Context, userID, chatID string) ([]string, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return chat.Participants, nil
}
