// Package events publishes message lifecycle events to Kafka for downstream
// consumers (notification fan-out, analytics). Publishing is best-effort:
// a broker outage must never fail a durable write.
package events

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/creatorly/chat-service/pkg/models"
)

const (
	EventMessageCreated = "message.created"
	EventMessageDeleted = "message.deleted"
)

type envelope struct {
	Event     string          `json:"event"`
	ChatID    string          `json:"chat_id"`
	MessageID string          `json:"message_id"`
	Message   *models.Message `json:"message,omitempty"`
	At        time.Time       `json:"at"`
}

type Producer struct {
	writer *kafkago.Writer
	log    *zap.SugaredLogger
}

func NewProducer(brokers []string, topic string, log *zap.SugaredLogger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &Producer{writer: w, log: log}
}

func (p *Producer) MessageCreated(ctx context.Context, m *models.Message) {
	p.publish(ctx, envelope{Event: EventMessageCreated, ChatID: m.ChatID, MessageID: m.ID, Message: m, At: time.Now().UTC()})
}

func (p *Producer) MessageDeleted(ctx context.Context, chatID, messageID string) {
	p.publish(ctx, envelope{Event: EventMessageDeleted, ChatID: chatID, MessageID: messageID, At: time.Now().UTC()})
}

func (p *Producer) publish(ctx context.Context, e envelope) {
	if p == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	msg := kafkago.Message{Key: []byte(e.ChatID), Value: b, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warnw("kafka publish failed", "event", e.Event, "err", err)
	}
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
