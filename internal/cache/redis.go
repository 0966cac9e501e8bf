package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creatorly/chat-service/pkg/models"
)

const (
	recentWindow = 100
	recentTTL    = 24 * time.Hour
)

// RecentMessages keeps a short per-chat window of recent messages so the
// console's message list loads without hitting mongo. The store stays the
// source of truth; a cache miss or any redis error falls through to it.
type RecentMessages struct {
	client *redis.Client
	prefix string
}

func NewRecentMessages(client *redis.Client, prefix string) *RecentMessages {
	return &RecentMessages{client: client, prefix: prefix}
}

func (c *RecentMessages) key(chatID string) string {
	return fmt.Sprintf("%s:recent:%s", c.prefix, chatID)
}

// Push prepends a freshly created message to the chat's recent window.
func (c *RecentMessages) Push(ctx context.Context, m *models.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	key := c.key(m.ChatID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, recentWindow-1)
	pipe.Expire(ctx, key, recentTTL)
	_, _ = pipe.Exec(ctx)
}

// Recent returns the cached window oldest-first, or nil on miss/error.
func (c *RecentMessages) Recent(ctx context.Context, chatID string, limit int64) []*models.Message {
	if limit <= 0 || limit > recentWindow {
		return nil
	}
	raws, err := c.client.LRange(ctx, c.key(chatID), 0, limit-1).Result()
	if err != nil || len(raws) == 0 {
		return nil
	}
	out := make([]*models.Message, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m models.Message
		if err := json.Unmarshal([]byte(raws[i]), &m); err != nil {
			return nil
		}
		out = append(out, &m)
	}
	return out
}

// Invalidate drops the chat's window; called after deletes and edits so the
// next read rebuilds from the store.
func (c *RecentMessages) Invalidate(ctx context.Context, chatID string) {
	_ = c.client.Del(ctx, c.key(chatID)).Err()
}
