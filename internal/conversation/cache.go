package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"eduassist/internal/models"
	"eduassist/internal/redis"
)

const historyTTL = 30 * time.Minute

// historyCache is a read-through redis cache for ordered conversation
// history. Nil receivers are valid: the store works without redis and
// every method degrades to a no-op or miss.
type historyCache struct {
	client *redis.Client
}

func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("chat:history:%s", conversationID)
}

func (c *historyCache) load(ctx context.Context, conversationID string) ([]*models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(conversationID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("history cache read failed: %v", err)
		}
		return nil, false
	}
	var msgs []*models.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		log.Printf("history cache decode failed: %v", err)
		return nil, false
	}
	return msgs, true
}

func (c *historyCache) store(ctx context.Context, conversationID string, msgs []*models.Message) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		log.Printf("history cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, historyKey(conversationID), data, historyTTL); err != nil {
		log.Printf("history cache write failed: %v", err)
	}
}

func (c *historyCache) invalidate(ctx context.Context, conversationID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, historyKey(conversationID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("history cache invalidate failed: %v", err)
	}
}
