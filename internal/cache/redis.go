// Package cache keeps the most recent messages of each room in Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

const keyPrefix = "roomcast:history:"

// Config configures the history cache
type Config struct {
	Addr        string
	DB          int
	HistorySize int
	TTL         time.Duration
}

// RedisHistory stores each room as a capped list, newest message at the head
type RedisHistory struct {
	client redis.UniversalClient
	size   int64
	ttl    time.Duration
}

var _ interfaces.HistoryCache = (*RedisHistory)(nil)

// NewRedisHistory connects to Redis and verifies the connection
func NewRedisHistory(ctx context.Context, cfg Config) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisHistoryWithClient(client, cfg.HistorySize, cfg.TTL), nil
}

// NewRedisHistoryWithClient wraps an existing client
func NewRedisHistoryWithClient(client redis.UniversalClient, size int, ttl time.Duration) *RedisHistory {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHistory{client: client, size: int64(size), ttl: ttl}
}

func roomKey(roomID string) string {
	return keyPrefix + roomID
}

// Push prepends msg to its room list and trims the list to the cache size
func (h *RedisHistory) Push(ctx context.Context, msg *types.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	key := roomKey(msg.RoomID)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, h.size-1)
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push history: %w", err)
	}
	return nil
}

// Recent returns up to limit cached messages, oldest first.
// An empty or missing list is interfaces.ErrCacheMiss.
func (h *RedisHistory) Recent(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		return nil, interfaces.ErrCacheMiss
	}

	raw, err := h.client.LRange(ctx, roomKey(roomID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(raw) == 0 {
		return nil, interfaces.ErrCacheMiss
	}

	msgs := make([]*types.ChatMessage, len(raw))
	for i, item := range raw {
		msg := &types.ChatMessage{}
		if err := json.Unmarshal([]byte(item), msg); err != nil {
			return nil, fmt.Errorf("failed to decode cached message: %w", err)
		}
		// list is newest first
		msgs[len(raw)-1-i] = msg
	}
	return msgs, nil
}

// Fill replaces roomID's list with msgs (oldest first)
func (h *RedisHistory) Fill(ctx context.Context, roomID string, msgs []*types.ChatMessage) error {
	key := roomKey(roomID)

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		values = append(values, data)
	}

	pipe := h.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.LPush(ctx, key, values...)
		pipe.LTrim(ctx, key, 0, h.size-1)
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to fill history: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (h *RedisHistory) Close() error {
	return h.client.Close()
}
