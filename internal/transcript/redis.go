package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"assistant-relay-go/internal/config"
)

// RedisSink appends entries to a capped Redis stream.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisSink creates a RedisSink from the [transcript] config section.
// No connection is made until the first command.
func NewRedisSink(cfg *config.Config) *RedisSink {
	tc := cfg.Transcript
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:        tc.RedisAddr,
			Password:    tc.RedisPassword,
			DB:          tc.RedisDB,
			DialTimeout: 2 * time.Second,
		}),
		key:    tc.StreamKey,
		maxLen: tc.MaxLen,
	}
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// Append adds e to the stream, trimming it to roughly maxLen entries.
func (s *RedisSink) Append(ctx context.Context, e Entry) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: e.Values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
