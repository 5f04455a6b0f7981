package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/logger"
)

const scanCount = 500

// RedisStore is a Store backed by Redis
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore wraps a Redis client
func NewRedisStore(client redis.UniversalClient, log *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisStore{client: client, logger: logger.WithComponent(log, "redis_store")}, nil
}

// SetJSON stores v encoded as JSON
func (s *RedisStore) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON decodes the value stored at key into out
func (s *RedisStore) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// KeysMatching walks the keyspace with SCAN MATCH; it never issues KEYS
func (s *RedisStore) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", pattern, err)
	}
	sort.Strings(keys)
	s.logger.Debug("scanned keys", zap.String("pattern", pattern), zap.Int("matched", len(keys)))
	return keys, nil
}

// Close is a no-op; the caller owns the client
func (s *RedisStore) Close() error {
	return nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
