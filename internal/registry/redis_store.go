package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storystack/tagflow/internal/domain"
)

const defaultTrackedKey = "tagflow:tracked-batches"

// RedisStore persists the tracked-batch snapshot as one JSON value under a
// namespaced key, shared between the submission API and the poller.
// Last write wins; the fallback sweep reconciles any snapshot lost to a
// concurrent writer.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, key string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(key) == "" {
		key = defaultTrackedKey
	}
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]domain.TrackedBatch, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tracked batches: %w", err)
	}

	var batches []domain.TrackedBatch
	if err := json.Unmarshal(raw, &batches); err != nil {
		return nil, fmt.Errorf("decode tracked batches: %w", err)
	}
	return batches, nil
}

func (s *RedisStore) Save(ctx context.Context, batches []domain.TrackedBatch) error {
	if len(batches) == 0 {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("clear tracked batches: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(batches)
	if err != nil {
		return fmt.Errorf("encode tracked batches: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save tracked batches: %w", err)
	}
	return nil
}
