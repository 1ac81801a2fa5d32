package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/provident/provident-backend/internal/validation/domain"
)

const (
	inFlightKeyPrefix = "validation:inflight:"
	reportKeyPrefix   = "validation:report:"
)

// RedisStore is the Redis-backed Store for deployments with more than one
// instance, where in-flight markers and cached reports must be shared.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed idempotency store. The client
// lifecycle is managed by the caller.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// AcquireInFlight implements Store using SET NX for an atomic
// set-if-absent with expiry.
func (s *RedisStore) AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// Store "1" as a simple marker; the key existence is what matters
	return s.client.SetNX(ctx, inFlightKeyPrefix+key, "1", ttl).Result()
}

// GetReport implements Store
func (s *RedisStore) GetReport(ctx context.Context, key string) (*domain.ValidationReport, error) {
	raw, err := s.client.Get(ctx, reportKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var report domain.ValidationReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SaveReport implements Store
func (s *RedisStore) SaveReport(ctx context.Context, key string, report *domain.ValidationReport, ttl time.Duration) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, reportKeyPrefix+key, raw, ttl)
	pipe.Del(ctx, inFlightKeyPrefix+key)
	_, err = pipe.Exec(ctx)
	return err
}

// Release implements Store
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, inFlightKeyPrefix+key).Err()
}
