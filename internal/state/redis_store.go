package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backend, grounded on the
// Redis client wiring used elsewhere in the example pack for
// ping/health, pipelined writes, and TTL'd keys.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) IsBlacklisted(ctx context.Context, provider string) (bool, error) {
	n, err := s.client.Exists(ctx, KeyBlacklist(provider)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Blacklist(ctx context.Context, provider string, ttlSeconds int64) error {
	return s.client.Set(ctx, KeyBlacklist(provider), "1", time.Duration(ttlSeconds)*time.Second).Err()
}

func (s *RedisStore) BlacklistTTL(ctx context.Context, provider string) (int64, error) {
	ttl, err := s.client.TTL(ctx, KeyBlacklist(provider)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return int64(ttl.Seconds()), nil
}

func (s *RedisStore) IncrementFailure(ctx context.Context, provider string) (int64, error) {
	key := KeyFailures(provider)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, FailureCounterTTL*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) ResetFailure(ctx context.Context, provider string) error {
	return s.client.Del(ctx, KeyFailures(provider)).Err()
}

func (s *RedisStore) FailureCount(ctx context.Context, provider string) (int64, error) {
	v, err := s.client.Get(ctx, KeyFailures(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// CheckRateLimit is the deliberately racy fixed-window algorithm described
// in spec §4.1/§5 and design note "Fixed-window rate limiting": creation and
// increment are two round-trips, not one atomic operation. Two concurrent
// callers against an empty key may both observe "absent" and both pass —
// accepted as a soft cap, not a safety boundary.
func (s *RedisStore) CheckRateLimit(ctx context.Context, identifier string, max int64, windowSeconds int64) (bool, int64, error) {
	current, err := s.client.Get(ctx, identifier).Result()
	if errors.Is(err, redis.Nil) {
		if err := s.client.Set(ctx, identifier, 1, time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			return false, 0, err
		}
		return true, max - 1, nil
	}
	if err != nil {
		return false, 0, err
	}

	count, convErr := strconv.ParseInt(current, 10, 64)
	if convErr != nil {
		count = 0
	}
	if count >= max {
		return false, 0, nil
	}
	if err := s.client.Incr(ctx, identifier).Err(); err != nil {
		return false, 0, err
	}
	return true, max - count - 1, nil
}

func (s *RedisStore) AcquireSlot(ctx context.Context, resource string, maxSlots int64) (bool, error) {
	key := KeyConcurrency(resource)
	current, err := s.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	var count int64
	if err == nil {
		count, _ = strconv.ParseInt(current, 10, 64)
	}
	if count >= maxSlots {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, SlotSafetyTTL*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) ReleaseSlot(ctx context.Context, resource string) error {
	key := KeyConcurrency(resource)
	current, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	n, _ := strconv.ParseInt(current, 10, 64)
	if n > 0 {
		return s.client.Decr(ctx, key).Err()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
