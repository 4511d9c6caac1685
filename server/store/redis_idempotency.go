package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyState is the phase of a keyed request.
type IdempotencyState string

const (
	IdempotencyStateLocked IdempotencyState = "LOCKED" // first request still executing
	IdempotencyStateResult IdempotencyState = "RESULT" // response cached
)

// IdempotencyResult is what Redis holds under a lock or result key.
type IdempotencyResult struct {
	State      IdempotencyState    `json:"state"`
	StatusCode int                 `json:"status_code,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// GetIdempotencyState returns the cached result for key, else its lock, else
// nil when neither exists.
func (s *RedisStore) GetIdempotencyState(ctx context.Context, key string) (*IdempotencyResult, error) {
	defer observeRedis("get_idempotency")()

	for _, k := range []string{IdempotencyResultKey(key), IdempotencyLockKey(key)} {
		data, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var res IdempotencyResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
	return nil, nil
}

// LockIdempotency claims key for ttl. It reports false when another request
// already holds the claim.
func (s *RedisStore) LockIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	defer observeRedis("lock_idempotency")()

	data, err := json.Marshal(IdempotencyResult{State: IdempotencyStateLocked, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, IdempotencyLockKey(key), data, ttl).Result()
}

// StoreIdempotencyResult moves key from LOCKED to RESULT.
func (s *RedisStore) StoreIdempotencyResult(ctx context.Context, key string, result *IdempotencyResult, ttl time.Duration) error {
	defer observeRedis("store_idempotency")()

	result.State = IdempotencyStateResult
	result.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, IdempotencyResultKey(key), data, ttl)
		pipe.Del(ctx, IdempotencyLockKey(key))
		return nil
	})
	return err
}

// ReleaseIdempotencyLock drops the claim without caching a result, so a
// retry executes again.
func (s *RedisStore) ReleaseIdempotencyLock(ctx context.Context, key string) error {
	defer observeRedis("release_idempotency")()
	return s.client.Del(ctx, IdempotencyLockKey(key)).Err()
}
