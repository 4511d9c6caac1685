package idempotency

import (
	"context"
	"time"

	"github.com/itskum47/promptlens/server/store"
)

// RedisBackend shares idempotency state between server processes through the
// LOCKED and RESULT keys of a RedisStore.
type RedisBackend struct {
	store   *store.RedisStore
	ttl     time.Duration
	lockTTL time.Duration
}

func NewRedisBackend(s *store.RedisStore, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBackend{store: s, ttl: ttl, lockTTL: DefaultLockTTL}
}

func (b *RedisBackend) Begin(ctx context.Context, key string) (*Response, error) {
	if resp, err := b.lookup(ctx, key); resp != nil || err != nil {
		return resp, err
	}

	acquired, err := b.store.LockIdempotency(ctx, key, b.lockTTL)
	if err != nil {
		return nil, err
	}
	if acquired {
		return nil, nil
	}
	// Lost the race: the holder may already have finished.
	if resp, err := b.lookup(ctx, key); resp != nil || err != nil {
		return resp, err
	}
	return nil, ErrInFlight
}

// lookup returns the cached response, ErrInFlight for a held lock, or
// (nil, nil) when the key is unknown.
func (b *RedisBackend) lookup(ctx context.Context, key string) (*Response, error) {
	state, err := b.store.GetIdempotencyState(ctx, key)
	if err != nil || state == nil {
		return nil, err
	}
	if state.State == store.IdempotencyStateLocked {
		return nil, ErrInFlight
	}
	return &Response{StatusCode: state.StatusCode, Body: state.Body, Headers: state.Headers}, nil
}

func (b *RedisBackend) Complete(ctx context.Context, key string, resp Response) error {
	return b.store.StoreIdempotencyResult(ctx, key, &store.IdempotencyResult{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Headers:    resp.Headers,
	}, b.ttl)
}

func (b *RedisBackend) Abort(ctx context.Context, key string) error {
	return b.store.ReleaseIdempotencyLock(ctx, key)
}
