package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDenylist stores revoked subscription token ids with a TTL that ends
// when the token would have expired.
type RedisDenylist struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisDenylist(client *redis.Client) *RedisDenylist {
	return &RedisDenylist{client: client, now: time.Now}
}

func (d *RedisDenylist) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	defer observeRedis("revoke_token")()
	ttl := expiresAt.Sub(d.now())
	if ttl <= 0 {
		return nil // already unusable
	}
	return d.client.Set(ctx, RevokedTokenKey(tokenID), "1", ttl).Err()
}

func (d *RedisDenylist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	defer observeRedis("is_revoked")()
	n, err := d.client.Exists(ctx, RevokedTokenKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
