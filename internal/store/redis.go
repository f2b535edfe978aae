package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "token:blacklist:"

// RedisRevocations keeps revoked refresh-token ids in Redis. Entries expire together with the token.
type RedisRevocations struct {
	rdb redis.Cmdable
}

func NewRedisRevocations(rdb redis.Cmdable) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func (r *RedisRevocations) key(jti string) string {
	return blacklistPrefix + jti
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// already expired
		ttl = time.Second
	}
	ok, err := r.rdb.SetNX(ctx, r.key(jti), strconv.FormatInt(userID, 10), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRevoked
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
