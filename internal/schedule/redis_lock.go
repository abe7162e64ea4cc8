package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockClient is the part of the redis client RedisLocker needs.
type LockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker elects the sweeping instance with SET NX PX. The holder keeps
// the lock by refreshing its expiry on every tick.
type RedisLocker struct {
	client LockClient
	key    string
	owner  string
}

func NewRedisLocker(client LockClient, key, owner string) *RedisLocker {
	return &RedisLocker{client: client, key: key, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; try again next tick
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.owner {
		return false, nil
	}
	return true, l.client.PExpire(ctx, l.key, ttl).Err()
}
