package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "mailqueue:token-lock:"

// Deletes the lock only if this holder still owns it, so an expired lock
// reacquired by another process is never released from here.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker is a cross-process Locker built on SET NX with a TTL. Use it
// when multiple dispatch processes refresh tokens under the same identity;
// the TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl must cover the slowest
// expected refresh exchange.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockKeyPrefix + key
	holder := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, holder, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = unlockScript.Run(unlockCtx, l.client, []string{redisKey}, holder).Result()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}
