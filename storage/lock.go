package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

const lockPollInterval = 50 * time.Millisecond

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises rebalances of a partition across instances with a
// SET NX PX lease.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a locker whose leases expire after ttl. Lock gives
// up after wait.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

func lockKey(key string) string {
	return "lock:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey(key), token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrPartitionLocked, key, ctx.Err())
			}
			return nil, err
		}
		if ok {
			return func() {
				_ = releaseScript.Run(context.Background(), l.client, []string{lockKey(key)}, token).Err()
			}, nil
		}
		select {
		case <-time.After(lockPollInterval):
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", domain.ErrPartitionLocked, key)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrPartitionLocked, key, ctx.Err())
		}
	}
}
