package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// storeIfCurrentScript caches a lane only while the board's generation is
// still the one read before the lane was loaded.
var storeIfCurrentScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

type partitionReader interface {
	ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error)
}

// PartitionCache keeps lane listings in Redis. It is also an event sink and
// drops the cached lanes of a board whenever the board changes. Every drop
// bumps the board generation, and a lane read under an older generation is
// not cached.
type PartitionCache struct {
	base  partitionReader
	redis *redis.Client
	ttl   time.Duration
}

// NewPartitionCache wraps base with a Redis cache using the provided TTL.
func NewPartitionCache(base partitionReader, client *redis.Client, ttl time.Duration) *PartitionCache {
	if base == nil {
		panic("storage.NewPartitionCache: base reader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &PartitionCache{base: base, redis: client, ttl: ttl}
}

func (c *PartitionCache) ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, boardID, status); ok {
		return tasks, nil
	}
	gen, cacheable := c.generation(ctx, boardID)
	tasks, err := c.base.ListPartition(ctx, boardID, status)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.store(ctx, boardID, status, gen, tasks)
	}
	return tasks, nil
}

// Publish evicts every lane of the event's board.
func (c *PartitionCache) Publish(ctx context.Context, ev domain.Event) error {
	if c.redis == nil || ev.BoardID == "" {
		return nil
	}
	keys := make([]string, len(domain.Statuses))
	for i, s := range domain.Statuses {
		keys[i] = partitionCacheKey(ev.BoardID, s)
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(ev.BoardID))
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// generation returns the board's current generation. It reports false when
// Redis cannot be read, in which case the lane is served uncached.
func (c *PartitionCache) generation(ctx context.Context, boardID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(boardID)).Result()
	if err == redis.Nil {
		return "0", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

func (c *PartitionCache) load(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := partitionCacheKey(boardID, status)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *PartitionCache) store(ctx context.Context, boardID string, status domain.Status, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	keys := []string{partitionCacheKey(boardID, status), generationKey(boardID)}
	_ = storeIfCurrentScript.Run(ctx, c.redis, keys, gen, data, c.ttl.Milliseconds()).Err()
}

func partitionCacheKey(boardID string, status domain.Status) string {
	return "partition:" + boardID + ":" + string(status)
}

func generationKey(boardID string) string {
	return "partition-gen:" + boardID
}
