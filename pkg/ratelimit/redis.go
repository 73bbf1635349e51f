package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisCounters is a CounterStore over redis sorted sets: one set per limit
// key, scored by event time in epoch milliseconds. Used when counters should
// survive a relay restart. The check-and-add runs as a single Lua script so
// concurrent callers cannot both slip under the limit.
type RedisCounters struct {
	rdb *redis.Client
}

// allowScript prunes expired events, then adds the new one only when the
// window still has room. KEYS[1] = set, ARGV = now-ms, cutoff-ms, limit,
// member, ttl-ms. Returns 1 when allowed.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (c *RedisCounters) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	result, err := allowScript.Run(ctx, c.rdb, []string{key},
		now.UnixMilli(),
		cutoff.UnixMilli(),
		limit,
		uuid.New().String(),
		window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	return result == 1, nil
}

func (c *RedisCounters) Peek(ctx context.Context, key string, limit int, window time.Duration) (Status, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, fmt.Errorf("failed to read rate limit status: %w", err)
	}

	count := int(countCmd.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := float64(now.Add(window).UnixMilli()) / 1000.0
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = (oldest[0].Score + float64(window.Milliseconds())) / 1000.0
	}

	return Status{
		Limit:         limit,
		Remaining:     remaining,
		ResetAt:       resetAt,
		WindowSeconds: int(window / time.Second),
	}, nil
}
