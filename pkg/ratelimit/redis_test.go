package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use test database
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	return rdb
}

func TestRedisCounters_Allow(t *testing.T) {
	rdb := setupTestRedis(t)
	defer rdb.Close()

	c := NewRedisCounters(rdb)
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		allowed, err := c.Allow(ctx, "rate_limit:user:user_1", 3, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := c.Allow(ctx, "rate_limit:user:user_1", 3, window)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other keys are unaffected.
	allowed, err = c.Allow(ctx, "rate_limit:user:user_2", 3, window)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisCounters_Peek(t *testing.T) {
	rdb := setupTestRedis(t)
	defer rdb.Close()

	c := NewRedisCounters(rdb)
	ctx := context.Background()
	window := time.Minute

	status, err := c.Peek(ctx, "rate_limit:session:sess_1", 5, window)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Remaining)
	assert.Equal(t, 60, status.WindowSeconds)

	_, err = c.Allow(ctx, "rate_limit:session:sess_1", 5, window)
	require.NoError(t, err)

	status, err = c.Peek(ctx, "rate_limit:session:sess_1", 5, window)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Remaining)

	// Peek never consumes.
	status, err = c.Peek(ctx, "rate_limit:session:sess_1", 5, window)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Remaining)
}

func TestRedisCounters_WindowExpiry(t *testing.T) {
	rdb := setupTestRedis(t)
	defer rdb.Close()

	c := NewRedisCounters(rdb)
	ctx := context.Background()
	window := 100 * time.Millisecond

	allowed, err := c.Allow(ctx, "rate_limit:user:user_1", 1, window)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = c.Allow(ctx, "rate_limit:user:user_1", 1, window)
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(120 * time.Millisecond)

	allowed, err = c.Allow(ctx, "rate_limit:user:user_1", 1, window)
	require.NoError(t, err)
	assert.True(t, allowed)
}
