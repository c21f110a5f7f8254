package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain/domaintest"
	redisclient "github.com/gameoverstudios/deeperhub/internal/redis"
)

func newRedisLimiter(t *testing.T) (*Redis, *miniredis.Miniredis, *domaintest.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewRedis(client.RDB, clock, testPolicy, nil), mr, clock
}

func TestRedisLockoutAfterMaxFailures(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := limiter.Record(ctx, "auth_login", "1.2.3.4:bob", false)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "failure %d should not lock", i+1)
	}

	res, err := limiter.Record(ctx, "auth_login", "1.2.3.4:bob", false)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, testPolicy.Lockout, res.RetryAfter)

	t.Run("check sees the lockout", func(t *testing.T) {
		res, err := limiter.Check(ctx, "auth_login", "1.2.3.4:bob")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Positive(t, res.RetryAfter)
	})

	t.Run("success during lockout refused", func(t *testing.T) {
		res, err := limiter.Record(ctx, "auth_login", "1.2.3.4:bob", true)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})
}

func TestRedisSuccessClearsFailures(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Record(ctx, "auth_login", "k", false)
		require.NoError(t, err)
	}

	res, err := limiter.Record(ctx, "auth_login", "k", true)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	for i := 0; i < 4; i++ {
		res, err := limiter.Record(ctx, "auth_login", "k", false)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestRedisLockoutExpires(t *testing.T) {
	limiter, mr, clock := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Record(ctx, "auth_login", "k", false)
		require.NoError(t, err)
	}

	// Let the lock key and the event window lapse.
	mr.FastForward(testPolicy.Lockout + testPolicy.Window)
	clock.Advance(testPolicy.Lockout + testPolicy.Window)

	res, err := limiter.Record(ctx, "auth_login", "k", false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisSlidingWindowExcludesOldEvents(t *testing.T) {
	limiter, _, clock := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Record(ctx, "auth_login", "k", false)
		require.NoError(t, err)
	}

	// Past the window the old failures drop out of the count.
	clock.Advance(testPolicy.Window + time.Millisecond)

	res, err := limiter.Check(ctx, "auth_login", "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, testPolicy.Max, res.Remaining)
}

func TestRedisFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := domaintest.NewFakeClock(time.Now())
	limiter := NewRedis(client.RDB, clock, testPolicy, nil)
	mr.Close()

	res, err := limiter.Record(context.Background(), "auth_login", "k", false)
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, testPolicy.Lockout, res.RetryAfter)
}
