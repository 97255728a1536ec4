package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revback/core/pkg/cache"
)

func setupLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(client)
	t.Cleanup(func() { c.Close() })

	rl := NewRateLimiter(c, zap.NewNop())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, mr, &now
}

func TestRateLimiterExhaustsBucket(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	ctx := context.Background()

	// Public tier holds 30 tokens.
	for i := 0; i < 30; i++ {
		decision := rl.Allow(ctx, TierPublic, "203.0.113.7")
		require.True(t, decision.Allowed, "request %d should pass", i+1)
	}

	decision := rl.Allow(ctx, TierPublic, "203.0.113.7")
	assert.False(t, decision.Allowed)
	assert.GreaterOrEqual(t, decision.RetryAfter, int64(1))
	assert.Equal(t, int64(0), decision.Remaining)
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl, _, now := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.True(t, rl.Allow(ctx, TierPublic, "198.51.100.1").Allowed)
	}
	require.False(t, rl.Allow(ctx, TierPublic, "198.51.100.1").Allowed)

	// 30/min refills one token every 2 seconds.
	*now = now.Add(4 * time.Second)
	assert.True(t, rl.Allow(ctx, TierPublic, "198.51.100.1").Allowed)
	assert.True(t, rl.Allow(ctx, TierPublic, "198.51.100.1").Allowed)
	assert.False(t, rl.Allow(ctx, TierPublic, "198.51.100.1").Allowed)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.True(t, rl.Allow(ctx, TierPublic, "first-key").Allowed)
	}
	require.False(t, rl.Allow(ctx, TierPublic, "first-key").Allowed)

	assert.True(t, rl.Allow(ctx, TierPublic, "second-key").Allowed,
		"a different key must have its own bucket")
	assert.True(t, rl.Allow(ctx, TierWebhook, "first-key").Allowed,
		"a different tier must have its own bucket")
}

func TestRateLimiterFailsOpenOnStorageFailure(t *testing.T) {
	rl, mr, _ := setupLimiter(t)
	ctx := context.Background()

	mr.Close()

	decision := rl.Allow(ctx, TierAPI, "org-1")
	assert.True(t, decision.Allowed, "a broken limiter store must not reject traffic")
}

func TestRateLimiterTierPolicies(t *testing.T) {
	assert.Equal(t, 100, tierPolicies[TierAPI].RatePerMin)
	assert.Equal(t, 500, tierPolicies[TierWebhook].RatePerMin)
	assert.Equal(t, 30, tierPolicies[TierPublic].RatePerMin)
}
