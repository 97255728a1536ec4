package gateway

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/revback/core/pkg/cache"
)

// Tier selects a rate-limit policy: api keyed by org, webhook keyed by org
// slug, public keyed by client IP.
type Tier string

const (
	TierAPI     Tier = "api"
	TierWebhook Tier = "webhook"
	TierPublic  Tier = "public"
)

type tierPolicy struct {
	// RatePerMin is the steady refill rate; the bucket capacity equals it,
	// so a cold key can burst one full minute's allowance on top of the
	// steady rate.
	RatePerMin int
}

var tierPolicies = map[Tier]tierPolicy{
	TierAPI:     {RatePerMin: 100},
	TierWebhook: {RatePerMin: 500},
	TierPublic:  {RatePerMin: 30},
}

// Decision is the outcome of one token-bucket consume attempt.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter int64
}

// RateLimiter is a Redis-backed token bucket per (tier, key). Storage
// failures fail open: a broken limiter must not take the API down with it.
type RateLimiter struct {
	cache  *cache.Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter constructs the limiter.
func NewRateLimiter(c *cache.Cache, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{cache: c, logger: logger, now: time.Now}
}

// Allow attempts to consume one token for the key under the tier's policy.
func (rl *RateLimiter) Allow(ctx context.Context, tier Tier, key string) Decision {
	policy, ok := tierPolicies[tier]
	if !ok {
		policy = tierPolicies[TierPublic]
	}

	bucketKey := fmt.Sprintf("ratelimit:%s:%s", tier, key)
	capacity := float64(policy.RatePerMin)
	refillPerMs := capacity / 60000.0
	nowMs := rl.now().UnixMilli()

	fields, err := rl.cache.HGetAll(ctx, bucketKey)
	if err != nil {
		rl.logger.Warn("rate limiter storage failure, failing open",
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: int64(capacity)}
	}

	tokens := capacity
	if raw, ok := fields["tokens"]; ok {
		if last, lerr := strconv.ParseInt(fields["updated_ms"], 10, 64); lerr == nil {
			if stored, terr := strconv.ParseFloat(raw, 64); terr == nil {
				elapsed := float64(nowMs - last)
				if elapsed < 0 {
					elapsed = 0
				}
				tokens = math.Min(capacity, stored+elapsed*refillPerMs)
			}
		}
	}

	if tokens < 1 {
		retryMs := (1 - tokens) / refillPerMs
		retryAfter := int64(math.Ceil(retryMs / 1000))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	tokens--
	if err := rl.cache.HSet(ctx, bucketKey, map[string]interface{}{
		"tokens":     strconv.FormatFloat(tokens, 'f', 6, 64),
		"updated_ms": nowMs,
	}); err != nil {
		rl.logger.Warn("rate limiter write failure, failing open",
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: int64(tokens)}
	}
	_ = rl.cache.Expire(ctx, bucketKey, 10*time.Minute)

	return Decision{Allowed: true, Remaining: int64(tokens)}
}
