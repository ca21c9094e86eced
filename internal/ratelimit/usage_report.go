package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const keyUsageReportUser = "usage:report:user:%s"

// UsageReportLimiter throttles usage-report calls per user so a misbehaving
// chat client cannot flood the metering path.
type UsageReportLimiter struct {
	bucket *TokenBucket

	rate  float64
	burst int
}

func NewUsageReportLimiter(client *redis.Client) *UsageReportLimiter {
	if client == nil {
		return nil
	}
	return &UsageReportLimiter{
		bucket: NewTokenBucket(client),
		rate:   20,
		burst:  60,
	}
}

func (l *UsageReportLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageReportLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyUsageReportUser, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
