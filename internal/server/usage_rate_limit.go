package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/observability/logger"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	"go.uber.org/zap"
)

type usageReportRateLimitKey struct {
	UserID string `json:"user_id"`
}

// UsageReportRateLimit throttles usage reports per user. Without redis the
// limiter is nil and the middleware is a passthrough.
func (s *Server) UsageReportRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.usageLimiter == nil || !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		userID, err := readUsageReportKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("usage report rate limit read body failed", zap.Error(err))
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		if userID == "" {
			// Body validation rejects the request downstream.
			c.Next()
			return
		}

		result, err := s.usageLimiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("usage report rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyUsageReport(c, endpoint, result.RetryAfter.Seconds(), s.obsMetrics)
			return
		}

		c.Next()
	}
}

func denyUsageReport(c *gin.Context, endpoint string, retryAfterSeconds float64, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("usage report rate limit exceeded",
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, "user-rate", metrics)

	retryAfter := int(retryAfterSeconds)
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func readUsageReportKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload usageReportRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.UserID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
