// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/auth"
	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/resilience"
)

const keyPrefix = "yojana:ratelimit:"

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Quota is the exhausted quota when Allowed is false
	Quota Quota
}

// Limiter applies fixed-window quotas. Windows are aligned to the epoch,
// so every replica agrees on where a window starts.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over store
func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Allow records a hit for identity on route against every quota
func (l *Limiter) Allow(ctx context.Context, route, identity string, quotas []Quota) (Decision, error) {
	now := l.now()
	decision := Decision{Allowed: true}

	for _, q := range quotas {
		window := now.Truncate(q.Window)
		remaining := window.Add(q.Window).Sub(now)
		key := fmt.Sprintf("%s%s:%s:%d:%d", keyPrefix, route, identity, int64(q.Window.Seconds()), window.Unix())

		count, err := l.store.Increment(ctx, key, remaining)
		if err != nil {
			return Decision{Allowed: true}, err
		}
		if count > int64(q.Limit) && (decision.Allowed || remaining > decision.RetryAfter) {
			decision = Decision{Allowed: false, RetryAfter: remaining, Quota: q}
		}
	}
	return decision, nil
}

// Ping checks the backing store
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// Close closes the backing store
func (l *Limiter) Close() error {
	return l.store.Close()
}

// Identity keys a request by verified uid, falling back to client IP
func Identity(c *gin.Context) string {
	if uid := auth.UID(c); uid != "" {
		return "uid:" + uid
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over quota with 429 and Retry-After. Store
// failures let the request through.
func (l *Limiter) Middleware(route string, quotas []Quota) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := Identity(c)
		decision, err := l.Allow(c.Request.Context(), route, identity, quotas)
		if err != nil {
			l.logger.Warn("Rate limiter unavailable, allowing request",
				zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}

		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			l.logger.Info("Rate limit exceeded",
				zap.String("route", route),
				zap.String("identity", identity),
				zap.String("quota", decision.Quota.String()),
				zap.Int("retry_after_seconds", retryAfter))
			metrics.RateLimited.WithLabelValues(route).Inc()

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			serviceErr := resilience.NewTooManyRequestsError(
				fmt.Sprintf("Rate limit exceeded: %d per %s. Please try again later.", decision.Quota.Limit, windowName(decision.Quota.Window)), nil)
			resilience.AbortWithError(c, serviceErr)
			return
		}
		c.Next()
	}
}

func windowName(d time.Duration) string {
	for name, unit := range units {
		if d == unit {
			return name
		}
	}
	return d.String()
}
