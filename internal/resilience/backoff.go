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

// Package resilience holds the retry, circuit breaking and error mapping
// shared by the embedding, LLM, vector store and corpus fetch clients.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 3
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second

	jitterFraction = 0.1
)

// BackoffConfig controls WithExponentialBackoff. MaxRetries counts retries,
// so a value of 3 allows four attempts in total.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxRetries  int
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	RetryOnFunc func(error) bool
}

// DefaultBackoffConfig waits 1s, 2s and 4s between attempts, +/-10%
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   time.Second,
		MaxRetries:  DefaultMaxRetries,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      true,
		RetryOnFunc: DefaultRetryOnFunc,
	}
}

// Delay is the wait before retry number attempt+1
func (c BackoffConfig) Delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(mult, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		delay += time.Duration(float64(delay) * jitterFraction * (2*rand.Float64() - 1))
	}
	return delay
}

// Retryable lets an error veto or allow a retry, e.g. an HTTP 400 from
// the embedding API is permanent while a 429 is not
type Retryable interface {
	Retryable() bool
}

// DefaultRetryOnFunc retries anything that is not a context error and
// does not declare itself permanent
func DefaultRetryOnFunc(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// RetryFunc is one attempt of a retried operation
type RetryFunc func(ctx context.Context) error

// WithExponentialBackoff runs fn until it succeeds, fails permanently, ctx
// ends, or the retry budget is spent. The last error is wrapped on exhaustion.
func WithExponentialBackoff(ctx context.Context, logger *zap.Logger, cfg BackoffConfig, fn RetryFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryOn := cfg.RetryOnFunc
	if retryOn == nil {
		retryOn = DefaultRetryOnFunc
	}

	attempts := cfg.MaxRetries + 1
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !retryOn(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Debug("Retrying after delay",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	logger.Warn("Giving up after retries", zap.Error(err), zap.Int("attempts", attempts))
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
