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

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState values are exported as the circuit breaker gauge
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitBreakerOpen is returned without calling the wrapped function
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker. Zero values fall back
// to DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	// HalfOpenMaxRequests probes must all succeed before the circuit closes
	HalfOpenMaxRequests int
	IsFailureFunc       func(error) bool
	OnStateChange       func(name string, from, to CircuitState)
	Clock               func() time.Time
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures and
// probes again after a minute
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		MaxFailures:         5,
		ResetTimeout:        time.Minute,
		HalfOpenMaxRequests: 1,
	}
}

// isFailure ignores caller cancellation
func isFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// BreakerSnapshot is a point-in-time view for health checks
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"-"`
	StateName   string       `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	Rejected    int64        `json:"rejected"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
	Since       time.Time    `json:"since"`
}

// CircuitBreaker guards the LLM: after MaxFailures consecutive failures
// calls fail fast with ErrCircuitBreakerOpen until ResetTimeout has passed.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       CircuitState
	since       time.Time
	failures    int
	probes      int
	probesOK    int
	rejected    int64
	lastFailure time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.IsFailureFunc == nil {
		cfg.IsFailureFunc = isFailure
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &CircuitBreaker{cfg: cfg, logger: logger, state: CircuitClosed, since: cfg.Clock()}
}

// Execute calls fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.admit() {
		return ErrCircuitBreakerOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.cfg.Clock().Sub(cb.since) < cb.cfg.ResetTimeout {
			cb.rejected++
			return false
		}
		cb.transition(CircuitHalfOpen)
	}
	if cb.state == CircuitHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return false
		}
		cb.probes++
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.IsFailureFunc(err) {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.probesOK++
			if cb.probesOK >= cb.cfg.HalfOpenMaxRequests {
				cb.transition(CircuitClosed)
			}
		}
		return
	}

	cb.failures++
	cb.lastFailure = cb.cfg.Clock()
	cb.logger.Debug("Circuit breaker recorded failure",
		zap.String("name", cb.cfg.Name),
		zap.Int("consecutive_failures", cb.failures),
		zap.Error(err))

	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.transition(CircuitOpen)
	}
}

// transition requires mu
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.since = cb.cfg.Clock()
	cb.probes, cb.probesOK = 0, 0
	if to == CircuitClosed {
		cb.failures = 0
	}

	log := cb.logger.Info
	if to == CircuitOpen {
		log = cb.logger.Warn
	}
	log("Circuit breaker state changed",
		zap.String("name", cb.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to))

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// Snapshot reports the current state. An open circuit whose reset timeout
// has elapsed is still reported open until the next call probes it.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:        cb.cfg.Name,
		State:       cb.state,
		StateName:   cb.state.String(),
		Failures:    cb.failures,
		Rejected:    cb.rejected,
		LastFailure: cb.lastFailure,
		Since:       cb.since,
	}
}
