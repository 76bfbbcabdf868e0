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

// Package health aggregates dependency checks into the /health response
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the state of one dependency or of the whole service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"

	DefaultTimeout = 5 * time.Second
)

// rank orders statuses from best to worst
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Status    Status                 `json:"status"`
	Latency   string                 `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Optional  bool                   `json:"optional,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Response is the /health body
type Response struct {
	Status       Status                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Environment  string                 `json:"environment"`
	Uptime       string                 `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) CheckResult

func (f CheckerFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

type registration struct {
	name     string
	checker  Checker
	optional bool
}

// Manager runs the registered checks
type Manager struct {
	service     string
	version     string
	environment string
	started     time.Time
	timeout     time.Duration
	logger      *zap.Logger

	mu     sync.RWMutex
	checks []registration
}

func NewManager(service, version, environment string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if environment == "" {
		environment = "unknown"
	}
	return &Manager{
		service:     service,
		version:     version,
		environment: environment,
		started:     time.Now(),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout bounds a whole Check run
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// AddChecker registers a required dependency. Re-registering a name
// replaces the earlier checker.
func (m *Manager) AddChecker(name string, checker Checker) {
	m.register(registration{name: name, checker: checker})
}

// AddOptionalChecker registers a dependency the service can run without.
// Its failures degrade the service but never make it unhealthy.
func (m *Manager) AddOptionalChecker(name string, checker Checker) {
	m.register(registration{name: name, checker: checker, optional: true})
}

func (m *Manager) AddCheckerFunc(name string, fn func(ctx context.Context) CheckResult) {
	m.AddChecker(name, CheckerFunc(fn))
}

func (m *Manager) register(r registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.checks {
		if m.checks[i].name == r.name {
			m.checks[i] = r
			return
		}
	}
	m.checks = append(m.checks, r)
	sort.Slice(m.checks, func(i, j int) bool { return m.checks[i].name < m.checks[j].name })
}

// Check runs every check concurrently. The service takes the worst
// dependency status, with optional dependencies capped at degraded.
func (m *Manager) Check(ctx context.Context) Response {
	m.mu.RLock()
	checks := append([]registration(nil), m.checks...)
	timeout := m.timeout
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, r := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := r.checker.Check(ctx)
			res.Latency = time.Since(start).String()
			res.Timestamp = time.Now().UTC()
			if r.optional {
				res.Optional = true
				if res.Status == StatusUnhealthy {
					res.Status = StatusDegraded
				}
			}
			results[i] = res
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	deps := make(map[string]CheckResult, len(checks))
	for i, r := range checks {
		deps[r.name] = results[i]
		if results[i].Status.rank() > overall.rank() {
			overall = results[i].Status
		}
		if results[i].Status != StatusHealthy {
			m.logger.Warn("Dependency check failed",
				zap.String("dependency", r.name),
				zap.String("status", string(results[i].Status)),
				zap.String("error", results[i].Error))
		}
	}

	return Response{
		Status:       overall,
		Service:      m.service,
		Version:      m.version,
		Environment:  m.environment,
		Uptime:       time.Since(m.started).Round(time.Second).String(),
		Dependencies: deps,
		Metadata: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// HTTPHandler serves Check as JSON. Degraded answers 200, unhealthy 503.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		res := m.Check(r.Context())
		code := http.StatusOK
		if res.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		if err := json.NewEncoder(w).Encode(res); err != nil {
			m.logger.Error("Failed to write health check response", zap.Error(err))
		}
	}
}

// DependencyChecker wraps a ping. A ping that runs out of time reports
// degraded; any other error reports unhealthy.
func DependencyChecker(name string, ping func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		err := ping(ctx)
		switch {
		case err == nil:
			return CheckResult{Status: StatusHealthy, Metadata: map[string]interface{}{"dependency": name}}
		case errors.Is(err, context.DeadlineExceeded):
			return CheckResult{Status: StatusDegraded, Error: fmt.Sprintf("%s check timed out: %v", name, err)}
		}
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("%s check failed: %v", name, err)}
	})
}

// StatsChecker reports the metadata returned by stats, or failureStatus
// when stats errors
func StatsChecker(failureStatus Status, stats func(ctx context.Context) (map[string]interface{}, error)) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		md, err := stats(ctx)
		if err != nil {
			return CheckResult{Status: failureStatus, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Metadata: md}
	})
}
