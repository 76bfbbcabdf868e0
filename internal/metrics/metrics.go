// Package metrics holds the Prometheus collectors shared across the service
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yojana_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method", "status"},
	)

	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yojana_recommendations_total",
			Help: "Recommendation requests by outcome",
		},
		[]string{"outcome"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yojana_llm_call_duration_seconds",
			Help:    "Duration of LLM calls per stage",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		},
		[]string{"stage", "status"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yojana_embedding_requests_total",
			Help: "Embedding API requests by provider and status",
		},
		[]string{"provider", "status"},
	)

	IndexedSchemes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yojana_indexed_schemes",
			Help: "Number of schemes in the vector collection",
		},
	)

	ReindexTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yojana_reindex_total",
			Help: "Index builds by outcome",
		},
		[]string{"outcome"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yojana_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yojana_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Outcome labels
const (
	OutcomeRecommended = "recommended"
	OutcomeFollowup    = "followup"
	OutcomeNoResults   = "no_results"
	OutcomeError       = "error"
	OutcomeSkipped     = "skipped"
	OutcomeIndexed     = "indexed"
)

// ObserveLLM records an LLM call for a stage
func ObserveLLM(stage string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMCallDuration.WithLabelValues(stage, status).Observe(time.Since(start).Seconds())
}

// Middleware records request durations under the matched route pattern
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(route, c.Request.Method, statusClass(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the Prometheus exposition
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
