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

// Package app wires configuration into the running services shared by the
// HTTP server and the ingest CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/auth"
	"github.com/your-org/yojana-ai/internal/chroma"
	"github.com/your-org/yojana-ai/internal/config"
	"github.com/your-org/yojana-ai/internal/conversation"
	"github.com/your-org/yojana-ai/internal/embedding"
	"github.com/your-org/yojana-ai/internal/health"
	"github.com/your-org/yojana-ai/internal/index"
	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/myscheme"
	"github.com/your-org/yojana-ai/internal/openai"
	"github.com/your-org/yojana-ai/internal/ratelimit"
	"github.com/your-org/yojana-ai/internal/resilience"
	"github.com/your-org/yojana-ai/internal/scheme"
	"github.com/your-org/yojana-ai/internal/vectorstore"
)

const (
	// ServiceName labels logs and the health response
	ServiceName = "yojana-recommend"
	// DefaultRetryAttempts bounds ChromaDB retries
	DefaultRetryAttempts = 3
	// HealthCheckTimeout bounds each dependency check
	HealthCheckTimeout = 5 * time.Second
)

// App holds the initialised dependencies
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Level  zap.AtomicLevel

	LLM          *openai.Client
	Embedder     embedding.Embedder
	Store        vectorstore.Store
	Index        *index.Service
	Breaker      *resilience.CircuitBreaker
	Orchestrator *conversation.Orchestrator
	Limiter      *ratelimit.Limiter
	Verifier     *auth.Verifier
	Health       *health.Manager
}

// NewVectorStore opens the configured collection backend
func NewVectorStore(cfg *config.Config, logger *zap.Logger) (vectorstore.Store, error) {
	vs := cfg.VectorStore
	switch vs.Backend {
	case "sqlite":
		return vectorstore.NewSQLiteStore(vs.SQLitePath, vs.CollectionName, logger)
	case "chroma":
		return chroma.NewClientWithOptions(vs.ChromaURL, vs.CollectionName, logger, DefaultRetryAttempts, time.Second), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vs.Backend)
	}
}

// NewLLMClient creates the OpenAI client used for completions and, with
// the openai provider, for embeddings
func NewLLMClient(cfg *config.Config, logger *zap.Logger) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithChatModel(cfg.LLM.Model),
		openai.WithCompletionDefaults(cfg.LLM.MaxTokens, float32(cfg.LLM.Temperature)),
		openai.WithJSONResponses(true),
	}
	if cfg.OpenAI.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.Endpoint))
	}
	if cfg.Embedding.Provider == "openai" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.Embedding.Model), openai.WithDimensions(cfg.Embedding.Dimensions))
	}
	return openai.NewClient(cfg.OpenAI.APIKey, logger, opts...)
}

// NewEmbedder selects the embedding provider
func NewEmbedder(ctx context.Context, cfg *config.Config, llm *openai.Client, logger *zap.Logger) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		if llm == nil {
			return nil, errors.New("openai embedder needs an OpenAI client")
		}
		return embedding.NewOpenAIEmbedder(llm), nil
	case "genai":
		return embedding.NewGenAIEmbedder(ctx, embedding.GenAIConfig{
			APIKey:     cfg.Embedding.GeminiAPIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// NewLimiter returns a Redis-backed limiter when a URL is configured and
// an in-process one otherwise
func NewLimiter(cfg config.RateLimitConfig, logger *zap.Logger) (*ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		logger.Info("Using in-memory rate limiter")
		return ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logger), nil
	}
	store, err := ratelimit.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewLimiter(store, logger), nil
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *zap.Logger) *resilience.CircuitBreaker {
	bc := resilience.DefaultCircuitBreakerConfig("llm")
	if cfg.MaxFailures > 0 {
		bc.MaxFailures = cfg.MaxFailures
	}
	if cfg.ResetTimeout > 0 {
		bc.ResetTimeout = cfg.ResetTimeout
	}
	bc.OnStateChange = func(name string, _, to resilience.CircuitState) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	metrics.CircuitBreakerState.WithLabelValues(bc.Name).Set(float64(resilience.CircuitClosed))
	return resilience.NewCircuitBreaker(bc, logger)
}

// New initialises every dependency described by cfg
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing service dependencies")

	a := &App{Config: cfg, Logger: logger, Level: level}

	llm, err := NewLLMClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	a.LLM = llm

	a.Embedder, err = NewEmbedder(ctx, cfg, llm, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	a.Store, err = NewVectorStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	a.Index = index.NewService(a.Store, a.Embedder, logger, index.Options{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
	})
	a.Breaker = newBreaker(cfg.LLM.CircuitBreaker, logger)
	a.Orchestrator = conversation.NewOrchestrator(a.Index, llm, a.Breaker, conversation.Config{
		TopK:              cfg.Recommend.TopK,
		FollowupThreshold: cfg.Recommend.FollowupThreshold,
		PreviewSize:       cfg.Recommend.PreviewSize,
		MaxPromptTokens:   cfg.Recommend.MaxPromptTokens,
		RequestTimeout:    cfg.Recommend.RequestTimeout,
	}, logger)

	if cfg.RateLimit.Enabled {
		a.Limiter, err = NewLimiter(cfg.RateLimit, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
	}

	if cfg.Auth.Enabled {
		a.Verifier, err = auth.NewVerifier(cfg.Auth.ProjectID, logger, auth.WithCertsURL(cfg.Auth.CertsURL))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
		}
	}

	a.Health = health.NewManager(ServiceName, Version, cfg.Environment, logger)
	a.setupHealthChecks()

	logger.Info("Service dependencies initialized successfully",
		zap.String("vectorstore", cfg.VectorStore.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("embedding_model", a.Embedder.Model()),
		zap.Bool("auth", a.Verifier != nil),
		zap.Bool("ratelimit", a.Limiter != nil))
	return a, nil
}

// Version is overridden at build time with -ldflags
var Version = "dev"

func (a *App) setupHealthChecks() {
	a.Health.AddChecker("vectorstore", health.DependencyChecker(a.Config.VectorStore.Backend, a.Store.HealthCheck))
	a.Health.AddChecker("index", health.StatsChecker(health.StatusDegraded, a.Index.Stats))
	a.Health.AddCheckerFunc("llm_circuit", func(ctx context.Context) health.CheckResult {
		snap := a.Breaker.Snapshot()
		status := health.StatusHealthy
		if snap.State != resilience.CircuitClosed {
			status = health.StatusDegraded
		}
		return health.CheckResult{
			Status: status,
			Metadata: map[string]interface{}{
				"state":    snap.StateName,
				"failures": snap.Failures,
				"rejected": snap.Rejected,
			},
		}
	})
	if a.Limiter != nil {
		a.Health.AddOptionalChecker("ratelimit", health.DependencyChecker("ratelimit", a.Limiter.Ping))
	}
	a.Health.SetTimeout(HealthCheckTimeout)
}

// LoadSchemes reads the configured corpus in id order
func (a *App) LoadSchemes() ([]scheme.Scheme, error) {
	schemes, err := scheme.Load(a.Config.Corpus.Path, a.Logger)
	if err != nil {
		return nil, err
	}
	return scheme.Sorted(schemes), nil
}

// Reindex loads the corpus and indexes it
func (a *App) Reindex(ctx context.Context, force bool) (*index.IndexResult, error) {
	schemes, err := a.LoadSchemes()
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	return a.Index.Index(ctx, schemes, force)
}

// NewFetcher builds a corpus fetcher without the rest of the app
func NewFetcher(cfg *config.Config, logger *zap.Logger) *myscheme.Fetcher {
	ms := cfg.MyScheme
	return myscheme.NewFetcher(myscheme.Config{
		SearchURL:   ms.SearchURL,
		DetailsURL:  ms.DetailsURL,
		APIKey:      ms.APIKey,
		PageSize:    ms.PageSize,
		BatchSize:   ms.BatchSize,
		Concurrency: ms.Concurrency,
		BatchDelay:  ms.BatchDelay,
		OutputDir:   ms.OutputDir,
	}, nil, logger)
}

// Router builds the HTTP engine with every route and middleware attached
func (a *App) Router() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(a.Logger))

	opts := conversation.RouteOptions{
		CORSOrigins: a.Config.Server.CORSOrigins,
		Health:      a.Health.HTTPHandler(),
	}
	if a.Verifier != nil {
		opts.Auth = auth.Middleware(a.Verifier, a.Logger)
		opts.Admin = auth.RequireAdmin(a.Config.Auth.AdminUIDs, a.Logger)
	}
	if a.Limiter != nil {
		recommendQuotas, err := ratelimit.ParseQuotas(a.Config.RateLimit.Recommend)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.recommend: %w", err)
		}
		reindexQuotas, err := ratelimit.ParseQuotas(a.Config.RateLimit.Reindex)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.reindex: %w", err)
		}
		opts.RecommendLimit = a.Limiter.Middleware("recommend", recommendQuotas)
		opts.ReindexLimit = a.Limiter.Middleware("reindex", reindexQuotas)
	}

	reindex := func(ctx context.Context) (*index.IndexResult, error) {
		return a.Reindex(ctx, true)
	}
	conversation.NewAPIHandler(a.Orchestrator, reindex, a.Logger).RegisterRoutes(router, opts)
	return router, nil
}

// ApplyConfig takes the parts of a reloaded config that are safe to
// change while running
func (a *App) ApplyConfig(cfg *config.Config) {
	newLevel := ParseLevel(cfg.Logging.Level)
	if a.Level.Level() != newLevel {
		a.Logger.Info("Changing log level",
			zap.String("from", a.Level.Level().String()),
			zap.String("to", newLevel.String()))
		a.Level.SetLevel(newLevel)
	}
}

// Close releases the vector store and limiter
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Limiter != nil {
		errs = append(errs, a.Limiter.Close())
	}
	return errors.Join(errs...)
}
