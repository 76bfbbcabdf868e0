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

// Command recommend serves the scheme recommendation API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/app"
	"github.com/your-org/yojana-ai/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration first to get logging settings
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := app.NewLogger(cfg.Logging, app.ServiceName)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("environment", masked.Environment),
		zap.String("vector_backend", masked.VectorStore.Backend),
		zap.String("collection_name", masked.VectorStore.CollectionName),
		zap.String("chroma_url", masked.VectorStore.ChromaURL),
		zap.String("embedding_provider", masked.Embedding.Provider),
		zap.String("embedding_model", masked.Embedding.Model),
		zap.String("llm_model", masked.LLM.Model),
		zap.String("openai_endpoint", masked.OpenAI.Endpoint),
		zap.String("openai_api_key", masked.OpenAI.APIKey),
		zap.String("redis_url", masked.RateLimit.RedisURL),
		zap.Bool("auth_enabled", masked.Auth.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger, level); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) error {
	a, err := app.New(ctx, cfg, logger, level)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close dependencies", zap.Error(err))
		}
	}()

	if cfg.Corpus.IndexOnStartup {
		res, err := a.Reindex(ctx, false)
		if err != nil {
			return fmt.Errorf("startup indexing failed: %w", err)
		}
		logger.Info("Startup indexing finished",
			zap.Int("indexed", res.Indexed),
			zap.Bool("skipped", res.Skipped),
			zap.String("model", res.Model),
			zap.Duration("duration", res.Duration))
	}

	if err := config.WatchConfig(configPath, logger, a.ApplyConfig); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	if level.Level() <= zap.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router, err := a.Router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting recommendation service",
			zap.String("addr", srv.Addr),
			zap.String("version", app.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
