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

// Package index builds the scheme vector collection and answers
// nearest-neighbour queries against it.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/embedding"
	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/scheme"
	"github.com/your-org/yojana-ai/internal/vectorstore"
)

var (
	// ErrModelMismatch is returned when the collection was built with a
	// different embedding model than the one used for queries
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrEmptyQuery is returned for a blank search query
	ErrEmptyQuery = errors.New("query is empty")
)

// Options tunes batching during Index
type Options struct {
	BatchSize   int
	Concurrency int
}

// IndexResult describes an Index call
type IndexResult struct {
	Indexed  int           `json:"indexed"`
	Skipped  bool          `json:"skipped"`
	Model    string        `json:"model"`
	Duration time.Duration `json:"duration"`
}

// Service owns the scheme collection. Index calls are serialised; searches
// run concurrently and may observe a collection that is being rebuilt.
type Service struct {
	store    vectorstore.Store
	embedder embedding.Embedder
	logger   *zap.Logger
	opts     Options

	mu          sync.Mutex // serialises Index and collection initialisation
	initialized bool

	modelMu     sync.RWMutex
	storedModel string
	modelKnown  bool
}

// NewService creates an index service
func NewService(store vectorstore.Store, embedder embedding.Embedder, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = embedding.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = embedding.DefaultConcurrency
	}
	return &Service{
		store:    store,
		embedder: embedder,
		logger:   logger,
		opts:     opts,
	}
}

// ensureLocked creates the collection on first use. Callers hold s.mu.
func (s *Service) ensureLocked(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	if err := s.store.Ensure(ctx, s.embedder.Model()); err != nil {
		return fmt.Errorf("failed to initialise collection: %w", err)
	}
	s.initialized = true
	return nil
}

func (s *Service) forgetModel() {
	s.modelMu.Lock()
	s.modelKnown = false
	s.storedModel = ""
	s.modelMu.Unlock()
}

// Index embeds and stores schemes. Without force, a non-empty collection is
// left untouched and no embedding calls are made. With force, the
// collection is dropped first so it ends up holding exactly schemes.
func (s *Service) Index(ctx context.Context, schemes []scheme.Scheme, force bool) (*IndexResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	model := s.embedder.Model()
	result := &IndexResult{Model: model}

	if err := s.ensureLocked(ctx); err != nil {
		metrics.ReindexTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	if !force {
		count, err := s.store.Count(ctx)
		if err != nil {
			metrics.ReindexTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, fmt.Errorf("failed to count collection: %w", err)
		}
		if count > 0 {
			s.logger.Info("Collection already populated, skipping index",
				zap.Int("count", count))
			metrics.IndexedSchemes.Set(float64(count))
			metrics.ReindexTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
			result.Skipped = true
			result.Duration = time.Since(start)
			return result, nil
		}

		// An empty collection created for another model is rebuilt for this one
		stored, err := s.store.EmbeddingModel(ctx)
		if err != nil {
			metrics.ReindexTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, fmt.Errorf("failed to read collection model: %w", err)
		}
		if stored != model {
			force = true
		}
	}

	if force {
		s.logger.Info("Resetting collection", zap.String("model", model))
		if err := s.store.Reset(ctx, model); err != nil {
			metrics.ReindexTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, fmt.Errorf("failed to reset collection: %w", err)
		}
		metrics.IndexedSchemes.Set(0)
	}
	s.forgetModel()

	indexed, err := s.build(ctx, schemes)
	if err != nil {
		metrics.ReindexTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	metrics.IndexedSchemes.Set(float64(indexed))
	metrics.ReindexTotal.WithLabelValues(metrics.OutcomeIndexed).Inc()

	result.Indexed = indexed
	result.Duration = time.Since(start)
	s.logger.Info("Indexing completed",
		zap.Int("indexed", indexed),
		zap.String("model", model),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *Service) build(ctx context.Context, schemes []scheme.Scheme) (int, error) {
	if len(schemes) == 0 {
		return 0, nil
	}

	texts := make([]string, len(schemes))
	for i, sc := range schemes {
		texts[i] = sc.EmbeddingText()
	}

	vectors, err := embedding.EmbedAll(ctx, s.embedder, texts, embedding.BatchOptions{
		BatchSize:   s.opts.BatchSize,
		Concurrency: s.opts.Concurrency,
		Logger:      s.logger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to embed schemes: %w", err)
	}

	records := make([]vectorstore.Record, len(schemes))
	for i, sc := range schemes {
		records[i] = vectorstore.Record{
			ID:        sc.ID,
			Document:  texts[i],
			Embedding: vectors[i],
			Metadata:  sc.Metadata(),
		}
	}

	for start := 0; start < len(records); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(records))
		if err := s.store.Upsert(ctx, records[start:end]); err != nil {
			return start, fmt.Errorf("failed to store schemes %d-%d: %w", start, end-1, err)
		}
	}
	return len(records), nil
}

// checkModel rejects queries when the collection was built with another
// model. An empty collection or an unrecorded model passes.
func (s *Service) checkModel(ctx context.Context) error {
	s.modelMu.RLock()
	stored, known := s.storedModel, s.modelKnown
	s.modelMu.RUnlock()

	if !known {
		var err error
		stored, err = s.store.EmbeddingModel(ctx)
		if err != nil {
			return fmt.Errorf("failed to read collection model: %w", err)
		}
		s.modelMu.Lock()
		s.storedModel, s.modelKnown = stored, true
		s.modelMu.Unlock()
	}

	if stored != "" && stored != s.embedder.Model() {
		return fmt.Errorf("%w: collection built with %q, queries use %q", ErrModelMismatch, stored, s.embedder.Model())
	}
	return nil
}

// Search returns up to topK schemes closest to query, closest first
func (s *Service) Search(ctx context.Context, query string, topK int) ([]scheme.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if err := s.checkModel(ctx); err != nil {
		return nil, err
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := s.store.Query(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]scheme.Result, 0, len(matches))
	for _, m := range matches {
		r := scheme.MetadataToResult(m.Metadata)
		if r.ID == "" {
			r.ID = m.ID
		}
		r.Score = 1 - m.Distance
		results = append(results, r)
	}

	s.logger.Debug("Search completed",
		zap.Int("top_k", topK),
		zap.Int("results", len(results)))
	return results, nil
}

// Stats reports the collection size and model for health checks
func (s *Service) Stats(ctx context.Context) (map[string]interface{}, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	model, err := s.store.EmbeddingModel(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("collection is empty")
	}
	return map[string]interface{}{
		"schemes":         count,
		"embedding_model": model,
		"query_model":     s.embedder.Model(),
	}, nil
}
