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

// Package embedding turns scheme text into vectors. Providers share the
// Embedder interface so the indexer does not care which API is behind it.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of texts sent per embedding request
	DefaultBatchSize = 64
	// DefaultConcurrency bounds the number of in-flight batch requests
	DefaultConcurrency = 4
)

// Embedder produces embeddings for documents and queries
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	// Model identifies the embedding model; collections record it so a
	// query is never compared against vectors from another model.
	Model() string
}

// BatchOptions controls EmbedAll
type BatchOptions struct {
	BatchSize   int
	Concurrency int
	Logger      *zap.Logger
}

// EmbedAll embeds texts in batches with bounded concurrency. The result is
// index-aligned with texts. The first failing batch cancels the rest.
func EmbedAll(ctx context.Context, e Embedder, texts []string, opts BatchOptions) ([][]float32, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	batches := (len(texts) + opts.BatchSize - 1) / opts.BatchSize
	for b := 0; b < batches; b++ {
		start := b * opts.BatchSize
		end := min(start+opts.BatchSize, len(texts))

		g.Go(func() error {
			vectors, err := e.EmbedTexts(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
			}
			if len(vectors) != end-start {
				return fmt.Errorf("batch %d/%d: got %d vectors for %d texts", b+1, batches, len(vectors), end-start)
			}
			// Batches write disjoint ranges of out
			copy(out[start:end], vectors)
			logger.Debug("Embedded batch",
				zap.Int("batch", b+1),
				zap.Int("batches", batches),
				zap.Int("size", end-start))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
