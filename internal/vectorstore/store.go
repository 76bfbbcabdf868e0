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

// Package vectorstore defines the persistent scheme collection and its
// on-disk SQLite implementation.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when a query vector does not match the
// stored vectors
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Record is one document to persist
type Record struct {
	ID        string
	Document  string
	Embedding []float32
	// Metadata values must be primitives: string, float64 or bool
	Metadata map[string]any
}

// Match is one query hit; lower Distance is closer
type Match struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// Store is a named collection of embedded documents
type Store interface {
	// Ensure creates the collection if missing. The model is recorded only
	// on creation; an existing collection keeps its model.
	Ensure(ctx context.Context, model string) error
	// Reset drops the collection and recreates it empty for model
	Reset(ctx context.Context, model string) error
	Count(ctx context.Context) (int, error)
	Upsert(ctx context.Context, records []Record) error
	// Query returns at most topK matches ordered closest first
	Query(ctx context.Context, embedding []float32, topK int) ([]Match, error)
	// EmbeddingModel returns the model recorded for the collection, or ""
	EmbeddingModel(ctx context.Context) (string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// CosineDistance returns 1 - cosine similarity. Zero vectors are at
// distance 1 from everything.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(aMag)*math.Sqrt(bMag)), nil
}
