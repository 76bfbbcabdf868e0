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

package index

import (
	"context"
	"errors"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/yojana-ai/internal/scheme"
	"github.com/your-org/yojana-ai/internal/vectorstore"
)

const bowDims = 512

// bowEmbedder is a bag-of-words hashing embedder that counts API calls
type bowEmbedder struct {
	model      string
	textCalls  atomic.Int32
	queryCalls atomic.Int32
}

func (e *bowEmbedder) vector(text string) []float32 {
	v := make([]float32, bowDims)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(tok) < 3 {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%bowDims]++
	}
	return v
}

func (e *bowEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.textCalls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *bowEmbedder) EmbedQuery(ctx context.Context, q string) ([]float32, error) {
	e.queryCalls.Add(1)
	return e.vector(q), nil
}

func (e *bowEmbedder) Model() string { return e.model }

func newStore(t *testing.T, path string) *vectorstore.SQLiteStore {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "schemes.db")
	}
	store, err := vectorstore.NewSQLiteStore(path, "schemes", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func corpus() []scheme.Scheme {
	mk := func(id, name, desc, category string) scheme.Scheme {
		return scheme.Scheme{ID: id, Name: name, Description: desc, Category: scheme.NewText(category)}
	}
	return []scheme.Scheme{
		mk("dairy-entrepreneurship", "Dairy Entrepreneurship Development Scheme",
			"Bank loan with capital subsidy to set up a dairy farm unit with milch cattle in Gujarat", "Agriculture"),
		mk("ignoaps", "Indira Gandhi National Old Age Pension", "Monthly pension to elderly citizens below poverty line", "Social welfare"),
		mk("post-matric", "Post Matric Scholarship", "Scholarship covering tuition fees of students from scheduled castes", "Education"),
		mk("pmay-g", "Pradhan Mantri Awas Yojana Gramin", "Assistance to construct pucca houses with basic amenities", "Housing"),
		mk("janani", "Janani Suraksha Yojana", "Cash assistance to pregnant women delivering at government hospitals", "Health"),
		mk("ujjwala", "Pradhan Mantri Ujjwala Yojana", "Free LPG connections to women from poor households", "Energy"),
		mk("stand-up", "Stand Up India", "Credit support to women and scheduled caste entrepreneurs starting greenfield enterprises", "Business"),
		mk("pmsby", "Pradhan Mantri Suraksha Bima Yojana", "Accident insurance cover with low annual premium", "Insurance"),
		mk("nsp-disability", "Scholarship for Students with Disabilities", "Maintenance allowance and book grant for disabled learners", "Education"),
		mk("skill-india", "Pradhan Mantri Kaushal Vikas Yojana", "Short term skill training and certification for youth", "Skills"),
	}
}

func TestIndexAndSearchEndToEnd(t *testing.T) {
	ctx := context.Background()
	embedder := &bowEmbedder{model: "bow-v1"}
	svc := NewService(newStore(t, ""), embedder, zaptest.NewLogger(t), Options{BatchSize: 4, Concurrency: 2})

	res, err := svc.Index(ctx, corpus(), false)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Indexed)
	assert.False(t, res.Skipped)
	assert.Equal(t, "bow-v1", res.Model)
	assert.Equal(t, int32(3), embedder.textCalls.Load(), "10 texts in batches of 4")

	results, err := svc.Search(ctx, "I need a loan for my dairy farm in Gujarat", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 10)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	assert.Contains(t, ids, "dairy-entrepreneurship")
	assert.Equal(t, "dairy-entrepreneurship", results[0].ID)
	assert.Equal(t, "Dairy Entrepreneurship Development Scheme", results[0].Name)
	assert.Equal(t, "Agriculture", results[0].Category)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "results must be ordered closest first")
	}

	top3, err := svc.Search(ctx, "scholarship for students", 3)
	require.NoError(t, err)
	assert.Len(t, top3, 3)
}

func TestIndexIsIdempotentWithoutForce(t *testing.T) {
	ctx := context.Background()
	embedder := &bowEmbedder{model: "bow-v1"}
	svc := NewService(newStore(t, ""), embedder, nil, Options{BatchSize: 64})

	_, err := svc.Index(ctx, corpus(), false)
	require.NoError(t, err)
	calls := embedder.textCalls.Load()

	res, err := svc.Index(ctx, corpus(), false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Indexed)
	assert.Equal(t, calls, embedder.textCalls.Load(), "skip must not call the embedding provider")
}

func TestForcedIndexIsDestructive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "")
	svc := NewService(store, &bowEmbedder{model: "bow-v1"}, nil, Options{})

	_, err := svc.Index(ctx, corpus(), false)
	require.NoError(t, err)

	replacement := corpus()[:2]
	replacement[1].ID = "brand-new"
	res, err := svc.Index(ctx, replacement, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	matches, err := store.Query(ctx, make([]float32, bowDims), 25)
	require.NoError(t, err)
	ids := []string{}
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"dairy-entrepreneurship", "brand-new"}, ids)
}

func TestSearchRejectsModelMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schemes.db")

	built := NewService(newStore(t, path), &bowEmbedder{model: "bow-v1"}, nil, Options{})
	_, err := built.Index(ctx, corpus(), false)
	require.NoError(t, err)

	queryEmbedder := &bowEmbedder{model: "bow-v2"}
	other := NewService(newStore(t, path), queryEmbedder, nil, Options{})
	_, err = other.Search(ctx, "dairy loan", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelMismatch))
	assert.Zero(t, queryEmbedder.queryCalls.Load())

	// A forced rebuild with the new model clears the mismatch
	_, err = other.Index(ctx, corpus(), true)
	require.NoError(t, err)
	_, err = other.Search(ctx, "dairy loan", 5)
	assert.NoError(t, err)
}

func TestIndexRebuildsEmptyCollectionForNewModel(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "")
	require.NoError(t, store.Ensure(ctx, "old-model"))

	svc := NewService(store, &bowEmbedder{model: "bow-v1"}, nil, Options{})
	_, err := svc.Index(ctx, corpus(), false)
	require.NoError(t, err)

	model, err := store.EmbeddingModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bow-v1", model)
}

func TestSearchEmptyQuery(t *testing.T) {
	svc := NewService(newStore(t, ""), &bowEmbedder{model: "m"}, nil, Options{})
	_, err := svc.Search(context.Background(), "  ", 5)
	assert.True(t, errors.Is(err, ErrEmptyQuery))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newStore(t, ""), &bowEmbedder{model: "bow-v1"}, nil, Options{})

	_, err := svc.Stats(ctx)
	assert.Error(t, err, "empty collection is reported")

	_, err = svc.Index(ctx, corpus(), false)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats["schemes"])
	assert.Equal(t, "bow-v1", stats["embedding_model"])
}
