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

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/yojana-ai/internal/openai"
)

// lengthEmbedder encodes each text as [len(text)] and records batch sizes
type lengthEmbedder struct {
	mu       sync.Mutex
	batches  []int
	inflight atomic.Int32
	peak     atomic.Int32
	failOn   string
}

func (e *lengthEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	e.mu.Lock()
	e.batches = append(e.batches, len(texts))
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && t == e.failOn {
			return nil, errors.New("upstream rejected batch")
		}
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (e *lengthEmbedder) EmbedQuery(ctx context.Context, q string) ([]float32, error) {
	return []float32{float32(len(q))}, nil
}

func (e *lengthEmbedder) Model() string { return "length" }

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strings.Repeat("x", i+1)
	}
	return out
}

func TestEmbedAllPreservesOrder(t *testing.T) {
	e := &lengthEmbedder{}
	input := texts(150)

	vectors, err := EmbedAll(context.Background(), e, input, BatchOptions{BatchSize: 64, Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, vectors, 150)
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of place", i)
	}

	assert.ElementsMatch(t, []int{64, 64, 22}, e.batches)
	assert.LessOrEqual(t, e.peak.Load(), int32(2))
}

func TestEmbedAllEmpty(t *testing.T) {
	e := &lengthEmbedder{}
	vectors, err := EmbedAll(context.Background(), e, nil, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, e.batches)
}

func TestEmbedAllFailure(t *testing.T) {
	input := texts(10)
	e := &lengthEmbedder{failOn: input[7]}

	_, err := EmbedAll(context.Background(), e, input, BatchOptions{BatchSize: 4, Concurrency: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2/3")
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]string, len(req.Input))
		for i := range req.Input {
			data[i] = fmt.Sprintf(`{"object":"embedding","embedding":[%d,0.5,0.25],"index":%d}`, i, i)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","data":[%s],"model":"text-embedding-3-small","usage":{"prompt_tokens":3,"total_tokens":3}}`,
			strings.Join(data, ","))
	}))
	defer server.Close()

	client, err := openai.NewClient("sk-test", nil, openai.WithBaseURL(server.URL+"/v1"))
	require.NoError(t, err)

	var e Embedder = NewOpenAIEmbedder(client)
	assert.Equal(t, "text-embedding-3-small", e.Model())

	vectors, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0.5, 0.25}, vectors[1])

	q, err := e.EmbedQuery(context.Background(), "widow pension")
	require.NoError(t, err)
	assert.Len(t, q, 3)
}

func TestNewGenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewGenAIEmbedder(context.Background(), GenAIConfig{}, nil)
	assert.Error(t, err)
}
