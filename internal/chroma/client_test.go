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

package chroma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/yojana-ai/internal/vectorstore"
)

// fakeChroma is an in-memory stand-in for the ChromaDB v1 collections API
type fakeChroma struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection // by name
	nextID      int
	failures    atomic.Int32 // upcoming 503 responses
}

type fakeCollection struct {
	id       string
	metadata map[string]interface{}
	docs     map[string]vectorstore.Record
}

func newFakeChroma(t *testing.T) (*fakeChroma, *httptest.Server) {
	t.Helper()
	f := &fakeChroma{collections: map[string]*fakeCollection{}}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeChroma) byID(id string) *fakeCollection {
	for _, c := range f.collections {
		if c.id == id {
			return c
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeChroma) serve(w http.ResponseWriter, r *http.Request) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Unavailable", "message": "try later"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/heartbeat":
		writeJSON(w, http.StatusOK, map[string]int64{"nanosecond heartbeat": 1})

	case path == "/collections" && r.Method == http.MethodPost:
		var req createCollectionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, exists := f.collections[req.Name]; exists {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "UniqueConstraintError", "message": "exists"})
			return
		}
		f.nextID++
		c := &fakeCollection{id: fmt.Sprintf("col-%d", f.nextID), metadata: req.Metadata, docs: map[string]vectorstore.Record{}}
		f.collections[req.Name] = c
		writeJSON(w, http.StatusOK, Collection{Name: req.Name, ID: c.id, Metadata: c.metadata})

	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodGet:
		c, ok := f.collections[parts[1]]
		if !ok {
			// Older Chroma answers a missing collection with a 500 ValueError
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("ValueError('Collection %s does not exist.')", parts[1])})
			return
		}
		writeJSON(w, http.StatusOK, Collection{Name: parts[1], ID: c.id, Metadata: c.metadata})

	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodDelete:
		if _, ok := f.collections[parts[1]]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "NotFoundError", "message": "missing"})
			return
		}
		delete(f.collections, parts[1])
		writeJSON(w, http.StatusOK, nil)

	case len(parts) == 3 && parts[2] == "count":
		c := f.byID(parts[1])
		if c == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "NotFoundError"})
			return
		}
		writeJSON(w, http.StatusOK, len(c.docs))

	case len(parts) == 3 && parts[2] == "upsert":
		c := f.byID(parts[1])
		if c == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "NotFoundError"})
			return
		}
		var req upsertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for i, id := range req.IDs {
			c.docs[id] = vectorstore.Record{ID: id, Document: req.Documents[i], Embedding: req.Embeddings[i], Metadata: req.Metadatas[i]}
		}
		writeJSON(w, http.StatusOK, true)

	case len(parts) == 3 && parts[2] == "query":
		c := f.byID(parts[1])
		if c == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "NotFoundError"})
			return
		}
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var hits []vectorstore.Match
		for _, d := range c.docs {
			dist, _ := vectorstore.CosineDistance(req.QueryEmbeddings[0], d.Embedding)
			hits = append(hits, vectorstore.Match{ID: d.ID, Document: d.Document, Metadata: d.Metadata, Distance: dist})
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
		if len(hits) > req.NResults {
			hits = hits[:req.NResults]
		}
		resp := queryResponse{IDs: [][]string{{}}, Documents: [][]string{{}}, Metadatas: [][]map[string]interface{}{{}}, Distances: [][]float64{{}}}
		for _, h := range hits {
			resp.IDs[0] = append(resp.IDs[0], h.ID)
			resp.Documents[0] = append(resp.Documents[0], h.Document)
			resp.Metadatas[0] = append(resp.Metadatas[0], h.Metadata)
			resp.Distances[0] = append(resp.Distances[0], h.Distance)
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	}
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	return NewClientWithOptions(server.URL+"/", "schemes", zaptest.NewLogger(t), 2, time.Millisecond)
}

func records() []vectorstore.Record {
	return []vectorstore.Record{
		{ID: "dairy", Document: "dairy loan", Embedding: []float32{1, 0}, Metadata: map[string]interface{}{"name": "Dairy"}},
		{ID: "pension", Document: "pension", Embedding: []float32{0, 1}, Metadata: map[string]interface{}{"name": "Pension"}},
	}
}

func TestHealthCheck(t *testing.T) {
	_, server := newFakeChroma(t)
	client := newTestClient(t, server)
	assert.NoError(t, client.HealthCheck(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	assert.Error(t, NewClient(down.URL, "schemes", nil).HealthCheck(context.Background()))
}

func TestMissingCollectionIsEmpty(t *testing.T) {
	_, server := newFakeChroma(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	n, err := client.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	model, err := client.EmbeddingModel(ctx)
	require.NoError(t, err)
	assert.Empty(t, model)

	matches, err := client.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	assert.Error(t, client.Upsert(ctx, records()))
}

func TestEnsureUpsertQuery(t *testing.T) {
	fake, server := newFakeChroma(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	require.NoError(t, client.Ensure(ctx, "text-embedding-3-small"))
	require.NoError(t, client.Ensure(ctx, "ignored"))
	assert.Len(t, fake.collections, 1)

	model, err := client.EmbeddingModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", model)
	assert.Equal(t, "cosine", fake.collections["schemes"].metadata["hnsw:space"])

	require.NoError(t, client.Upsert(ctx, records()))
	n, err := client.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	matches, err := client.Query(ctx, []float32{0.1, 0.9}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "pension", matches[0].ID)
	assert.Equal(t, "Pension", matches[0].Metadata["name"])
}

func TestReset(t *testing.T) {
	fake, server := newFakeChroma(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	// Reset works when nothing exists yet
	require.NoError(t, client.Reset(ctx, "m1"))
	require.NoError(t, client.Upsert(ctx, records()))
	firstID := fake.collections["schemes"].id

	require.NoError(t, client.Reset(ctx, "m2"))
	assert.NotEqual(t, firstID, fake.collections["schemes"].id)

	n, err := client.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	model, err := client.EmbeddingModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", model)
}

func TestCollectionRecreatedByAnotherClient(t *testing.T) {
	fake, server := newFakeChroma(t)
	ctx := context.Background()
	serving := newTestClient(t, server)
	indexer := newTestClient(t, server)

	require.NoError(t, serving.Ensure(ctx, "m"))
	require.NoError(t, serving.Upsert(ctx, records()[:1]))
	staleID := fake.collections["schemes"].id

	require.NoError(t, indexer.Reset(ctx, "m"))
	require.NoError(t, indexer.Upsert(ctx, records()))
	require.NotEqual(t, staleID, fake.collections["schemes"].id)

	matches, err := serving.Query(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "pension", matches[0].ID)

	n, err := serving.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, indexer.Reset(ctx, "m"))
	require.NoError(t, serving.Upsert(ctx, records()))
	assert.Len(t, fake.collections["schemes"].docs, 2)
}

func TestCollectionDeletedByAnotherClient(t *testing.T) {
	fake, server := newFakeChroma(t)
	ctx := context.Background()
	client := newTestClient(t, server)

	require.NoError(t, client.Ensure(ctx, "m"))
	require.NoError(t, client.Upsert(ctx, records()))

	fake.mu.Lock()
	delete(fake.collections, "schemes")
	fake.mu.Unlock()

	n, err := client.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	matches, err := client.Query(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRetryOnUnavailable(t *testing.T) {
	fake, server := newFakeChroma(t)
	client := newTestClient(t, server)

	fake.failures.Store(2)
	assert.NoError(t, client.Ensure(context.Background(), "m"))

	fake.failures.Store(5)
	err := client.Ensure(context.Background(), "m")
	require.Error(t, err)

	var ce ChromaError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusServiceUnavailable, ce.StatusCode)
	assert.True(t, ce.Retryable())
}

func TestChromaError(t *testing.T) {
	err := ChromaError{StatusCode: 400, Type: "InvalidDimension", Message: "dimension 3 != 2"}
	assert.Equal(t, "ChromaDB error [400 InvalidDimension]: dimension 3 != 2", err.Error())
	assert.False(t, err.Retryable())
	assert.False(t, err.notFound())

	missing := ChromaError{StatusCode: 500, Type: "ValueError('Collection x does not exist.')"}
	assert.True(t, missing.notFound())
	assert.False(t, missing.Retryable())
}
