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

// Package chroma is a ChromaDB REST client implementing vectorstore.Store
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/resilience"
	"github.com/your-org/yojana-ai/internal/vectorstore"
)

const (
	// ModelMetadataKey is the collection metadata key holding the embedding model
	ModelMetadataKey = "embedding_model"

	defaultTimeout = 30 * time.Second
)

// Client wraps the ChromaDB REST API for a single collection
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	logger     *zap.Logger
	backoff    resilience.BackoffConfig

	mu           sync.Mutex
	collectionID string
}

var _ vectorstore.Store = (*Client)(nil)

// NewClient creates a new ChromaDB client with default retry settings
func NewClient(baseURL, collection string, logger *zap.Logger) *Client {
	return NewClientWithOptions(baseURL, collection, logger, resilience.DefaultBackoffConfig().MaxRetries, time.Second)
}

// NewClientWithOptions creates a new ChromaDB client with custom retry settings
func NewClientWithOptions(baseURL, collection string, logger *zap.Logger, maxRetries int, baseRetryDelay time.Duration) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := resilience.DefaultBackoffConfig()
	backoff.MaxRetries = maxRetries
	backoff.BaseDelay = baseRetryDelay

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		backoff:    backoff,
	}
}

// Collection represents a ChromaDB collection
type Collection struct {
	Name     string                 `json:"name"`
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

type createCollectionRequest struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type upsertRequest struct {
	IDs        []string                 `json:"ids"`
	Embeddings [][]float32              `json:"embeddings"`
	Documents  []string                 `json:"documents"`
	Metadatas  []map[string]interface{} `json:"metadatas"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

// ChromaError represents an error response from ChromaDB
type ChromaError struct {
	StatusCode int    `json:"-"`
	Detail     string `json:"detail"`
	Type       string `json:"error"`
	Message    string `json:"message"`
}

func (e ChromaError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Message
	}
	return fmt.Sprintf("ChromaDB error [%d %s]: %s", e.StatusCode, e.Type, msg)
}

// Retryable reports whether the request may succeed when repeated
func (e ChromaError) Retryable() bool {
	if e.notFound() {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// notFound matches the different shapes Chroma versions use for a missing collection
func (e ChromaError) notFound() bool {
	if e.StatusCode == http.StatusNotFound {
		return true
	}
	text := strings.ToLower(e.Type + " " + e.Detail + " " + e.Message)
	return strings.Contains(text, "does not exist") || strings.Contains(text, "not found")
}

func isNotFound(err error) bool {
	var ce ChromaError
	return errors.As(err, &ce) && ce.notFound()
}

// do performs a JSON request with retries. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	operation := method + " " + path
	return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.makeRequest(req)
		if err != nil {
			if !isNotFound(err) {
				c.logger.Warn("ChromaDB request failed",
					zap.String("operation", operation),
					zap.Error(err))
			}
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		return nil
	})
}

// makeRequest performs an HTTP request with structured error handling
func (c *Client) makeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		chromaErr := ChromaError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, &chromaErr) != nil || (chromaErr.Detail == "" && chromaErr.Message == "" && chromaErr.Type == "") {
			chromaErr.Detail = strings.TrimSpace(string(body))
		}
		return nil, chromaErr
	}

	return resp, nil
}

func (c *Client) getCollection(ctx context.Context) (*Collection, error) {
	var col Collection
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(c.collection), nil, &col); err != nil {
		return nil, err
	}
	return &col, nil
}

func (c *Client) createCollection(ctx context.Context, model string) (*Collection, error) {
	req := createCollectionRequest{
		Name: c.collection,
		Metadata: map[string]interface{}{
			ModelMetadataKey: model,
			"hnsw:space":     "cosine",
		},
	}
	var col Collection
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections", req, &col); err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", c.collection, err)
	}
	c.logger.Info("Created ChromaDB collection",
		zap.String("collection", c.collection),
		zap.String("id", col.ID),
		zap.String("model", model))
	return &col, nil
}

// resolveID returns the cached collection id, looking it up when unknown.
// ok is false when the collection does not exist.
func (c *Client) resolveID(ctx context.Context) (id string, ok bool, err error) {
	c.mu.Lock()
	id = c.collectionID
	c.mu.Unlock()
	if id != "" {
		return id, true, nil
	}

	col, err := c.getCollection(ctx)
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	c.collectionID = col.ID
	c.mu.Unlock()
	return col.ID, true, nil
}

func (c *Client) setID(id string) {
	c.mu.Lock()
	c.collectionID = id
	c.mu.Unlock()
}

// forgetID drops the cached id unless another call has already replaced it
func (c *Client) forgetID(id string) {
	c.mu.Lock()
	if c.collectionID == id {
		c.collectionID = ""
	}
	c.mu.Unlock()
}

// scoped calls fn with the collection id. A not-found answer means the
// collection was recreated elsewhere (e.g. a forced reindex from the CLI),
// so the id is looked up again by name and fn retried once.
// ok is false when the collection does not exist.
func (c *Client) scoped(ctx context.Context, fn func(id string) error) (ok bool, err error) {
	id, ok, err := c.resolveID(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve collection: %w", err)
	}
	if !ok {
		return false, nil
	}

	err = fn(id)
	if !isNotFound(err) {
		return true, err
	}

	c.forgetID(id)
	current, ok, rerr := c.resolveID(ctx)
	if rerr != nil {
		return false, fmt.Errorf("failed to resolve collection: %w", rerr)
	}
	if !ok {
		return false, nil
	}
	if current == id {
		return true, err
	}
	c.logger.Info("Collection was recreated, retrying with new id",
		zap.String("collection", c.collection),
		zap.String("old_id", id),
		zap.String("id", current))
	return true, fn(current)
}

// Ensure implements vectorstore.Store
func (c *Client) Ensure(ctx context.Context, model string) error {
	col, err := c.getCollection(ctx)
	if err == nil {
		c.setID(col.ID)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to get collection %s: %w", c.collection, err)
	}

	col, err = c.createCollection(ctx, model)
	if err != nil {
		return err
	}
	c.setID(col.ID)
	return nil
}

// Reset implements vectorstore.Store
func (c *Client) Reset(ctx context.Context, model string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(c.collection), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete collection %s: %w", c.collection, err)
	}
	c.setID("")

	col, err := c.createCollection(ctx, model)
	if err != nil {
		return err
	}
	c.setID(col.ID)
	return nil
}

// Count implements vectorstore.Store. A missing collection counts as empty.
func (c *Client) Count(ctx context.Context) (int, error) {
	var n int
	ok, err := c.scoped(ctx, func(id string) error {
		return c.do(ctx, http.MethodGet, "/api/v1/collections/"+id+"/count", nil, &n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count collection: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

// Upsert implements vectorstore.Store
func (c *Client) Upsert(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}

	req := upsertRequest{
		IDs:        make([]string, len(records)),
		Embeddings: make([][]float32, len(records)),
		Documents:  make([]string, len(records)),
		Metadatas:  make([]map[string]interface{}, len(records)),
	}
	for i, r := range records {
		req.IDs[i] = r.ID
		req.Embeddings[i] = r.Embedding
		req.Documents[i] = r.Document
		req.Metadatas[i] = r.Metadata
	}

	ok, err := c.scoped(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", req, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	if !ok {
		return fmt.Errorf("collection %s does not exist", c.collection)
	}

	c.logger.Debug("Upserted documents",
		zap.String("collection", c.collection),
		zap.Int("document_count", len(records)))
	return nil
}

// Query implements vectorstore.Store
func (c *Client) Query(ctx context.Context, embedding []float32, topK int) ([]vectorstore.Match, error) {
	if topK <= 0 {
		return []vectorstore.Match{}, nil
	}

	req := queryRequest{
		QueryEmbeddings: [][]float32{embedding},
		NResults:        topK,
		Include:         []string{"documents", "metadatas", "distances"},
	}
	var resp queryResponse
	ok, err := c.scoped(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	matches := []vectorstore.Match{}
	if !ok || len(resp.IDs) == 0 {
		return matches, nil
	}
	for i, docID := range resp.IDs[0] {
		m := vectorstore.Match{ID: docID}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			m.Document = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			m.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			m.Distance = resp.Distances[0][i]
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// EmbeddingModel implements vectorstore.Store
func (c *Client) EmbeddingModel(ctx context.Context) (string, error) {
	col, err := c.getCollection(ctx)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get collection %s: %w", c.collection, err)
	}
	model, _ := col.Metadata[ModelMetadataKey].(string)
	return model, nil
}

// HealthCheck checks if ChromaDB is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check ChromaDB health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ChromaDB health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
