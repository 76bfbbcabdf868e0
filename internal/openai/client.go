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

// Package openai wraps go-openai with retries, metrics and the options the
// recommender needs for embeddings and chat completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/resilience"
)

const (
	// DefaultEmbeddingModel is used when no embedding model is configured
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)
	// DefaultChatModel is used when no chat model is configured
	DefaultChatModel = "gpt-4o-mini"
	// MaxRetries defines the maximum number of retry attempts
	MaxRetries = 3
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
	// EmbeddingCostPer1KTokens is the text-embedding-3-small list price in USD
	EmbeddingCostPer1KTokens = 0.00002

	providerName = "openai"
)

// Client wraps the go-openai client
type Client struct {
	client         *openai.Client
	logger         *zap.Logger
	embeddingModel string
	chatModel      string
	dimensions     int
	maxTokens      int
	temperature    float32
	jsonResponses  bool
	validate       bool
	backoff        resilience.BackoffConfig
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	baseURL        string
	httpClient     *http.Client
	embeddingModel string
	chatModel      string
	dimensions     int
	maxTokens      int
	temperature    float32
	jsonResponses  bool
	validate       bool
	backoff        *resilience.BackoffConfig
}

// WithBaseURL points the client at a different API endpoint
func WithBaseURL(url string) Option {
	return func(o *clientOptions) { o.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithEmbeddingModel sets the embedding model
func WithEmbeddingModel(model string) Option {
	return func(o *clientOptions) { o.embeddingModel = model }
}

// WithChatModel sets the chat completion model
func WithChatModel(model string) Option {
	return func(o *clientOptions) { o.chatModel = model }
}

// WithDimensions requests and enforces a fixed embedding size; 0 accepts the model default
func WithDimensions(dims int) Option {
	return func(o *clientOptions) { o.dimensions = dims }
}

// WithCompletionDefaults sets max tokens and temperature for Complete
func WithCompletionDefaults(maxTokens int, temperature float32) Option {
	return func(o *clientOptions) {
		o.maxTokens = maxTokens
		o.temperature = temperature
	}
}

// WithJSONResponses asks the model for a JSON object in Complete
func WithJSONResponses(enabled bool) Option {
	return func(o *clientOptions) { o.jsonResponses = enabled }
}

// WithConnectionValidation issues a probe embedding at construction time
func WithConnectionValidation(enabled bool) Option {
	return func(o *clientOptions) { o.validate = enabled }
}

// WithBackoff overrides the retry policy
func WithBackoff(cfg resilience.BackoffConfig) Option {
	return func(o *clientOptions) { o.backoff = &cfg }
}

// EmbeddingUsage tracks embedding API usage and costs
type EmbeddingUsage struct {
	TokensUsed     int
	EstimatedCost  float64
	ProcessingTime time.Duration
}

// EmbeddingResponse represents the response from embedding operations
type EmbeddingResponse struct {
	Embeddings [][]float32
	Usage      EmbeddingUsage
}

// RetryableError is a transient API failure (429 or 5xx)
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable marks the error as worth retrying
func (e *RetryableError) Retryable() bool { return true }

// PermanentError is an API failure that a retry cannot fix
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("OpenAI API error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable marks the error as final
func (e *PermanentError) Retryable() bool { return false }

// NewClient creates a new OpenAI client
func NewClient(apiKey string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := clientOptions{
		embeddingModel: DefaultEmbeddingModel,
		chatModel:      DefaultChatModel,
		maxTokens:      1500,
		temperature:    0.2,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(o.baseURL, "/")
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}

	backoff := resilience.DefaultBackoffConfig()
	backoff.MaxRetries = MaxRetries - 1
	backoff.BaseDelay = BaseRetryDelay
	if o.backoff != nil {
		backoff = *o.backoff
	}

	client := &Client{
		client:         openai.NewClientWithConfig(cfg),
		logger:         logger,
		embeddingModel: o.embeddingModel,
		chatModel:      o.chatModel,
		dimensions:     o.dimensions,
		maxTokens:      o.maxTokens,
		temperature:    o.temperature,
		jsonResponses:  o.jsonResponses,
		validate:       o.validate,
		backoff:        backoff,
	}

	if client.validate {
		if err := client.validateConnection(); err != nil {
			return nil, fmt.Errorf("failed to validate OpenAI connection: %w", err)
		}
	}

	client.logger.Info("OpenAI client initialized",
		zap.String("embedding_model", client.embeddingModel),
		zap.String("chat_model", client.chatModel),
		zap.Int("dimensions", client.dimensions),
		zap.Int("max_retries", backoff.MaxRetries))

	return client, nil
}

func (c *Client) validateConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.EmbedQuery(ctx, "connection check"); err != nil {
		return fmt.Errorf("connection validation failed: %w", err)
	}
	return nil
}

// Model returns the embedding model identifier
func (c *Client) Model() string {
	return c.embeddingModel
}

// EmbedTexts embeds texts in a single API request. Callers batch.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) (*EmbeddingResponse, error) {
	if len(texts) == 0 {
		return &EmbeddingResponse{Embeddings: [][]float32{}}, nil
	}

	start := time.Now()

	var (
		embeddings [][]float32
		usage      openai.Usage
	)
	err := resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		var err error
		embeddings, usage, err = c.createEmbeddings(ctx, texts)
		return err
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(providerName, "error").Inc()
		c.logger.Error("Failed to create embeddings",
			zap.Error(err),
			zap.Int("text_count", len(texts)))
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	metrics.EmbeddingRequests.WithLabelValues(providerName, "ok").Inc()

	if err := c.validateEmbeddingDimensions(embeddings); err != nil {
		return nil, fmt.Errorf("embedding validation failed: %w", err)
	}

	processingTime := time.Since(start)
	estimatedCost := float64(usage.PromptTokens) / 1000.0 * EmbeddingCostPer1KTokens

	c.logger.Debug("Embedding batch completed",
		zap.Int("text_count", len(texts)),
		zap.Int("tokens_used", usage.PromptTokens),
		zap.Float64("estimated_cost_usd", estimatedCost),
		zap.Duration("processing_time", processingTime))

	return &EmbeddingResponse{
		Embeddings: embeddings,
		Usage: EmbeddingUsage{
			TokensUsed:     usage.PromptTokens,
			EstimatedCost:  estimatedCost,
			ProcessingTime: processingTime,
		},
	}, nil
}

// EmbedQuery generates an embedding for a single query text
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query text cannot be empty")
	}

	response, err := c.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(response.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned for query")
	}
	return response.Embeddings[0], nil
}

func (c *Client) createEmbeddings(ctx context.Context, texts []string) ([][]float32, openai.Usage, error) {
	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.embeddingModel),
		Dimensions: c.dimensions,
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, openai.Usage{}, c.handleAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, openai.Usage{}, &PermanentError{
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("got %d embeddings for %d texts", len(resp.Data), len(texts)),
		}
	}

	embeddings := make([][]float32, len(texts))
	for i, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		embeddings[idx] = item.Embedding
	}

	return embeddings, resp.Usage, nil
}

// handleAPIError classifies API errors as retryable or permanent
func (c *Client) handleAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status, message := 0, err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, message = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// Transport failure; the request may succeed on retry
		return &RetryableError{StatusCode: 0, Message: message}
	}

	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		c.logger.Warn("Retryable OpenAI error",
			zap.Int("status_code", status),
			zap.String("message", message))
		return &RetryableError{StatusCode: status, Message: message}
	default:
		return &PermanentError{StatusCode: status, Message: message}
	}
}

func (c *Client) validateEmbeddingDimensions(embeddings [][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	want := c.dimensions
	if want == 0 {
		want = len(embeddings[0])
	}
	for i, embedding := range embeddings {
		if len(embedding) == 0 || len(embedding) != want {
			return fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(embedding), want)
		}
	}
	return nil
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float32
	Model       string
	JSON        bool
}

// ChatCompletionResponse represents the response from a chat completion
type ChatCompletionResponse struct {
	Content      string
	FinishReason string
	Usage        openai.Usage
}

// CreateChatCompletion creates a chat completion with retry logic
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.chatModel
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	c.logger.Debug("Creating chat completion",
		zap.String("model", req.Model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Int("message_count", len(req.Messages)))

	var resp openai.ChatCompletionResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, openaiReq)
		if err != nil {
			return c.handleAPIError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from OpenAI")
	}

	c.logger.Debug("Chat completion successful",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &ChatCompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        resp.Usage,
	}, nil
}

// Complete sends instructions as the system message and prompt as the
// user message and returns the raw completion text
func (c *Client) Complete(ctx context.Context, instructions, prompt string) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		JSON:        c.jsonResponses,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Ping checks that the API accepts the configured key
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	if err != nil {
		return c.handleAPIError(err)
	}
	return nil
}
