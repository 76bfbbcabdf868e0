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

package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/index"
	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/requestid"
	"github.com/your-org/yojana-ai/internal/resilience"
	"github.com/your-org/yojana-ai/internal/synth"
)

// Recommender is the part of the orchestrator the HTTP layer needs
type Recommender interface {
	Recommend(ctx context.Context, history []string, current string) (*Response, error)
	Refine(ctx context.Context, original, answer string) (*Response, error)
}

// ReindexFunc rebuilds the scheme collection from the corpus
type ReindexFunc func(ctx context.Context) (*index.IndexResult, error)

// RouteOptions plugs optional middleware into the routes. Nil entries are skipped.
type RouteOptions struct {
	CORSOrigins []string
	// Auth guards every recommendation route
	Auth gin.HandlerFunc
	// Admin additionally guards /reindex
	Admin          gin.HandlerFunc
	RecommendLimit gin.HandlerFunc
	ReindexLimit   gin.HandlerFunc
	Health         http.Handler
}

// APIHandler serves the recommendation endpoints
type APIHandler struct {
	recommender Recommender
	reindex     ReindexFunc
	errors      *resilience.ErrorHandler
	logger      *zap.Logger
}

// NewAPIHandler creates a new API handler. reindex may be nil, in which
// case /reindex is not registered.
func NewAPIHandler(recommender Recommender, reindex ReindexFunc, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		recommender: recommender,
		reindex:     reindex,
		errors:      resilience.NewErrorHandler(logger),
		logger:      logger,
	}
}

// RecommendRequest is the body of POST /recommend
type RecommendRequest struct {
	ConversationHistory []string `json:"conversation_history"`
	CurrentInput        string   `json:"current_input"`
}

// RefineRequest is the body of POST /refine
type RefineRequest struct {
	OriginalQuery  string `json:"original_query"`
	FollowupAnswer string `json:"followup_answer"`
}

// ReindexResponse is the body returned by POST /reindex
type ReindexResponse struct {
	Message string `json:"message"`
	Indexed int    `json:"indexed"`
	Skipped bool   `json:"skipped"`
}

// RegisterRoutes registers the API routes and the global middleware
func (h *APIHandler) RegisterRoutes(router *gin.Engine, opts RouteOptions) {
	router.Use(requestid.Middleware(), CORSMiddleware(opts.CORSOrigins), metrics.Middleware())

	if opts.Health != nil {
		router.GET("/health", gin.WrapH(opts.Health))
	}
	router.GET("/metrics", metrics.Handler())

	router.POST("/recommend", chain(h.recommend, opts.Auth, opts.RecommendLimit)...)
	router.POST("/refine", chain(h.refine, opts.Auth, opts.RecommendLimit)...)
	if h.reindex != nil {
		router.POST("/reindex", chain(h.reindexAll, opts.Auth, opts.Admin, opts.ReindexLimit)...)
	}
}

func chain(handler gin.HandlerFunc, middleware ...gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(middleware)+1)
	for _, m := range middleware {
		if m != nil {
			handlers = append(handlers, m)
		}
	}
	return append(handlers, handler)
}

// recommend handles POST /recommend
func (h *APIHandler) recommend(c *gin.Context) {
	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, resilience.NewBadRequestError("Invalid request format", err), "recommending schemes")
		return
	}

	resp, err := h.recommender.Recommend(c.Request.Context(), req.ConversationHistory, req.CurrentInput)
	if err != nil {
		h.writeError(c, err, "recommending schemes")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// refine handles POST /refine
func (h *APIHandler) refine(c *gin.Context) {
	var req RefineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, resilience.NewBadRequestError("Invalid request format", err), "refining recommendations")
		return
	}

	resp, err := h.recommender.Refine(c.Request.Context(), req.OriginalQuery, req.FollowupAnswer)
	if err != nil {
		h.writeError(c, err, "refining recommendations")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// reindexAll handles POST /reindex
func (h *APIHandler) reindexAll(c *gin.Context) {
	result, err := h.reindex(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "re-indexing schemes")
		return
	}

	h.logger.Info("Re-index completed",
		zap.Int("indexed", result.Indexed),
		zap.Bool("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	c.JSON(http.StatusOK, ReindexResponse{
		Message: fmt.Sprintf("Indexed %d schemes with %s", result.Indexed, result.Model),
		Indexed: result.Indexed,
		Skipped: result.Skipped,
	})
}

// classify maps pipeline errors onto service errors
func classify(err error) error {
	var serviceErr *resilience.ServiceError
	var stageErr *StageError
	var parseErr *synth.ParseError

	switch {
	case resilience.AsServiceError(err, &serviceErr):
		return serviceErr
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, synth.ErrInvalidPrompt):
		return resilience.NewBadRequestError("Please describe what kind of scheme you are looking for.", err)
	case errors.Is(err, context.DeadlineExceeded):
		return resilience.NewTimeoutError("The request took too long. Please try again.", err)
	case errors.Is(err, resilience.ErrCircuitBreakerOpen):
		return resilience.NewServiceUnavailableError("The recommendation model is temporarily unavailable. Please try again in a few minutes.", err)
	case errors.Is(err, index.ErrModelMismatch):
		return resilience.NewServiceUnavailableError("The scheme index is being rebuilt. Please try again later.", err)
	case errors.As(err, &parseErr):
		return resilience.NewDependencyFailureError("The recommendation model returned an unreadable answer. Please try again.", err)
	case errors.As(err, &stageErr):
		return resilience.NewDependencyFailureError(
			fmt.Sprintf("The %s step failed. Please try again later.", stageErr.Stage), err)
	}
	return err
}

func (h *APIHandler) writeError(c *gin.Context, err error, operation string) {
	serviceErr := h.errors.WrapError(classify(err), operation)
	if serviceErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestid.Get(c)),
			zap.Int("status", serviceErr.StatusCode),
			zap.Error(err))
	}
	resilience.AbortWithError(c, serviceErr)
}

// CORSMiddleware allows the configured origins. An empty list or "*"
// allows any origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestid.Header)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
