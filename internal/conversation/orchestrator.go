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

// Package conversation turns a user's conversation into scheme
// recommendations: retrieve candidates, optionally ask a follow-up
// question, then let the LLM rank and justify the matches.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/clarification"
	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/resilience"
	"github.com/your-org/yojana-ai/internal/scheme"
	"github.com/your-org/yojana-ai/internal/synth"
)

const (
	// TurnDelimiter joins conversation turns into one query
	TurnDelimiter = ". "
	// NoResultsMessage is returned when retrieval finds nothing
	NoResultsMessage = "Sorry, I couldn't find any schemes matching your query. Try describing your situation differently."

	DefaultTopK        = 25
	DefaultPreviewSize = 5
)

// ErrEmptyQuery is returned when the conversation has no usable text
var ErrEmptyQuery = errors.New("query is empty")

// StageError marks a failure in an external stage of the pipeline
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline stages
const (
	StageRetrieval      = "retrieval"
	StageDecision       = "decision"
	StageRecommendation = "recommendation"
)

// Retriever finds candidate schemes for a query
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]scheme.Result, error)
}

// Config holds the orchestration policy
type Config struct {
	TopK              int
	FollowupThreshold int
	PreviewSize       int
	MaxPromptTokens   int
	RequestTimeout    time.Duration
}

// Response is returned by Recommend and Refine
type Response struct {
	FollowupNeeded bool            `json:"followup_needed"`
	Message        string          `json:"message"`
	Results        []scheme.Result `json:"results"`
	TooVague       bool            `json:"too_vague,omitempty"`
}

// Orchestrator runs the recommendation flow. It holds no per-request state.
type Orchestrator struct {
	retriever Retriever
	completer synth.Completer
	gate      *clarification.Gate
	breaker   *resilience.CircuitBreaker
	cfg       Config
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator. breaker may be nil.
func NewOrchestrator(retriever Retriever, completer synth.Completer, breaker *resilience.CircuitBreaker, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = DefaultPreviewSize
	}
	return &Orchestrator{
		retriever: retriever,
		completer: completer,
		gate:      clarification.NewGate(cfg.FollowupThreshold, cfg.MaxPromptTokens, logger),
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
	}
}

// CombineConversation joins trimmed, non-blank turns in order, with the
// current input last
func CombineConversation(history []string, current string) string {
	turns := make([]string, 0, len(history)+1)
	for _, turn := range history {
		if t := strings.TrimSpace(turn); t != "" {
			turns = append(turns, t)
		}
	}
	if t := strings.TrimSpace(current); t != "" {
		turns = append(turns, t)
	}
	return strings.Join(turns, TurnDelimiter)
}

// CombineRefinement appends a follow-up answer to the original query
func CombineRefinement(original, answer string) string {
	original = strings.TrimRight(strings.TrimSpace(original), ".")
	answer = strings.TrimSpace(answer)
	switch {
	case answer == "":
		return original
	case original == "":
		return answer
	default:
		return original + ". Additional context: " + answer
	}
}

// complete routes LLM calls through the circuit breaker when one is set
func (o *Orchestrator) complete(ctx context.Context, instructions, prompt string) (string, error) {
	if o.breaker == nil {
		return o.completer.Complete(ctx, instructions, prompt)
	}
	var out string
	err := o.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = o.completer.Complete(ctx, instructions, prompt)
		return err
	})
	return out, err
}

// Recommend answers a conversation
func (o *Orchestrator) Recommend(ctx context.Context, history []string, current string) (*Response, error) {
	return o.run(ctx, CombineConversation(history, current))
}

// Refine re-runs the flow with the user's answer to a follow-up question
func (o *Orchestrator) Refine(ctx context.Context, original, answer string) (*Response, error) {
	return o.run(ctx, CombineRefinement(original, answer))
}

func (o *Orchestrator) run(ctx context.Context, query string) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := o.recommend(ctx, query)
	if err != nil {
		metrics.RecommendationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) recommend(ctx context.Context, query string) (*Response, error) {
	candidates, err := o.retriever.Search(ctx, query, o.cfg.TopK)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieval, Err: err}
	}

	if len(candidates) == 0 {
		o.logger.Info("No candidate schemes found", zap.Int("query_length", len(query)))
		metrics.RecommendationsTotal.WithLabelValues(metrics.OutcomeNoResults).Inc()
		return &Response{Message: NoResultsMessage, Results: []scheme.Result{}}, nil
	}

	summaries := scheme.Summarize(candidates)
	completer := synth.CompleterFunc(o.complete)

	if o.gate.ShouldConsult(len(candidates)) {
		decision, err := o.gate.Decide(ctx, completer, query, summaries)
		if err != nil {
			return nil, &StageError{Stage: StageDecision, Err: err}
		}
		if question := decision.Question(); question != "" {
			results := []scheme.Result{}
			if decision.ShowRecommendations {
				results = candidates[:min(o.cfg.PreviewSize, len(candidates))]
			}
			o.logger.Info("Asking follow-up question",
				zap.Int("candidates", len(candidates)),
				zap.Int("preview", len(results)))
			metrics.RecommendationsTotal.WithLabelValues(metrics.OutcomeFollowup).Inc()
			return &Response{FollowupNeeded: true, Message: question, Results: results}, nil
		}
	}

	prompt := synth.BuildRecommendationPrompt(query, summaries, o.cfg.MaxPromptTokens)
	if err := synth.ValidatePrompt(prompt); err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := completer.Complete(ctx, synth.RecommendationInstructions, prompt)
	metrics.ObserveLLM(StageRecommendation, start, err)
	if err != nil {
		return nil, &StageError{Stage: StageRecommendation, Err: err}
	}

	rec, err := synth.ParseRecommendation(raw)
	if err != nil {
		o.logger.Error("Malformed recommendation response", zap.Error(err))
		return nil, &StageError{Stage: StageRecommendation, Err: err}
	}

	results := MergeMatches(candidates, rec.Schemes)
	o.logger.Info("Recommendations produced",
		zap.Int("candidates", len(candidates)),
		zap.Int("recommended", len(results)),
		zap.Bool("too_vague", rec.TooVague))
	metrics.RecommendationsTotal.WithLabelValues(metrics.OutcomeRecommended).Inc()

	return &Response{Message: rec.Message, Results: results, TooVague: rec.TooVague}, nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// MergeMatches attaches the LLM's reasons to the retrieved records, in the
// LLM's order. A match is found by id, then by case-insensitive name. LLM
// entries that match nothing are kept with only name, reason and link.
// A candidate picked twice appears once.
func MergeMatches(candidates []scheme.Result, matches []synth.Match) []scheme.Result {
	byID := make(map[string]int, len(candidates))
	byName := make(map[string]int, len(candidates))
	for i, c := range candidates {
		if c.ID != "" {
			byID[c.ID] = i
		}
		if key := nameKey(c.Name); key != "" {
			if _, dup := byName[key]; !dup {
				byName[key] = i
			}
		}
	}

	results := make([]scheme.Result, 0, len(matches))
	used := make(map[int]bool, len(matches))
	for _, m := range matches {
		idx, ok := byID[strings.TrimSpace(m.ID)]
		if !ok {
			idx, ok = byName[nameKey(m.Name)]
		}
		if !ok {
			results = append(results, scheme.Result{ID: m.ID, Name: m.Name, Reason: m.Reason, Link: m.Link})
			continue
		}
		if used[idx] {
			continue
		}
		used[idx] = true

		r := candidates[idx]
		r.Reason = m.Reason
		if r.Link == "" {
			r.Link = m.Link
		}
		results = append(results, r)
	}
	return results
}
