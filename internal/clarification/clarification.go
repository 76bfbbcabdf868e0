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

// Package clarification decides whether a broad scheme query needs a
// follow-up question before recommendations are produced.
package clarification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/metrics"
	"github.com/your-org/yojana-ai/internal/synth"
)

// DefaultThreshold is the candidate count above which the gate is consulted
const DefaultThreshold = 10

// Analyzer finds context areas a query does not mention
type Analyzer struct {
	rules []contextRule
}

// NewAnalyzer creates an analyzer with the built-in rules
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: buildContextRules()}
}

// MissingContext lists the areas the query leaves out, in rule order
func (a *Analyzer) MissingContext(query string) []string {
	lower := strings.ToLower(query)
	missing := []string{}
	for _, rule := range a.rules {
		if !rule.covered(lower) {
			missing = append(missing, rule.Area)
		}
	}
	return missing
}

// Gate runs the follow-up decision stage
type Gate struct {
	Threshold       int
	MaxPromptTokens int

	analyzer *Analyzer
	logger   *zap.Logger
}

// NewGate creates a gate; threshold <= 0 uses DefaultThreshold
func NewGate(threshold, maxPromptTokens int, logger *zap.Logger) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		Threshold:       threshold,
		MaxPromptTokens: maxPromptTokens,
		analyzer:        NewAnalyzer(),
		logger:          logger,
	}
}

// ShouldConsult reports whether the candidate count is strictly above the threshold
func (g *Gate) ShouldConsult(candidateCount int) bool {
	return candidateCount > g.Threshold
}

// Decide asks the LLM whether a clarifying question is needed. A malformed
// decision is logged and returned as an error; there is no default.
func (g *Gate) Decide(ctx context.Context, completer synth.Completer, query string, summaries []string) (*synth.Decision, error) {
	prompt := synth.BuildDecisionPrompt(query, summaries, len(summaries), g.MaxPromptTokens)
	if missing := g.analyzer.MissingContext(query); len(missing) > 0 {
		prompt += "\n\nDetails the user has not mentioned: " + strings.Join(missing, ", ")
	}
	if err := synth.ValidatePrompt(prompt); err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := completer.Complete(ctx, synth.DecisionInstructions, prompt)
	metrics.ObserveLLM("decision", start, err)
	if err != nil {
		return nil, fmt.Errorf("follow-up decision call failed: %w", err)
	}

	decision, err := synth.ParseDecision(raw)
	if err != nil {
		g.logger.Error("Malformed follow-up decision",
			zap.Error(err),
			zap.Int("candidates", len(summaries)))
		return nil, err
	}

	g.logger.Debug("Follow-up decision",
		zap.Bool("followup_needed", decision.FollowupNeeded),
		zap.Bool("show_recommendations", decision.ShowRecommendations),
		zap.Bool("has_question", decision.Question() != ""))
	return decision, nil
}
