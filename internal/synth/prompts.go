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

// Package synth builds the LLM prompts for scheme recommendation and the
// follow-up decision, and parses the model's JSON replies.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const queryLabel = "User Query: "

// ErrInvalidPrompt is returned by ValidatePrompt
var ErrInvalidPrompt = errors.New("invalid prompt")

// Completer sends instructions and a prompt to an LLM and returns its text
type Completer interface {
	Complete(ctx context.Context, instructions, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, instructions, prompt string) (string, error)

// Complete implements Completer
func (f CompleterFunc) Complete(ctx context.Context, instructions, prompt string) (string, error) {
	return f(ctx, instructions, prompt)
}

// RecommendationInstructions is the system prompt for the ranking call
const RecommendationInstructions = `You are an assistant that helps users discover government schemes in India based on their needs.
Step 1: Extract purpose, location, amount, and sector from the user query.
Step 2: Match these against the candidate schemes provided. Only recommend schemes from that list.
Step 3: Return the best matching schemes, most relevant first, with a short reason for each match.
If the query is too vague to recommend anything, return an empty list and set too_vague to true.
Return the response in pure JSON format without code fences or extra text.`

// DecisionInstructions is the system prompt for the follow-up gate
const DecisionInstructions = `You are an assistant that determines whether the user query and the current matched results need further clarification.
If the number of matched schemes is too high, or the user input is vague or missing key details like location, sector, amount, etc., return a helpful clarifying question.
Set show_recommendations to true when the current matches are still worth showing alongside the question.
Return the response in pure JSON format without code fences or extra text.`

const recommendationFormat = `Respond with a JSON object in exactly this format:
{
  "message": "A short friendly sentence introducing the results",
  "schemes": [
    {"id": "scheme id from the list", "name": "Scheme Name", "reason": "Why this scheme matches", "link": "https://example.com"}
  ],
  "too_vague": false
}`

const decisionFormat = `Respond with a JSON object in exactly this format:
{"followup_needed": true, "show_recommendations": false, "followup_question": "Your clarifying question"}
If no clarification is needed, respond with:
{"followup_needed": false, "show_recommendations": true, "followup_question": null}`

// DecisionCandidateLimit bounds the summaries shown to the follow-up gate
const DecisionCandidateLimit = 10

// EstimateTokens estimates token count for text (rough approximation)
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// TruncateToTokenLimit truncates text to fit within token limit
func TruncateToTokenLimit(text string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text
	}

	targetChars := int(float64(maxTokens) * 4 * 0.9)
	runes := []rune(text)
	if len(runes) > targetChars {
		return string(runes[:targetChars]) + "..."
	}
	return text
}

// fitSummaries keeps summaries in order until the token budget runs out.
// The first summary is always kept, truncated if necessary.
func fitSummaries(summaries []string, budget int) []string {
	if budget <= 0 {
		return summaries
	}
	var (
		kept []string
		used int
	)
	for i, s := range summaries {
		cost := EstimateTokens(s)
		if used+cost > budget {
			if i == 0 {
				kept = append(kept, TruncateToTokenLimit(s, budget))
			}
			break
		}
		kept = append(kept, s)
		used += cost
	}
	return kept
}

func writeCandidates(b *strings.Builder, heading string, summaries []string) {
	b.WriteString(heading)
	b.WriteString(":\n")
	if len(summaries) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range summaries {
		fmt.Fprintf(b, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
}

// BuildRecommendationPrompt asks the model to rank and justify candidates.
// maxTokens bounds the candidate section; 0 means unbounded.
func BuildRecommendationPrompt(query string, summaries []string, maxTokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, queryLabel+"%q\n\n", query)
	writeCandidates(&b, "Available Schemes", fitSummaries(summaries, maxTokens))
	b.WriteString("\n")
	b.WriteString(recommendationFormat)
	return b.String()
}

// BuildDecisionPrompt asks the model whether a clarifying question is
// needed. Only the first DecisionCandidateLimit summaries are included.
func BuildDecisionPrompt(query string, summaries []string, total int, maxTokens int) string {
	if len(summaries) > DecisionCandidateLimit {
		summaries = summaries[:DecisionCandidateLimit]
	}
	var b strings.Builder
	fmt.Fprintf(&b, queryLabel+"%q\n\n", query)
	fmt.Fprintf(&b, "Number of matched schemes: %d\n\n", total)
	writeCandidates(&b, "Top Matching Schemes", fitSummaries(summaries, maxTokens))
	b.WriteString("\n")
	b.WriteString(decisionFormat)
	return b.String()
}

// ValidatePrompt rejects prompts that are empty, lack the user query line,
// or carry a blank query. It runs before every LLM call.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidPrompt)
	}
	idx := strings.Index(prompt, queryLabel)
	if idx < 0 {
		return fmt.Errorf("%w: missing user query section", ErrInvalidPrompt)
	}
	line := prompt[idx+len(queryLabel):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	query := strings.TrimSpace(line)
	if unquoted, err := strconv.Unquote(query); err == nil {
		query = unquoted
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: user query is blank", ErrInvalidPrompt)
	}
	return nil
}
