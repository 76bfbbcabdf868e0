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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/yojana-ai/internal/resilience"
	"github.com/your-org/yojana-ai/internal/scheme"
	"github.com/your-org/yojana-ai/internal/synth"
)

type fakeRetriever struct {
	mu      sync.Mutex
	results []scheme.Result
	err     error
	queries []string
	topK    int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]scheme.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.topK = topK
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > topK {
		return f.results[:topK], nil
	}
	return f.results, nil
}

func (f *fakeRetriever) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

// scriptedCompleter answers decision and recommendation prompts separately
type scriptedCompleter struct {
	mu             sync.Mutex
	decision       string
	recommendation string
	err            error
	calls          map[string]int
}

func (s *scriptedCompleter) Complete(ctx context.Context, instructions, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	if s.err != nil {
		return "", s.err
	}
	if instructions == synth.DecisionInstructions {
		s.calls["decision"]++
		return s.decision, nil
	}
	s.calls["recommendation"]++
	return s.recommendation, nil
}

func (s *scriptedCompleter) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func candidates(n int) []scheme.Result {
	out := make([]scheme.Result, n)
	for i := range out {
		out[i] = scheme.Result{
			ID:       fmt.Sprintf("scheme-%d", i+1),
			Name:     fmt.Sprintf("Scheme %d", i+1),
			Category: "Agriculture",
			Link:     fmt.Sprintf("https://www.myscheme.gov.in/schemes/scheme-%d", i+1),
			Score:    1 - float64(i)/100,
		}
	}
	return out
}

const followupDecision = `{"followup_needed":true,"show_recommendations":false,"followup_question":"Which state do you live in?"}`

func TestCombineConversation(t *testing.T) {
	tests := []struct {
		name    string
		history []string
		current string
		want    string
	}{
		{"history and current", []string{"I am a farmer", "I live in Gujarat"}, "need a loan", "I am a farmer. I live in Gujarat. need a loan"},
		{"current only", nil, "dairy scheme", "dairy scheme"},
		{"history only", []string{"pension for widows"}, "", "pension for widows"},
		{"blank turns dropped", []string{"  ", "farmer "}, "  ", "farmer"},
		{"all blank", []string{""}, " ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CombineConversation(tt.history, tt.current))
		})
	}
}

func TestCombineConversationDoesNotMutateHistory(t *testing.T) {
	history := make([]string, 1, 4)
	history[0] = "farmer"
	CombineConversation(history, "loan")
	assert.Equal(t, []string{"farmer"}, history)
	assert.Equal(t, "", history[:2][1])
}

func TestCombineRefinement(t *testing.T) {
	assert.Equal(t, "loan for farming. Additional context: Gujarat", CombineRefinement("loan for farming.", "Gujarat"))
	assert.Equal(t, "loan", CombineRefinement("loan", "  "))
	assert.Equal(t, "Gujarat", CombineRefinement("", "Gujarat"))
}

func TestRecommendFollowupWhenManyCandidates(t *testing.T) {
	retriever := &fakeRetriever{results: candidates(25)}
	completer := &scriptedCompleter{decision: followupDecision}
	o := NewOrchestrator(retriever, completer, nil, Config{FollowupThreshold: 10}, zaptest.NewLogger(t))

	resp, err := o.Recommend(context.Background(), []string{"I need help"}, "a loan")
	require.NoError(t, err)

	assert.True(t, resp.FollowupNeeded)
	assert.Equal(t, "Which state do you live in?", resp.Message)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, completer.count("recommendation"))
	assert.Equal(t, "I need help. a loan", retriever.lastQuery())
	assert.Equal(t, DefaultTopK, retriever.topK)
}

func TestRecommendFollowupWithPreview(t *testing.T) {
	retriever := &fakeRetriever{results: candidates(20)}
	completer := &scriptedCompleter{decision: `{"followup_needed":true,"show_recommendations":true,"followup_question":"Are you a farmer?"}`}
	o := NewOrchestrator(retriever, completer, nil, Config{FollowupThreshold: 10, PreviewSize: 3}, zaptest.NewLogger(t))

	resp, err := o.Recommend(context.Background(), nil, "help")
	require.NoError(t, err)
	assert.True(t, resp.FollowupNeeded)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "scheme-1", resp.Results[0].ID)
}

func TestRecommendSkipsGateAtThreshold(t *testing.T) {
	retriever := &fakeRetriever{results: candidates(10)}
	completer := &scriptedCompleter{
		decision:       followupDecision,
		recommendation: `{"message":"These fit","schemes":[{"id":"scheme-2","name":"Scheme 2","reason":"Dairy support"}]}`,
	}
	o := NewOrchestrator(retriever, completer, nil, Config{FollowupThreshold: 10}, zaptest.NewLogger(t))

	resp, err := o.Recommend(context.Background(), nil, "dairy loan in Gujarat")
	require.NoError(t, err)
	assert.Equal(t, 0, completer.count("decision"))
	assert.False(t, resp.FollowupNeeded)
	assert.Equal(t, "These fit", resp.Message)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Dairy support", resp.Results[0].Reason)
	assert.Equal(t, "Agriculture", resp.Results[0].Category)
}

func TestRecommendGateDeclines(t *testing.T) {
	retriever := &fakeRetriever{results: candidates(15)}
	completer := &scriptedCompleter{
		decision:       `{"followup_needed":false,"show_recommendations":true,"followup_question":null}`,
		recommendation: `{"message":"m","schemes":[],"too_vague":true}`,
	}
	o := NewOrchestrator(retriever, completer, nil, Config{}, zaptest.NewLogger(t))

	resp, err := o.Recommend(context.Background(), nil, "help")
	require.NoError(t, err)
	assert.Equal(t, 1, completer.count("decision"))
	assert.Equal(t, 1, completer.count("recommendation"))
	assert.False(t, resp.FollowupNeeded)
	assert.True(t, resp.TooVague)
	assert.NotNil(t, resp.Results)
}

func TestRecommendNoResults(t *testing.T) {
	completer := &scriptedCompleter{}
	o := NewOrchestrator(&fakeRetriever{}, completer, nil, Config{}, zaptest.NewLogger(t))

	resp, err := o.Recommend(context.Background(), nil, "space travel grant")
	require.NoError(t, err)
	assert.Equal(t, NoResultsMessage, resp.Message)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, completer.count("decision")+completer.count("recommendation"))
}

func TestRecommendErrors(t *testing.T) {
	o := NewOrchestrator(&fakeRetriever{}, &scriptedCompleter{}, nil, Config{}, zaptest.NewLogger(t))
	_, err := o.Recommend(context.Background(), []string{" "}, "")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	searchErr := errors.New("chroma down")
	o = NewOrchestrator(&fakeRetriever{err: searchErr}, &scriptedCompleter{}, nil, Config{}, zaptest.NewLogger(t))
	_, err = o.Recommend(context.Background(), nil, "loan")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRetrieval, stageErr.Stage)
	assert.ErrorIs(t, err, searchErr)

	o = NewOrchestrator(&fakeRetriever{results: candidates(3)}, &scriptedCompleter{recommendation: "Here you go!"}, nil, Config{}, zaptest.NewLogger(t))
	_, err = o.Recommend(context.Background(), nil, "loan")
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRecommendation, stageErr.Stage)
	assert.ErrorIs(t, err, synth.ErrParse)

	o = NewOrchestrator(&fakeRetriever{results: candidates(30)}, &scriptedCompleter{decision: "ask them"}, nil, Config{}, zaptest.NewLogger(t))
	_, err = o.Recommend(context.Background(), nil, "loan")
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageDecision, stageErr.Stage)
}

func TestRecommendCircuitBreakerOpens(t *testing.T) {
	llmErr := errors.New("upstream 500")
	completer := &scriptedCompleter{err: llmErr}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
	}, zaptest.NewLogger(t))
	o := NewOrchestrator(&fakeRetriever{results: candidates(2)}, completer, breaker, Config{}, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_, err := o.Recommend(context.Background(), nil, "loan")
		assert.ErrorIs(t, err, llmErr)
	}
	_, err := o.Recommend(context.Background(), nil, "loan")
	assert.ErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
}

func TestRefineCombinesQuery(t *testing.T) {
	retriever := &fakeRetriever{results: candidates(2)}
	completer := &scriptedCompleter{recommendation: `{"message":"m","schemes":[]}`}
	o := NewOrchestrator(retriever, completer, nil, Config{}, zaptest.NewLogger(t))

	_, err := o.Refine(context.Background(), "loan for farming", "I live in Gujarat")
	require.NoError(t, err)
	assert.Equal(t, "loan for farming. Additional context: I live in Gujarat", retriever.lastQuery())
}

func TestRequestTimeout(t *testing.T) {
	slow := synth.CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := NewOrchestrator(&fakeRetriever{results: candidates(2)}, slow, nil,
		Config{RequestTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	_, err := o.Recommend(context.Background(), nil, "loan")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMergeMatches(t *testing.T) {
	cands := candidates(3)
	cands[2].Link = ""

	got := MergeMatches(cands, []synth.Match{
		{ID: "scheme-3", Name: "ignored", Reason: "by id", Link: "https://example.org/3"},
		{Name: "  scheme   1 ", Reason: "by name"},
		{ID: "scheme-3", Reason: "duplicate"},
		{Name: "Unknown Scheme", Reason: "hallucinated", Link: "https://example.org/x"},
	})

	want := []scheme.Result{
		{ID: "scheme-3", Name: "Scheme 3", Category: "Agriculture", Reason: "by id", Link: "https://example.org/3", Score: cands[2].Score},
		{ID: "scheme-1", Name: "Scheme 1", Category: "Agriculture", Reason: "by name", Link: cands[0].Link, Score: cands[0].Score},
		{Name: "Unknown Scheme", Reason: "hallucinated", Link: "https://example.org/x"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged results mismatch (-want +got):\n%s", diff)
	}

	assert.NotNil(t, MergeMatches(cands, nil))
}
