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

package clarification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/yojana-ai/internal/synth"
)

func TestAnalyzer_MissingContext(t *testing.T) {
	analyzer := NewAnalyzer()

	tests := []struct {
		query string
		want  []string
	}{
		{"help", []string{AreaLocation, AreaSector, AreaAmount, AreaAge, AreaOccupation}},
		{"I need a loan for my dairy farm in Gujarat", []string{AreaAmount, AreaAge, AreaOccupation}},
		{"I am a 62 years old retired teacher in Kerala looking for pension", []string{AreaAmount}},
		{"Scholarship of Rs 50,000 for a student", []string{AreaLocation, AreaAge}},
		{"2 lakh loan for fisherman in Tamil Nadu aged 30", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, analyzer.MissingContext(tt.query))
		})
	}
}

func TestContainsWord(t *testing.T) {
	assert.True(t, containsWord("farm in goa", "goa"))
	assert.False(t, containsWord("goal setting", "goa"))
	assert.True(t, containsWord("goal in goa", "goa"))
	assert.False(t, containsWord("", "goa"))
}

func TestGate_ShouldConsult(t *testing.T) {
	gate := NewGate(0, 0, nil)
	assert.Equal(t, DefaultThreshold, gate.Threshold)
	assert.False(t, gate.ShouldConsult(10))
	assert.True(t, gate.ShouldConsult(11))

	strict := NewGate(3, 0, nil)
	assert.True(t, strict.ShouldConsult(4))
	assert.False(t, strict.ShouldConsult(3))
}

func TestGate_Decide(t *testing.T) {
	var gotInstructions, gotPrompt string
	completer := synth.CompleterFunc(func(ctx context.Context, instructions, prompt string) (string, error) {
		gotInstructions, gotPrompt = instructions, prompt
		return `{"followup_needed":true,"show_recommendations":false,"followup_question":"Which state are you in?"}`, nil
	})

	gate := NewGate(10, 0, zaptest.NewLogger(t))
	decision, err := gate.Decide(context.Background(), completer, "loan", []string{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, synth.DecisionInstructions, gotInstructions)
	assert.Contains(t, gotPrompt, `User Query: "loan"`)
	assert.Contains(t, gotPrompt, "Details the user has not mentioned: location, amount, age, occupation")
	assert.True(t, decision.FollowupNeeded)
	assert.Equal(t, "Which state are you in?", decision.Question())
}

func TestGate_DecideErrors(t *testing.T) {
	gate := NewGate(10, 0, zaptest.NewLogger(t))

	malformed := synth.CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "Which state are you in?", nil
	})
	_, err := gate.Decide(context.Background(), malformed, "loan", nil)
	var perr *synth.ParseError
	assert.True(t, errors.As(err, &perr))

	upstream := errors.New("llm unavailable")
	failing := synth.CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "", upstream
	})
	_, err = gate.Decide(context.Background(), failing, "loan", nil)
	assert.True(t, errors.Is(err, upstream))

	called := false
	unused := synth.CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
		called = true
		return "", nil
	})
	_, err = gate.Decide(context.Background(), unused, "  ", []string{"A"})
	assert.True(t, errors.Is(err, synth.ErrInvalidPrompt))
	assert.False(t, called, "a blank query never reaches the LLM")
}
