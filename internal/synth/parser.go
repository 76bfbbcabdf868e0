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

package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultMessage accompanies recommendations returned in the legacy bare-list shape
const DefaultMessage = "Here are some schemes that match your query:"

// ErrParse is wrapped by every ParseError
var ErrParse = errors.New("malformed LLM response")

// ParseError reports LLM output that does not match the expected schema
type ParseError struct {
	Kind    string
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %s (output: %q)", e.Kind, e.Reason, e.Snippet)
}

// Unwrap lets errors.Is match ErrParse
func (e *ParseError) Unwrap() error { return ErrParse }

// Match is one scheme picked by the LLM
type Match struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
	Link   string `json:"link,omitempty"`
}

// Recommendation is the canonical recommendation response
type Recommendation struct {
	Message  string  `json:"message"`
	Schemes  []Match `json:"schemes"`
	TooVague bool    `json:"too_vague,omitempty"`
}

// Decision is the follow-up gate response
type Decision struct {
	FollowupNeeded      bool    `json:"followup_needed"`
	ShowRecommendations bool    `json:"show_recommendations"`
	FollowupQuestion    *string `json:"followup_question"`
}

// Question returns the trimmed follow-up question, or "" when absent
func (d *Decision) Question() string {
	if d == nil || d.FollowupQuestion == nil {
		return ""
	}
	q := strings.TrimSpace(*d.FollowupQuestion)
	if strings.EqualFold(q, "null") {
		return ""
	}
	return q
}

const recommendationSchemaJSON = `{
	"type": "object",
	"required": ["message", "schemes"],
	"properties": {
		"message": {"type": "string"},
		"too_vague": {"type": "boolean"},
		"schemes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"id": {"type": ["string", "null"]},
					"name": {"type": "string", "minLength": 1},
					"reason": {"type": ["string", "null"]},
					"link": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

const decisionSchemaJSON = `{
	"type": "object",
	"required": ["followup_needed", "show_recommendations", "followup_question"],
	"properties": {
		"followup_needed": {"type": "boolean"},
		"show_recommendations": {"type": "boolean"},
		"followup_question": {"type": ["string", "null"]}
	}
}`

var (
	recommendationSchema = mustSchema(recommendationSchemaJSON)
	decisionSchema       = mustSchema(decisionSchemaJSON)

	openFencePattern = regexp.MustCompile("^```[a-zA-Z]*[ \\t]*\\n?")
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// StripCodeFence removes a leading ```lang line and a trailing ```.
// Either marker is stripped on its own, so output cut off before the
// closing fence still parses.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = openFencePattern.ReplaceAllString(s, "")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func snippet(s string) string {
	const max = 120
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func validate(kind string, schema *gojsonschema.Schema, doc []byte) *ParseError {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ParseError{Kind: kind, Reason: err.Error(), Snippet: snippet(string(doc))}
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return &ParseError{Kind: kind, Reason: strings.Join(errs, "; "), Snippet: snippet(string(doc))}
	}
	return nil
}

// ParseRecommendation parses a recommendation response. The canonical shape
// is {message, schemes, too_vague?}. A bare array is the legacy shape and is
// upgraded to the canonical object with DefaultMessage before validation.
// Anything else yields a *ParseError.
func ParseRecommendation(raw string) (*Recommendation, error) {
	body := []byte(StripCodeFence(raw))
	if len(body) == 0 {
		return nil, &ParseError{Kind: "recommendation", Reason: "empty output"}
	}
	if !json.Valid(body) {
		return nil, &ParseError{Kind: "recommendation", Reason: "not valid JSON", Snippet: snippet(string(body))}
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		upgraded, err := json.Marshal(struct {
			Message string          `json:"message"`
			Schemes json.RawMessage `json:"schemes"`
		}{DefaultMessage, trimmed})
		if err != nil {
			return nil, &ParseError{Kind: "recommendation", Reason: err.Error(), Snippet: snippet(string(body))}
		}
		body = upgraded
	}

	if perr := validate("recommendation", recommendationSchema, body); perr != nil {
		return nil, perr
	}

	var rec Recommendation
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &ParseError{Kind: "recommendation", Reason: err.Error(), Snippet: snippet(string(body))}
	}
	if rec.Schemes == nil {
		rec.Schemes = []Match{}
	}
	return &rec, nil
}

// ParseDecision parses the follow-up gate response strictly
func ParseDecision(raw string) (*Decision, error) {
	body := []byte(StripCodeFence(raw))
	if len(body) == 0 {
		return nil, &ParseError{Kind: "decision", Reason: "empty output"}
	}
	if !json.Valid(body) {
		return nil, &ParseError{Kind: "decision", Reason: "not valid JSON", Snippet: snippet(string(body))}
	}
	if perr := validate("decision", decisionSchema, body); perr != nil {
		return nil, perr
	}

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, &ParseError{Kind: "decision", Reason: err.Error(), Snippet: snippet(string(body))}
	}
	return &d, nil
}
