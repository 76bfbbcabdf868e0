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

// Package scheme defines the welfare scheme data model and the loaders that
// normalize heterogeneous corpus records into flat, indexable form.
package scheme

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TextOrList holds a field that upstream sources deliver either as a single
// string or as a list of strings. It is decoded once at the data-model
// boundary so the rest of the code never branches on the JSON shape.
type TextOrList struct {
	values []string
}

// NewText builds a TextOrList from a single string
func NewText(s string) TextOrList {
	return NewList(s)
}

// NewList builds a TextOrList from a list of strings, dropping blanks
func NewList(values ...string) TextOrList {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return TextOrList{values: out}
}

// UnmarshalJSON accepts a string, an array of strings, an array of
// {"label": ...} objects, or null.
func (t *TextOrList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = TextOrList{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = NewText(s)
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		var values []string
		for _, item := range raw {
			var s string
			if err := json.Unmarshal(item, &s); err == nil {
				values = append(values, s)
				continue
			}
			var labelled struct {
				Label string `json:"label"`
			}
			if err := json.Unmarshal(item, &labelled); err != nil {
				return fmt.Errorf("unsupported list element %s", string(item))
			}
			values = append(values, labelled.Label)
		}
		*t = NewList(values...)
		return nil
	case '{':
		var labelled struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal(data, &labelled); err != nil {
			return err
		}
		*t = NewText(labelled.Label)
		return nil
	default:
		return fmt.Errorf("expected string or list, got %s", string(data))
	}
}

// MarshalJSON always renders a list
func (t TextOrList) MarshalJSON() ([]byte, error) {
	if t.values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.values)
}

// Values returns the individual values
func (t TextOrList) Values() []string {
	return append([]string(nil), t.values...)
}

// Joined renders the values as a comma-separated string
func (t TextOrList) Joined() string {
	return strings.Join(t.values, ", ")
}

// IsEmpty reports whether there are no values
func (t TextOrList) IsEmpty() bool {
	return len(t.values) == 0
}

// AgeRange is an inclusive age bound; a nil side is open
type AgeRange struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// Link is a titled reference URL
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Scheme is a single normalized welfare scheme record
type Scheme struct {
	ID                 string              `json:"id"`
	Slug               string              `json:"slug,omitempty"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Eligibility        string              `json:"eligibility"`
	Benefits           string              `json:"benefits,omitempty"`
	Exclusions         string              `json:"exclusions,omitempty"`
	Category           TextOrList          `json:"category"`
	Beneficiaries      TextOrList          `json:"beneficiaries"`
	BenefitType        string              `json:"benefitType,omitempty"`
	Department         string              `json:"department,omitempty"`
	Agency             string              `json:"agency,omitempty"`
	Level              string              `json:"level,omitempty"`
	State              string              `json:"state,omitempty"`
	Tags               TextOrList          `json:"tags"`
	AgeEligibility     map[string]AgeRange `json:"age,omitempty"`
	ApplicationProcess []string            `json:"applicationProcess,omitempty"`
	References         []Link              `json:"references,omitempty"`
	Link               string              `json:"link,omitempty"`
}

// IsZero reports whether the record carries no usable content
func (s Scheme) IsZero() bool {
	return s.ID == "" && s.Name == ""
}

// AgeText renders the age map as "Eligible age: CATEGORY: min to max" clauses
func (s Scheme) AgeText() string {
	if len(s.AgeEligibility) == 0 {
		return ""
	}

	categories := make([]string, 0, len(s.AgeEligibility))
	for category := range s.AgeEligibility {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	clauses := make([]string, 0, len(categories))
	for _, category := range categories {
		r := s.AgeEligibility[category]
		clauses = append(clauses, fmt.Sprintf("Eligible age: %s: %s to %s",
			strings.ToUpper(category), boundText(r.Min), boundText(r.Max)))
	}
	return strings.Join(clauses, "; ")
}

func boundText(v *int) string {
	if v == nil {
		return "any"
	}
	return fmt.Sprintf("%d", *v)
}

// EmbeddingText concatenates the searchable fields into one string
func (s Scheme) EmbeddingText() string {
	parts := []string{
		CleanText(s.Name),
		CleanText(s.Description),
		CleanText(s.Eligibility),
		s.Category.Joined(),
		CleanText(s.Department),
		CleanText(s.BenefitType),
		s.AgeText(),
	}

	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, EmbeddingDelimiter)
}

// EmbeddingDelimiter separates fields in EmbeddingText
const EmbeddingDelimiter = " - "

// Metadata flattens the record into primitive values only. The vector store
// metadata schema rejects lists and nested objects.
func (s Scheme) Metadata() map[string]any {
	md := map[string]any{
		"id":            s.ID,
		"name":          CleanText(s.Name),
		"description":   CleanText(s.Description),
		"eligibility":   CleanText(s.Eligibility),
		"category":      s.Category.Joined(),
		"beneficiaries": s.Beneficiaries.Joined(),
		"tags":          s.Tags.Joined(),
		"ageText":       s.AgeText(),
	}

	optional := map[string]string{
		"slug":               s.Slug,
		"benefits":           CleanText(s.Benefits),
		"exclusions":         CleanText(s.Exclusions),
		"benefitType":        s.BenefitType,
		"department":         s.Department,
		"agency":             s.Agency,
		"level":              s.Level,
		"state":              s.State,
		"link":               s.Link,
		"applicationProcess": CleanText(strings.Join(s.ApplicationProcess, " ")),
		"links":              joinLinks(s.References),
	}
	for k, v := range optional {
		if v != "" {
			md[k] = v
		}
	}

	return md
}

func joinLinks(links []Link) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		if l.URL == "" {
			continue
		}
		title := strings.TrimSpace(l.Title)
		if title == "" {
			title = l.URL
		}
		parts = append(parts, title+": "+l.URL)
	}
	return strings.Join(parts, LinkDelimiter)
}

// LinkDelimiter separates references in flattened metadata
const LinkDelimiter = " | "
