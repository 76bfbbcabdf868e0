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

package scheme

import (
	"fmt"
	"strings"
)

const (
	// SummaryExcerptLength bounds the eligibility and purpose excerpts in a summary
	SummaryExcerptLength = 200
)

// Result is a scheme as returned to API callers: the flattened metadata
// read back from the vector store plus the LLM's justification.
type Result struct {
	ID                 string   `json:"id,omitempty"`
	Name               string   `json:"name"`
	Reason             string   `json:"reason,omitempty"`
	Link               string   `json:"link,omitempty"`
	Description        string   `json:"description,omitempty"`
	Eligibility        string   `json:"eligibility,omitempty"`
	Benefits           string   `json:"benefits,omitempty"`
	Exclusions         string   `json:"exclusions,omitempty"`
	Category           string   `json:"category,omitempty"`
	Beneficiaries      string   `json:"beneficiaries,omitempty"`
	BenefitType        string   `json:"benefitType,omitempty"`
	Department         string   `json:"department,omitempty"`
	Agency             string   `json:"agency,omitempty"`
	Level              string   `json:"level,omitempty"`
	State              string   `json:"state,omitempty"`
	AgeText            string   `json:"ageText,omitempty"`
	ApplicationProcess string   `json:"applicationProcess,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Links              string   `json:"links,omitempty"`
	Score              float64  `json:"score,omitempty"`
}

// MetadataToResult rebuilds a display record from flattened metadata
func MetadataToResult(md map[string]any) Result {
	get := func(key string) string {
		v, ok := md[key]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}

	r := Result{
		ID:                 get("id"),
		Name:               get("name"),
		Link:               get("link"),
		Description:        get("description"),
		Eligibility:        get("eligibility"),
		Benefits:           get("benefits"),
		Exclusions:         get("exclusions"),
		Category:           get("category"),
		Beneficiaries:      get("beneficiaries"),
		BenefitType:        get("benefitType"),
		Department:         get("department"),
		Agency:             get("agency"),
		Level:              get("level"),
		State:              get("state"),
		AgeText:            get("ageText"),
		ApplicationProcess: get("applicationProcess"),
		Links:              get("links"),
	}

	if tags := get("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				r.Tags = append(r.Tags, t)
			}
		}
	}

	if r.Link == "" {
		r.Link = firstLinkURL(r.Links)
	}

	return r
}

func firstLinkURL(links string) string {
	if links == "" {
		return ""
	}
	first := strings.SplitN(links, LinkDelimiter, 2)[0]
	if idx := strings.Index(first, "http"); idx >= 0 {
		return strings.TrimSpace(first[idx:])
	}
	return ""
}

// Summary renders a compact prose block used in LLM prompts. Keeping the
// candidate text short bounds the prompt size when many schemes are sent.
func (r Result) Summary() string {
	var b strings.Builder

	name := r.Name
	if r.ID != "" {
		name = fmt.Sprintf("%s [id: %s]", r.Name, r.ID)
	}
	b.WriteString(name)
	b.WriteString("\n")

	var sentences []string
	if r.Category != "" {
		sentences = append(sentences, fmt.Sprintf("%s scheme", r.Category))
	} else {
		sentences = append(sentences, "Government scheme")
	}

	switch {
	case r.State != "" && r.Level != "":
		sentences[0] += fmt.Sprintf(" available in %s (%s level)", r.State, strings.ToLower(r.Level))
	case r.State != "":
		sentences[0] += fmt.Sprintf(" available in %s", r.State)
	case r.Level != "":
		sentences[0] += fmt.Sprintf(" run at the %s level", strings.ToLower(r.Level))
	}

	if r.Beneficiaries != "" {
		sentences = append(sentences, "It is meant for "+r.Beneficiaries)
	}
	if r.Eligibility != "" {
		sentences = append(sentences, "Eligibility: "+Excerpt(r.Eligibility, SummaryExcerptLength))
	}
	if r.Description != "" {
		sentences = append(sentences, "Purpose: "+Excerpt(r.Description, SummaryExcerptLength))
	}
	if r.AgeText != "" {
		sentences = append(sentences, r.AgeText)
	}

	benefit := BenefitAmount(r.Benefits)
	if benefit == "" {
		benefit = BenefitAmount(r.Description)
	}
	switch {
	case benefit != "" && r.BenefitType != "":
		sentences = append(sentences, fmt.Sprintf("Benefit: %s (%s)", benefit, r.BenefitType))
	case benefit != "":
		sentences = append(sentences, "Benefit: "+benefit)
	case r.BenefitType != "":
		sentences = append(sentences, "Benefit type: "+r.BenefitType)
	}
	if r.Link != "" {
		sentences = append(sentences, "Link: "+r.Link)
	}

	for i, s := range sentences {
		s = strings.TrimRight(s, ". ")
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
		b.WriteString(".")
	}

	return b.String()
}

// Summarize renders summaries for a candidate list
func Summarize(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Summary()
	}
	return out
}

// Summary renders the prompt summary of a scheme straight from its record
func (s Scheme) Summary() string {
	return MetadataToResult(s.Metadata()).Summary()
}
