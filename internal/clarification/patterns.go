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
	"regexp"
	"strings"
)

// Context areas a scheme query can leave out
const (
	AreaLocation   = "location"
	AreaSector     = "sector"
	AreaAmount     = "amount"
	AreaAge        = "age"
	AreaOccupation = "occupation"
)

// contextRule detects whether a query already covers an area
type contextRule struct {
	Area     string
	Terms    []string
	Patterns []*regexp.Regexp
}

func (r contextRule) covered(queryLower string) bool {
	for _, term := range r.Terms {
		if containsWord(queryLower, term) {
			return true
		}
	}
	for _, p := range r.Patterns {
		if p.MatchString(queryLower) {
			return true
		}
	}
	return false
}

// containsWord matches term on word boundaries so "ap" does not match "apply"
func containsWord(text, term string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

var indianStates = []string{
	"andhra pradesh", "arunachal pradesh", "assam", "bihar", "chhattisgarh", "goa", "gujarat",
	"haryana", "himachal pradesh", "jharkhand", "karnataka", "kerala", "madhya pradesh",
	"maharashtra", "manipur", "meghalaya", "mizoram", "nagaland", "odisha", "punjab",
	"rajasthan", "sikkim", "tamil nadu", "telangana", "tripura", "uttar pradesh",
	"uttarakhand", "west bengal", "delhi", "jammu", "kashmir", "ladakh", "puducherry",
	"chandigarh", "lakshadweep", "andaman", "dadra", "daman",
}

func buildContextRules() []contextRule {
	return []contextRule{
		{
			Area:  AreaLocation,
			Terms: append([]string{"village", "rural", "urban", "city", "district", "state", "anywhere in india", "all india"}, indianStates...),
		},
		{
			Area: AreaSector,
			Terms: []string{
				"agriculture", "farm", "farmer", "farming", "dairy", "fisheries", "fish", "livestock",
				"education", "student", "scholarship", "health", "medical", "hospital", "housing", "house",
				"business", "startup", "enterprise", "msme", "loan", "pension", "insurance", "skill",
				"training", "employment", "job", "women", "disability", "disabled", "sports", "energy",
			},
		},
		{
			Area: AreaAmount,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(₹|\brs\.?|\binr\b)\s?[\d,]+`),
				regexp.MustCompile(`\b\d[\d,]*\s?(lakh|lakhs|crore|crores|thousand|k)\b`),
			},
		},
		{
			Area:  AreaAge,
			Terms: []string{"senior citizen", "elderly", "old age", "child", "children", "youth", "minor"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{1,3}\s?(years?|yrs?)(\s?old)?\b`),
				regexp.MustCompile(`\baged?\s\d{1,3}\b`),
			},
		},
		{
			Area: AreaOccupation,
			Terms: []string{
				"farmer", "student", "worker", "labourer", "laborer", "artisan", "weaver", "fisherman",
				"entrepreneur", "self-employed", "self employed", "unemployed", "vendor", "teacher",
				"retired", "homemaker", "widow", "driver",
			},
		},
	}
}
