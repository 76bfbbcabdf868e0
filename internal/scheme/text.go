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
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	boldPattern      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldAltPattern   = regexp.MustCompile(`__(.+?)__`)
	italicPattern    = regexp.MustCompile(`\*([^*\s][^*]*?)\*`)
	italicAltPattern = regexp.MustCompile(`(^|[^\w])_([^_\s][^_]*?)_([^\w]|$)`)
	markdownLink     = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	breakTag         = regexp.MustCompile(`(?i)<br\s*/?>`)
	listBullet       = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+`)
	whitespace       = regexp.MustCompile(`\s+`)
	amountPattern    = regexp.MustCompile(`(?i)(?:₹|\b(?:rs\.?|inr))\s?[\d,]+(?:\.\d+)?(?:\s?(?:lakh|lakhs|crore|crores|thousand))?`)
	sentenceBoundary = regexp.MustCompile(`[.!?]\s`)
)

// CleanText strips markdown and HTML noise from a free-text field and
// collapses whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}

	s = breakTag.ReplaceAllString(s, " ")
	s = listBullet.ReplaceAllString(s, "")
	s = boldPattern.ReplaceAllString(s, "$1")
	s = boldAltPattern.ReplaceAllString(s, "$1")
	s = italicPattern.ReplaceAllString(s, "$1")
	s = italicAltPattern.ReplaceAllString(s, "$1$2$3")
	s = markdownLink.ReplaceAllString(s, "$1 ( $2 )")
	s = whitespace.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// Excerpt returns at most maxRunes runes of s, cut at a sentence boundary
// when one exists inside the window.
func Excerpt(s string, maxRunes int) string {
	s = CleanText(s)
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}

	runes := []rune(s)
	window := string(runes[:maxRunes])
	if locs := sentenceBoundary.FindAllStringIndex(window, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		if last[0] > len(window)/2 {
			return window[:last[0]+1]
		}
	}
	return strings.TrimSpace(window) + "..."
}

// BenefitAmount extracts the first currency amount mentioned in s
func BenefitAmount(s string) string {
	return strings.TrimSpace(amountPattern.FindString(s))
}
