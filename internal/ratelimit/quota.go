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

// Package ratelimit enforces per-caller fixed-window request quotas.
package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Quota allows Limit requests per Window
type Quota struct {
	Limit  int
	Window time.Duration
}

func (q Quota) String() string {
	return fmt.Sprintf("%d/%s", q.Limit, q.Window)
}

var quotaPattern = regexp.MustCompile(`^(\d+)\s*/\s*(second|minute|hour|day)s?$`)

var units = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseQuotas parses a ";"-separated list such as "5/minute;50/day"
func ParseQuotas(spec string) ([]Quota, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("empty quota")
	}

	parts := strings.Split(spec, ";")
	quotas := make([]Quota, 0, len(parts))
	for _, part := range parts {
		m := quotaPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(part)))
		if m == nil {
			return nil, fmt.Errorf("invalid quota %q", part)
		}
		limit, err := strconv.Atoi(m[1])
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid quota limit %q", part)
		}
		quotas = append(quotas, Quota{Limit: limit, Window: units[m[2]]})
	}
	return quotas, nil
}
