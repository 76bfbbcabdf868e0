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

// Package requestid assigns every HTTP request an id that is echoed in the
// X-Request-ID header, the access log and error bodies.
package requestid

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header carries the request id in both directions
const Header = "X-Request-ID"

// MaxLength bounds caller-supplied ids; longer ones are replaced
const MaxLength = 128

const contextKey = "request_id"

// Middleware keeps the caller's id when present and short enough, and
// generates a UUID otherwise
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(Header))
		if id == "" || len(id) > MaxLength {
			id = uuid.NewString()
		}
		c.Set(contextKey, id)
		c.Header(Header, id)
		c.Next()
	}
}

// Get returns the id assigned by Middleware, or "" outside it
func Get(c *gin.Context) string {
	return c.GetString(contextKey)
}
