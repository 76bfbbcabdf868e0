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

package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func serve(t *testing.T, incoming string) (header, seen string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/", func(c *gin.Context) {
		seen = Get(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if incoming != "" {
		req.Header.Set(Header, incoming)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Header().Get(Header), seen
}

func TestMiddleware(t *testing.T) {
	header, seen := serve(t, "req-123")
	assert.Equal(t, "req-123", header)
	assert.Equal(t, "req-123", seen)

	for name, incoming := range map[string]string{
		"absent":   "",
		"blank":    "   ",
		"too long": strings.Repeat("x", MaxLength+1),
	} {
		t.Run(name, func(t *testing.T) {
			header, seen := serve(t, incoming)
			_, err := uuid.Parse(header)
			assert.NoError(t, err, "generated id is a UUID")
			assert.Equal(t, header, seen)
		})
	}
}

func TestGetOutsideMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, Get(c))
}
