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

package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/resilience"
)

// UIDKey is the gin context key holding the verified uid
const UIDKey = "uid"

// TokenVerifier verifies bearer tokens
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// UID returns the verified uid, or "" when the request is unauthenticated
func UID(c *gin.Context) string {
	return c.GetString(UIDKey)
}

// Middleware rejects requests without a valid Firebase ID token
func Middleware(verifier TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			logger.Debug("Missing authorization token", zap.String("path", c.FullPath()))
			resilience.AbortWithError(c, resilience.NewUnauthorizedError("Authorization token required", ErrMissingToken))
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			logger.Warn("Invalid token", zap.String("path", c.FullPath()), zap.Error(err))
			resilience.AbortWithError(c, resilience.NewUnauthorizedError("Invalid or expired token", err))
			return
		}

		c.Set(UIDKey, claims.UID())
		c.Next()
	}
}

// RequireAdmin allows only the listed uids. An empty list admits every
// authenticated caller.
func RequireAdmin(adminUIDs []string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	admins := make(map[string]bool, len(adminUIDs))
	for _, uid := range adminUIDs {
		if uid = strings.TrimSpace(uid); uid != "" {
			admins[uid] = true
		}
	}

	return func(c *gin.Context) {
		if len(admins) == 0 {
			c.Next()
			return
		}
		uid := UID(c)
		if !admins[uid] {
			logger.Warn("Rejected non-admin caller", zap.String("uid", uid), zap.String("path", c.FullPath()))
			resilience.AbortWithError(c, resilience.NewForbiddenError("Administrator access required", nil))
			return
		}
		c.Next()
	}
}
