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

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/yojana-ai/internal/auth"
	"github.com/your-org/yojana-ai/internal/requestid"
	"github.com/your-org/yojana-ai/internal/resilience"
)

func TestParseQuotas(t *testing.T) {
	got, err := ParseQuotas("5/minute;50/day")
	require.NoError(t, err)
	assert.Equal(t, []Quota{{5, time.Minute}, {50, 24 * time.Hour}}, got)

	got, err = ParseQuotas(" 10 / Hours ")
	require.NoError(t, err)
	assert.Equal(t, []Quota{{10, time.Hour}}, got)

	for _, bad := range []string{"", "5/fortnight", "5/minute;", "0/day", "five/minute", "5 per minute"} {
		_, err := ParseQuotas(bad)
		assert.Error(t, err, bad)
	}
}

// fixedClock starts at the beginning of a UTC day so windows are predictable
func fixedClock(l *Limiter) *time.Time {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return &now
}

func TestLimiterMemory(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), zaptest.NewLogger(t))
	now := fixedClock(l)
	*now = now.Add(15 * time.Second)
	quotas := []Quota{{2, time.Minute}, {3, 24 * time.Hour}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "recommend", "uid:a", quotas)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Allow(ctx, "recommend", "uid:a", quotas)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.Quota.Window)
	assert.Equal(t, 45*time.Second, d.RetryAfter)

	other, err := l.Allow(ctx, "recommend", "uid:b", quotas)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "identities are counted separately")

	*now = now.Add(time.Minute)
	d, err = l.Allow(ctx, "recommend", "uid:a", quotas)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "daily quota already used by the rejected hit")
	assert.Equal(t, 24*time.Hour, d.Quota.Window)
}

func TestLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	l := NewLimiter(store, zaptest.NewLogger(t))
	fixedClock(l)
	quotas := []Quota{{1, 24 * time.Hour}}
	ctx := context.Background()

	require.NoError(t, l.Ping(ctx))

	d, err := l.Allow(ctx, "reindex", "uid:admin", quotas)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 24*time.Hour, mr.TTL(keys[0]))

	d, err = l.Allow(ctx, "reindex", "uid:admin", quotas)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 24*time.Hour, d.RetryAfter)

	mr.FastForward(25 * time.Hour)
	assert.False(t, mr.Exists(keys[0]), "window key expires")
}

func TestRedisStoreErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()

	_, err := store.Increment(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))

	_, err = NewRedisStore("not-a-url")
	assert.Error(t, err)
}

type failingStore struct{ MemoryStore }

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(NewMemoryStore(), zaptest.NewLogger(t))
	fixedClock(l)

	router := gin.New()
	router.Use(requestid.Middleware())
	setUID := func(c *gin.Context) {
		if uid := c.GetHeader("X-Test-UID"); uid != "" {
			c.Set(auth.UIDKey, uid)
		}
		c.Next()
	}
	router.POST("/recommend", setUID, l.Middleware("recommend", []Quota{{1, time.Minute}}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	call := func(uid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/recommend", nil)
		req.Header.Set("X-Test-UID", uid)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("alice").Code)
	w := call("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, strconv.Itoa(60), w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "TOO_MANY_REQUESTS")
	assert.Contains(t, w.Body.String(), "1 per minute")
	var body resilience.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, w.Header().Get(requestid.Header), body.RequestID)

	assert.Equal(t, http.StatusOK, call("bob").Code)
	assert.Equal(t, http.StatusOK, call("").Code, "anonymous callers are keyed by IP")
	assert.Equal(t, http.StatusTooManyRequests, call("").Code)

	open := NewLimiter(&failingStore{}, zaptest.NewLogger(t))
	router = gin.New()
	router.POST("/recommend", open.Middleware("recommend", []Quota{{1, time.Minute}}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recommend", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
