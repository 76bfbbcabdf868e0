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

// Package auth verifies Firebase ID tokens and guards the HTTP routes.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCertsURL publishes the x509 certificates that sign Firebase ID tokens
	DefaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	// IssuerPrefix is followed by the Firebase project id
	IssuerPrefix = "https://securetoken.google.com/"

	defaultCertsTTL = time.Hour
	// unknown kids trigger at most one refetch per interval while the
	// cached set is still fresh
	minRefreshInterval = time.Minute
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid ID token")
	ErrUnknownKey   = errors.New("token signed with unknown key")
)

// Claims are the Firebase ID token claims the service reads
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
}

// UID returns the Firebase user id
func (c *Claims) UID() string {
	return c.Subject
}

// Verifier checks Firebase ID tokens against Google's published certificates
type Verifier struct {
	projectID  string
	certsURL   string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	fetches singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
	fetched time.Time
}

// Option configures a Verifier
type Option func(*Verifier)

// WithCertsURL overrides the certificate endpoint
func WithCertsURL(url string) Option {
	return func(v *Verifier) {
		if url != "" {
			v.certsURL = url
		}
	}
}

// WithHTTPClient sets the client used to fetch certificates
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) { v.httpClient = client }
}

// WithClock replaces time.Now for token and cache expiry
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for a Firebase project
func NewVerifier(projectID string, logger *zap.Logger, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("firebase project id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Verifier{
		projectID:  projectID,
		certsURL:   DefaultCertsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses and validates an ID token: RS256 signature from a current
// Google key, audience and issuer bound to the project, unexpired, and a
// non-empty subject.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("%w: no kid header", ErrUnknownKey)
			}
			return v.publicKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuer(IssuerPrefix+v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims, nil
}

// publicKey returns the key for kid. An expired set is always refetched;
// an unknown kid against a fresh set refetches only when the last fetch is
// older than minRefreshInterval. Concurrent refetches share one request.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := v.now()
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := now.Before(v.expires)
	seen := v.fetched
	v.mu.RUnlock()

	if fresh {
		if ok {
			return key, nil
		}
		if !seen.IsZero() && now.Sub(seen) < minRefreshInterval {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
		}
	}

	_, err, _ := v.fetches.Do("certs", func() (interface{}, error) {
		v.mu.RLock()
		refreshed := !v.fetched.Equal(seen)
		v.mu.RUnlock()
		if refreshed {
			return nil, nil
		}
		return nil, v.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build certs request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch signing certificates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signing certificates returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return fmt.Errorf("failed to decode signing certificates: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, certPEM := range certs {
		key, err := parseCertificateKey(certPEM)
		if err != nil {
			v.logger.Warn("Skipping unusable signing certificate", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = key
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	v.mu.Lock()
	v.keys = keys
	v.fetched = v.now()
	v.expires = v.fetched.Add(ttl)
	v.mu.Unlock()

	v.logger.Debug("Refreshed signing certificates", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func parseCertificateKey(certPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not RSA")
	}
	return key, nil
}

// maxAge reads max-age from a Cache-Control header
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultCertsTTL
}
