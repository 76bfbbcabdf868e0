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

// Package myscheme downloads the scheme corpus from the myscheme.gov.in
// search and details APIs.
package myscheme

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/yojana-ai/internal/resilience"
)

const (
	DefaultSearchURL  = "https://api.myscheme.gov.in/search/v4/schemes"
	DefaultDetailsURL = "https://api.myscheme.gov.in/schemes/v5/public/schemes"
	// Origin is sent with every request; the API rejects calls without it
	Origin = "https://www.myscheme.gov.in"

	DefaultPageSize    = 100
	DefaultBatchSize   = 100
	DefaultConcurrency = 10
	DefaultBatchDelay  = time.Minute

	SchemesFile = "schemes.json"
	DetailsDir  = "scheme-details"
)

// Config configures a Fetcher
type Config struct {
	SearchURL   string
	DetailsURL  string
	APIKey      string
	Language    string
	PageSize    int
	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration
	OutputDir   string
}

func (c *Config) applyDefaults() {
	if c.SearchURL == "" {
		c.SearchURL = DefaultSearchURL
	}
	if c.DetailsURL == "" {
		c.DetailsURL = DefaultDetailsURL
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.OutputDir == "" {
		c.OutputDir = "./data"
	}
}

// StatusError is a non-200 response from the API
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("myscheme API returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Retryable reports whether the request may succeed on retry
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Fetcher downloads search pages and scheme details
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewFetcher creates a fetcher. httpClient may be nil.
func NewFetcher(cfg Config, httpClient *http.Client, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := resilience.DefaultBackoffConfig()
	backoff.MaxRetries = 3
	return &Fetcher{cfg: cfg, httpClient: httpClient, backoff: backoff, logger: logger}
}

// WithBackoff replaces the retry policy
func (f *Fetcher) WithBackoff(cfg resilience.BackoffConfig) *Fetcher {
	f.backoff = cfg
	return f
}

func (f *Fetcher) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	target := endpoint
	if strings.Contains(endpoint, "?") {
		target += "&" + params.Encode()
	} else {
		target += "?" + params.Encode()
	}

	return resilience.WithExponentialBackoff(ctx, f.logger, f.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Origin", Origin)
		if f.cfg.APIKey != "" {
			req.Header.Set("x-api-key", f.cfg.APIKey)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", endpoint, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: strings.TrimSpace(string(body))}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
		}
		return nil
	})
}

type searchPage struct {
	Data struct {
		Hits struct {
			Items []json.RawMessage `json:"items"`
			Page  struct {
				Total      int `json:"total"`
				Size       int `json:"size"`
				PageNumber int `json:"pageNumber"`
				TotalPages int `json:"totalPages"`
			} `json:"page"`
		} `json:"hits"`
	} `json:"data"`
}

// FetchSchemes pages through the search API. If a later page fails the
// items collected so far are returned together with the error.
func (f *Fetcher) FetchSchemes(ctx context.Context) ([]json.RawMessage, error) {
	var items []json.RawMessage
	from := 0

	for {
		params := url.Values{}
		params.Set("lang", f.cfg.Language)
		params.Set("from", strconv.Itoa(from))
		params.Set("size", strconv.Itoa(f.cfg.PageSize))

		f.logger.Info("Fetching scheme page", zap.Int("from", from))
		var page searchPage
		if err := f.get(ctx, f.cfg.SearchURL, params, &page); err != nil {
			return items, fmt.Errorf("search page at offset %d: %w", from, err)
		}

		hits := page.Data.Hits
		items = append(items, hits.Items...)

		step := hits.Page.Size
		if step <= 0 {
			step = len(hits.Items)
		}
		if len(hits.Items) == 0 || step == 0 || hits.Page.PageNumber >= hits.Page.TotalPages-1 {
			break
		}
		from += step
	}

	f.logger.Info("Fetched scheme list", zap.Int("schemes", len(items)))
	return items, nil
}

// WriteSchemes fetches the scheme list and writes it to <output>/schemes.json
func (f *Fetcher) WriteSchemes(ctx context.Context) (string, int, error) {
	items, err := f.FetchSchemes(ctx)
	if err != nil && len(items) == 0 {
		return "", 0, err
	}
	if err != nil {
		f.logger.Warn("Scheme list incomplete, writing what was fetched",
			zap.Int("schemes", len(items)), zap.Error(err))
	}

	path := filepath.Join(f.cfg.OutputDir, SchemesFile)
	if werr := writeJSON(path, items); werr != nil {
		return "", 0, werr
	}
	f.logger.Info("Wrote scheme list", zap.String("path", path), zap.Int("schemes", len(items)))
	return path, len(items), err
}

// Slugs extracts fields.slug from search items, skipping blanks
func Slugs(items []json.RawMessage) []string {
	slugs := make([]string, 0, len(items))
	for _, raw := range items {
		var item struct {
			Fields struct {
				Slug string `json:"slug"`
			} `json:"fields"`
		}
		if json.Unmarshal(raw, &item) != nil {
			continue
		}
		if slug := strings.TrimSpace(item.Fields.Slug); slug != "" {
			slugs = append(slugs, slug)
		}
	}
	return slugs
}

// ReadSlugs reads slugs from a schemes.json written by WriteSchemes
func ReadSlugs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheme list: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse scheme list %s: %w", path, err)
	}
	return Slugs(items), nil
}

// DetailsResult summarises a FetchDetails run
type DetailsResult struct {
	Batches int
	Schemes int
	Files   []string
}

// FetchDetails downloads details in batches, writing one file per batch to
// <output>/scheme-details. Slugs within a batch are fetched concurrently;
// a failed batch stops the run and later batches are not attempted.
func (f *Fetcher) FetchDetails(ctx context.Context, slugs []string) (*DetailsResult, error) {
	dir := filepath.Join(f.cfg.OutputDir, DetailsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create details directory: %w", err)
	}

	result := &DetailsResult{}
	total := (len(slugs) + f.cfg.BatchSize - 1) / f.cfg.BatchSize

	for b := 0; b < total; b++ {
		start := b * f.cfg.BatchSize
		batch := slugs[start:min(start+f.cfg.BatchSize, len(slugs))]
		f.logger.Info("Fetching scheme details batch",
			zap.Int("batch", b+1), zap.Int("batches", total), zap.Int("slugs", len(batch)))

		details, err := f.fetchBatch(ctx, batch)
		if err != nil {
			f.logger.Error("Details batch failed, aborting further batches",
				zap.Int("batch", b+1), zap.Error(err))
			return result, fmt.Errorf("batch %d/%d: %w", b+1, total, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("schemes-details-%d.json", b))
		if err := writeJSON(path, details); err != nil {
			return result, err
		}
		result.Batches++
		result.Schemes += len(details)
		result.Files = append(result.Files, path)

		if b < total-1 && f.cfg.BatchDelay > 0 {
			f.logger.Info("Waiting before next batch", zap.Duration("delay", f.cfg.BatchDelay))
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(f.cfg.BatchDelay):
			}
		}
	}
	return result, nil
}

func (f *Fetcher) fetchBatch(ctx context.Context, slugs []string) (map[string]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(slugs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, slug := range slugs {
		g.Go(func() error {
			params := url.Values{}
			params.Set("lang", f.cfg.Language)
			params.Set("slug", slug)

			var resp struct {
				Data json.RawMessage `json:"data"`
			}
			if err := f.get(gctx, f.cfg.DetailsURL, params, &resp); err != nil {
				return fmt.Errorf("details for %s: %w", slug, err)
			}
			raws[i] = resp.Data
			f.logger.Debug("Fetched scheme details", zap.String("slug", slug))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	details := make(map[string]json.RawMessage, len(slugs))
	for i, slug := range slugs {
		details[slug] = raws[i]
	}
	return details, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
