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

package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore keeps one collection in a SQLite database. Vectors are stored
// as JSON and searched with a full cosine scan, which is fine for a corpus
// of a few thousand schemes.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	logger     *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath, collection string, logger *zap.Logger) (*SQLiteStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, collection: collection, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite vector store opened",
		zap.String("path", dbPath),
		zap.String("collection", collection))
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS collection_meta (
			name TEXT PRIMARY KEY,
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			document TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure implements Store
func (s *SQLiteStore) Ensure(ctx context.Context, model string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collection_meta (name, embedding_model) VALUES (?, ?)`,
		s.collection, model)
	if err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	return nil
}

// Reset implements Store
func (s *SQLiteStore) Reset(ctx context.Context, model string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, s.collection); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_meta WHERE name = ?`, s.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collection_meta (name, embedding_model) VALUES (?, ?)`, s.collection, model); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	s.logger.Info("Collection reset", zap.String("collection", s.collection), zap.String("model", model))
	return nil
}

// Count implements Store
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Upsert implements Store
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents (collection, id, document, embedding, metadata)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record has empty id")
		}
		vec, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding for %s: %w", r.ID, err)
		}
		md := r.Metadata
		if md == nil {
			md = map[string]any{}
		}
		mdJSON, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, s.collection, r.ID, r.Document, string(vec), string(mdJSON)); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Query implements Store
func (s *SQLiteStore) Query(ctx context.Context, embedding []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document, embedding, metadata FROM documents WHERE collection = ?`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m               Match
			vecJSON, mdJSON string
			vec             []float32
		)
		if err := rows.Scan(&m.ID, &m.Document, &vecJSON, &mdJSON); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(mdJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", m.ID, err)
		}
		m.Distance, err = CosineDistance(embedding, vec)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", m.ID, err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance == matches[j].Distance {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

// EmbeddingModel implements Store
func (s *SQLiteStore) EmbeddingModel(ctx context.Context) (string, error) {
	var model string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding_model FROM collection_meta WHERE name = ?`, s.collection).Scan(&model)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read collection model: %w", err)
	}
	return model, nil
}

// HealthCheck implements Store
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
