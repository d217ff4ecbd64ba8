// Package store is the embedded relational store backing the coordination
// server. A single SQLite file holds sessions, checkpoints, context samples,
// reality snapshots, projects, blockers, symbols, agent decisions, quick
// actions and document metadata. All multi-row writes for one operation run
// inside one transaction; any write failure surfaces as a storage error and
// nothing is published to observables.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"steward/internal/logging"
	"steward/internal/sterrors"
)

// Store owns the SQLite connection. SQLite serializes writers; the connection
// pool is pinned to one connection so every write transaction is exclusive.
type Store struct {
	db     *sql.DB
	path   string
	logger logging.Logger
}

// Open initializes the database file at path, applying pragmas and pending
// migrations.
func Open(path string, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("pragma failed: %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store ready at %s (schema v%d)", path, currentSchemaVersion)
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the connection is alive. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside a single exclusive write transaction. Errors from fn roll
// the transaction back; commit and rollback failures surface as StorageError.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sterrors.Storage(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed: %v (after: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return sterrors.Storage(err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so entity helpers can be
// reused inside and outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func unmarshalJSON[T any](raw string) T {
	var out T
	if raw == "" || raw == "null" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := sterrors.As(err); ok {
		return typed
	}
	return sterrors.Storage(err)
}
