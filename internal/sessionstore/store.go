// Package sessionstore is a SQLite catalog of saved context sessions. The
// session files themselves are written by the engine; the catalog only records
// where they are and what produced them.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"llamactx/pkg/types"
)

// ErrNotFound is returned by Get for an unknown path.
var ErrNotFound = errors.New("session not found")

// Store is a SQLite-backed session catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			path TEXT PRIMARY KEY,
			context_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			token_size INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_saved ON sessions(saved_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts or replaces the entry for rec.Path. A zero SavedUnix is set to now.
func (s *Store) Record(ctx context.Context, rec types.SessionRecord) error {
	if rec.Path == "" {
		return errors.New("session path is empty")
	}
	if rec.SavedUnix == 0 {
		rec.SavedUnix = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (path, context_id, model, token_size, tokens, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			context_id = excluded.context_id,
			model = excluded.model,
			token_size = excluded.token_size,
			tokens = excluded.tokens,
			saved_at = excluded.saved_at`,
		rec.Path, rec.ContextID, rec.Model, rec.TokenSize, rec.Tokens, rec.SavedUnix)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// Get returns the entry for path.
func (s *Store) Get(ctx context.Context, path string) (types.SessionRecord, error) {
	var rec types.SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT path, context_id, model, token_size, tokens, saved_at FROM sessions WHERE path = ?`, path).
		Scan(&rec.Path, &rec.ContextID, &rec.Model, &rec.TokenSize, &rec.Tokens, &rec.SavedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// List returns all entries, most recently saved first.
func (s *Store) List(ctx context.Context) ([]types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, context_id, model, token_size, tokens, saved_at FROM sessions ORDER BY saved_at DESC, path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	out := []types.SessionRecord{}
	for rows.Next() {
		var rec types.SessionRecord
		if err := rows.Scan(&rec.Path, &rec.ContextID, &rec.Model, &rec.TokenSize, &rec.Tokens, &rec.SavedUnix); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the entry for path; deleting an unknown path is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
