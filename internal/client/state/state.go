// Package state persists the client runtime's per-browser identity and
// bounded conversation history in a local SQLite database.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pagemate/pagemate/internal/conversation"
)

const (
	keyUserID  = "userId"
	keyHistory = "conversationHistory"
)

// Store is a small key-value store backed by SQLite. Safe for
// concurrent use through the underlying *sql.DB.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: close database: %w", err)
	}
	return nil
}

// UserID returns the persistent per-browser identifier, generating and
// storing one on first call.
func (s *Store) UserID(ctx context.Context) (string, error) {
	id, err := s.get(ctx, keyUserID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.New().String()
	if err := s.set(ctx, keyUserID, id); err != nil {
		return "", err
	}
	return id, nil
}

// History loads the stored conversation history. A missing entry
// yields an empty history.
func (s *Store) History(ctx context.Context) ([]conversation.Turn, error) {
	raw, err := s.get(ctx, keyHistory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var turns []conversation.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("state: decode history: %w", err)
	}
	return turns, nil
}

// SaveHistory stores the history, truncated to the bounded window.
func (s *Store) SaveHistory(ctx context.Context, turns []conversation.Turn) error {
	turns = conversation.Truncate(turns, conversation.MaxTurns)
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("state: encode history: %w", err)
	}
	return s.set(ctx, keyHistory, string(raw))
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("state: read %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("state: write %q: %w", key, err)
	}
	return nil
}
