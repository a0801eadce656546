// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides topic/correlation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		chat_id    INTEGER NOT NULL,
		thread_id  INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_topics_chat ON topics(chat_id);

	CREATE TABLE IF NOT EXISTS correlations (
		key         TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		chat_id     INTEGER NOT NULL,
		thread_id   INTEGER NOT NULL,
		topic_id    TEXT NOT NULL,
		expires_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_expiry ON correlations(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTopic inserts or replaces the topic record.
func (s *SQLiteStore) SaveTopic(ctx context.Context, t *Topic) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, agent_id, chat_id, thread_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			chat_id = excluded.chat_id,
			thread_id = excluded.thread_id`,
		t.ID, t.AgentID, t.ChatID, t.ThreadID, createdAt)
	if err != nil {
		return fmt.Errorf("saving topic: %w", err)
	}
	return nil
}

// GetTopic retrieves the topic record by id.
func (s *SQLiteStore) GetTopic(ctx context.Context, id string) (*Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, chat_id, thread_id, created_at
		FROM topics WHERE id = ?`, id).
		Scan(&t.ID, &t.AgentID, &t.ChatID, &t.ThreadID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting topic: %w", err)
	}
	return &t, nil
}

// PutMapping writes or refreshes a correlation mapping under key.
func (s *SQLiteStore) PutMapping(ctx context.Context, key string, m *CorrelationMapping, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlations (key, external_id, agent_id, chat_id, thread_id, topic_id, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			external_id = excluded.external_id,
			agent_id = excluded.agent_id,
			chat_id = excluded.chat_id,
			thread_id = excluded.thread_id,
			topic_id = excluded.topic_id,
			expires_at = excluded.expires_at`,
		key, m.ExternalID, m.AgentID, m.ChatID, m.ThreadID, m.TopicID, expiresAt)
	if err != nil {
		return fmt.Errorf("putting mapping: %w", err)
	}
	return nil
}

// GetMapping retrieves a correlation mapping, treating expired rows as
// missing. Expired rows are deleted lazily.
func (s *SQLiteStore) GetMapping(ctx context.Context, key string) (*CorrelationMapping, error) {
	var m CorrelationMapping
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id, agent_id, chat_id, thread_id, topic_id, expires_at
		FROM correlations WHERE key = ?`, key).
		Scan(&m.ExternalID, &m.AgentID, &m.ChatID, &m.ThreadID, &m.TopicID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mapping: %w", err)
	}

	if time.Now().UTC().After(expiresAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE key = ?`, key); err != nil {
			s.logger.Warn("failed to delete expired mapping", "key", key, "error", err)
		}
		return nil, ErrNotFound
	}
	return &m, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
