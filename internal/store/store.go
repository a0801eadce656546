// ABOUTME: Store interface and shared types for topic metadata and correlation mappings.
// ABOUTME: The sqlite implementation is the only one; tests use :memory:.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist (or its TTL expired).
var ErrNotFound = errors.New("record not found")

// Topic is the persisted metadata for one logical conversation.
type Topic struct {
	ID        string
	AgentID   string
	ChatID    int64
	ThreadID  int64
	CreatedAt time.Time
}

// CorrelationMapping links an external system's correlation id to the
// internally generated conversation identity. Persisted with a TTL that is
// refreshed on every successful lookup.
type CorrelationMapping struct {
	ExternalID string
	AgentID    string
	ChatID     int64
	ThreadID   int64
	TopicID    string
}

// Store persists topics and correlation mappings across process restarts.
type Store interface {
	SaveTopic(ctx context.Context, t *Topic) error
	GetTopic(ctx context.Context, id string) (*Topic, error)

	// PutMapping writes or refreshes a mapping under key with the given TTL.
	PutMapping(ctx context.Context, key string, m *CorrelationMapping, ttl time.Duration) error
	// GetMapping returns ErrNotFound for missing or expired keys.
	GetMapping(ctx context.Context, key string) (*CorrelationMapping, error)

	Close() error
}
