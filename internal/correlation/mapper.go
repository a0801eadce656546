// ABOUTME: Maps an external system's correlation id to the internal conversation identity.
// ABOUTME: Cache-aside against a TTL'd KV store; ids are hash-derived so they are deterministic and debuggable.

package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dethon/agent-relay/internal/store"
)

// MappingTTL is how long a correlation mapping survives without activity.
// Every successful lookup refreshes it.
const MappingTTL = 30 * 24 * time.Hour

// Mapping is the resolved internal identity for an external correlation id.
type Mapping struct {
	ChatID   int64
	ThreadID int64
	TopicID  string
}

// Mapper resolves (externalId, agentId) pairs to internal identities.
//
// Namespacing the key by agentId guarantees that two agents referencing the
// same external id get independent internal identities. The store is the
// source of truth; the chatId→externalId reverse index is an in-process
// cache that avoids a second KV round-trip when routing responses, and is
// eventually consistent with the store by design.
type Mapper struct {
	store store.Store
	ttl   time.Duration

	mu           sync.RWMutex
	externalByCh map[int64]string

	logger *slog.Logger
}

// NewMapper creates a mapper over s with the default TTL.
func NewMapper(s store.Store, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		store:        s,
		ttl:          MappingTTL,
		externalByCh: make(map[int64]string),
		logger:       logger.With("component", "correlation-mapper"),
	}
}

// GetOrCreateMapping resolves the internal identity for the pair, creating
// and persisting one on first sight. On a hit the mapping is re-saved to
// refresh its TTL. isNew reports whether the identity was created by this
// call.
func (m *Mapper) GetOrCreateMapping(ctx context.Context, externalID, agentID string) (Mapping, bool, error) {
	key := mappingKey(agentID, externalID)

	cached, err := m.store.GetMapping(ctx, key)
	if err == nil {
		// Refresh the TTL on every successful lookup.
		if err := m.store.PutMapping(ctx, key, cached, m.ttl); err != nil {
			m.logger.Warn("failed to refresh mapping TTL", "key", key, "error", err)
		}
		m.index(cached.ChatID, externalID)
		return Mapping{ChatID: cached.ChatID, ThreadID: cached.ThreadID, TopicID: cached.TopicID}, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Mapping{}, false, fmt.Errorf("looking up mapping: %w", err)
	}

	mapping := deriveMapping(agentID, externalID)

	if err := m.store.SaveTopic(ctx, &store.Topic{
		ID:       mapping.TopicID,
		AgentID:  agentID,
		ChatID:   mapping.ChatID,
		ThreadID: mapping.ThreadID,
	}); err != nil {
		return Mapping{}, false, fmt.Errorf("persisting topic: %w", err)
	}

	record := &store.CorrelationMapping{
		ExternalID: externalID,
		AgentID:    agentID,
		ChatID:     mapping.ChatID,
		ThreadID:   mapping.ThreadID,
		TopicID:    mapping.TopicID,
	}
	if err := m.store.PutMapping(ctx, key, record, m.ttl); err != nil {
		return Mapping{}, false, fmt.Errorf("persisting mapping: %w", err)
	}

	m.index(mapping.ChatID, externalID)
	m.logger.Info("correlation mapping created",
		"external_id", externalID,
		"agent_id", agentID,
		"chat_id", mapping.ChatID,
		"topic_id", mapping.TopicID)
	return mapping, true, nil
}

// GetExternalIDByChatID resolves the external id for a chat without a KV
// round-trip. Only chats seen by this process are indexed.
func (m *Mapper) GetExternalIDByChatID(chatID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	externalID, ok := m.externalByCh[chatID]
	return externalID, ok
}

func (m *Mapper) index(chatID int64, externalID string) {
	m.mu.Lock()
	m.externalByCh[chatID] = externalID
	m.mu.Unlock()
}

// mappingKey namespaces the external id by agent so identical external ids
// under different agents never collide.
func mappingKey(agentID, externalID string) string {
	sum := sha256.Sum256([]byte(agentID + "\x00" + externalID))
	return "corr:" + hex.EncodeToString(sum[:16])
}

// deriveMapping generates the internal identity from the same hash that
// keys the mapping, so a given pair always derives the same ids and an
// operator can reproduce them from the inputs.
func deriveMapping(agentID, externalID string) Mapping {
	sum := sha256.Sum256([]byte(agentID + "\x00" + externalID))

	chatID := int64(binary.BigEndian.Uint64(sum[0:8]) &^ (1 << 63))
	threadID := int64(binary.BigEndian.Uint64(sum[8:16]) &^ (1 << 63))
	topicID := "topic-" + hex.EncodeToString(sum[16:24])

	return Mapping{ChatID: chatID, ThreadID: threadID, TopicID: topicID}
}
