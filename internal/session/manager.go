// ABOUTME: Binds active topics to their (agentId, chatId, threadId) identity.
// ABOUTME: Keeps a chatId reverse index for the hot-path response routing lookup.

package session

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionNotFound indicates no session is bound for the given topic.
var ErrSessionNotFound = errors.New("session not found")

// Session is the in-memory binding of a topic to its routing identity.
// It outlives any single stream on the topic and is destroyed explicitly
// on end-of-session.
type Session struct {
	TopicID  string
	AgentID  string
	ChatID   int64
	ThreadID int64
}

// Manager owns the topic→session map and the chatId→topicId reverse index.
// No other component mutates either.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	topicByCh map[int64]string
	logger    *slog.Logger
}

// NewManager creates a session manager. Pass nil logger for the default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		topicByCh: make(map[int64]string),
		logger:    logger.With("component", "session-manager"),
	}
}

// StartSession binds the topic. Rebinding an existing topic replaces the
// previous binding and its reverse-index entry.
func (m *Manager) StartSession(topicID, agentID string, chatID, threadID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[topicID]; ok && prev.ChatID != 0 {
		delete(m.topicByCh, prev.ChatID)
	}
	m.sessions[topicID] = &Session{
		TopicID:  topicID,
		AgentID:  agentID,
		ChatID:   chatID,
		ThreadID: threadID,
	}
	// chat id zero means the surface has no chat coordinate (web, cli)
	if chatID != 0 {
		m.topicByCh[chatID] = topicID
	}

	m.logger.Debug("session started",
		"topic_id", topicID,
		"agent_id", agentID,
		"chat_id", chatID,
		"thread_id", threadID)
}

// EndSession removes the binding in both directions.
func (m *Manager) EndSession(topicID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[topicID]
	if !ok {
		return
	}
	delete(m.sessions, topicID)
	if m.topicByCh[s.ChatID] == topicID {
		delete(m.topicByCh, s.ChatID)
	}

	m.logger.Debug("session ended", "topic_id", topicID)
}

// GetSession returns the session bound to the topic.
func (m *Manager) GetSession(topicID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[topicID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetTopicIDByChatID resolves a chat id to its topic. This is the hot-path
// lookup used when an upstream response only carries a chatId.
func (m *Manager) GetTopicIDByChatID(chatID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topicID, ok := m.topicByCh[chatID]
	return topicID, ok
}
