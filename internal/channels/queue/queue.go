// ABOUTME: NATS queue adapter for headless producers: inbound prompt subjects, outbound response subjects.
// ABOUTME: Malformed inbound payloads go to a dead-letter subject with a reason code instead of being dropped.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Dethon/agent-relay/internal/config"
	"github.com/Dethon/agent-relay/internal/markdown"
	"github.com/Dethon/agent-relay/internal/messenger"
)

const (
	publishAttempts = 3
	publishBackoff  = 250 * time.Millisecond
)

// Dead-letter reason codes.
const (
	ReasonInvalidJSON   = "invalid_json"
	ReasonMissingPrompt = "missing_prompt"
	ReasonUnknownAgent  = "unknown_agent"
)

// InboundMessage is the JSON shape producers publish on the inbound subject.
type InboundMessage struct {
	Prompt   string `json:"prompt"`
	Sender   string `json:"sender,omitempty"`
	SourceID string `json:"sourceId,omitempty"`
	AgentID  string `json:"agentId"`
}

// OutboundMessage is published on the outbound subject when a turn
// completes.
type OutboundMessage struct {
	SourceID    string `json:"sourceId"`
	AgentID     string `json:"agentId"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
	CompletedAt string `json:"completedAt"`
}

// DeadLetter wraps a rejected inbound payload with its rejection reason.
type DeadLetter struct {
	Reason  string `json:"reason"`
	Payload string `json:"payload"`
}

// publisher is the publish slice of *nats.Conn, split out for tests.
type publisher interface {
	Publish(subject string, data []byte) error
}

// subscriberConn is the subscribe slice of *nats.Conn.
type subscriberConn interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// binding remembers which queue request a topic answers.
type binding struct {
	sourceID string
	agentID  string
}

// Messenger bridges NATS subjects to relay topics. Producers publish
// prompts and receive exactly one response per accepted prompt, correlated
// by sourceId.
type Messenger struct {
	cfg           config.QueueConfig
	pub           publisher
	sub           subscriberConn
	allowedAgents map[string]bool
	logger        *slog.Logger

	mu       sync.Mutex
	bindings map[string]binding // topicID -> origin
	pending  map[string]*strings.Builder
}

// New connects to the configured NATS server.
func New(cfg config.QueueConfig, allowedAgents []string, logger *slog.Logger) (*Messenger, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", "url", cfg.URL)
	return newWithConn(cfg, conn, conn, allowedAgents, logger), nil
}

func newWithConn(cfg config.QueueConfig, pub publisher, sub subscriberConn, allowedAgents []string, logger *slog.Logger) *Messenger {
	allowed := make(map[string]bool, len(allowedAgents))
	for _, id := range allowedAgents {
		allowed[id] = true
	}
	return &Messenger{
		cfg:           cfg,
		pub:           pub,
		sub:           sub,
		allowedAgents: allowed,
		logger:        logger.With("component", "queue"),
		bindings:      make(map[string]binding),
		pending:       make(map[string]*strings.Builder),
	}
}

func (m *Messenger) Source() messenger.Source { return messenger.SourceQueue }

// ReadPrompts subscribes to the inbound subject and converts valid
// payloads into prompts. Invalid payloads are dead-lettered, never
// silently dropped.
func (m *Messenger) ReadPrompts(ctx context.Context) (<-chan messenger.Prompt, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := m.sub.ChanSubscribe(m.cfg.InboundSubject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", m.cfg.InboundSubject, err)
	}

	prompts := make(chan messenger.Prompt)
	go func() {
		defer close(prompts)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				m.logger.Warn("failed to unsubscribe", "error", err)
			}
		}()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				p, ok := m.acceptInbound(msg.Data)
				if !ok {
					continue
				}
				select {
				case prompts <- p:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return prompts, nil
}

// acceptInbound validates one inbound payload. The returned prompt carries
// the producer's sourceId as its external correlation id; a missing
// sourceId gets a generated one so the producer can still match the
// response it asked for.
func (m *Messenger) acceptInbound(data []byte) (messenger.Prompt, bool) {
	var in InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		m.deadLetter(ReasonInvalidJSON, data)
		return messenger.Prompt{}, false
	}
	if in.Prompt == "" {
		m.deadLetter(ReasonMissingPrompt, data)
		return messenger.Prompt{}, false
	}
	if !m.allowedAgents[in.AgentID] {
		m.deadLetter(ReasonUnknownAgent, data)
		return messenger.Prompt{}, false
	}

	sourceID := in.SourceID
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	sender := in.Sender
	if sender == "" {
		sender = "queue"
	}

	return messenger.Prompt{
		ExternalID: sourceID,
		AgentID:    in.AgentID,
		Sender:     sender,
		Content:    in.Prompt,
	}, true
}

func (m *Messenger) deadLetter(reason string, payload []byte) {
	m.logger.Warn("inbound message rejected", "reason", reason)
	if m.cfg.DeadLetterSubject == "" {
		return
	}
	data, err := json.Marshal(DeadLetter{Reason: reason, Payload: string(payload)})
	if err != nil {
		m.logger.Error("failed to marshal dead letter", "error", err)
		return
	}
	if err := m.pub.Publish(m.cfg.DeadLetterSubject, data); err != nil {
		m.logger.Error("failed to publish dead letter", "error", err)
	}
}

// ProcessResponseStream accumulates content per topic and publishes one
// outbound message per completed turn.
func (m *Messenger) ProcessResponseStream(ctx context.Context, updates <-chan messenger.Update) error {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			m.handleUpdate(ctx, update)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Messenger) handleUpdate(ctx context.Context, update messenger.Update) {
	msg := update.Message
	switch {
	case msg.Error != "":
		m.flush(ctx, update.TopicID, "", msg.Error)
	case msg.IsComplete:
		m.mu.Lock()
		b := m.pending[update.TopicID]
		delete(m.pending, update.TopicID)
		m.mu.Unlock()
		response := ""
		if b != nil {
			response = b.String()
		}
		m.flush(ctx, update.TopicID, response, "")
	case msg.Content != "":
		m.mu.Lock()
		b, ok := m.pending[update.TopicID]
		if !ok {
			b = &strings.Builder{}
			m.pending[update.TopicID] = b
		}
		b.WriteString(msg.Content)
		m.mu.Unlock()
	}
}

func (m *Messenger) flush(ctx context.Context, topicID, response, errText string) {
	m.mu.Lock()
	bind, ok := m.bindings[topicID]
	if ok {
		delete(m.bindings, topicID)
	}
	delete(m.pending, topicID)
	m.mu.Unlock()
	if !ok {
		// topic was not started from the queue surface
		return
	}

	// Headless producers get plain text, not the agent's markdown.
	out := OutboundMessage{
		SourceID:    bind.sourceID,
		AgentID:     bind.agentID,
		Response:    markdown.ToPlainText(response),
		Error:       errText,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(out)
	if err != nil {
		m.logger.Error("failed to marshal outbound message", "error", err)
		return
	}
	if err := m.publishWithRetry(ctx, m.cfg.OutboundSubject, data); err != nil {
		m.logger.Error("failed to publish response", "source_id", bind.sourceID, "error", err)
	}
}

// publishWithRetry retries transient publish failures with bounded
// exponential backoff. Only publishing retries; inbound validation
// failures are terminal by design.
func (m *Messenger) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error
	backoff := publishBackoff
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if lastErr = m.pub.Publish(subject, data); lastErr == nil {
			return nil
		}
		if attempt == publishAttempts {
			break
		}
		m.logger.Warn("publish failed, retrying", "subject", subject, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("publishing to %s after %d attempts: %w", subject, publishAttempts, lastErr)
}

// CreateTopicIfNeeded records the topic's origin so the eventual response
// can be correlated back to the producer's sourceId.
func (m *Messenger) CreateTopicIfNeeded(_ context.Context, p messenger.Prompt) error {
	if p.TopicID == "" || p.ExternalID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[p.TopicID] = binding{sourceID: p.ExternalID, agentID: p.AgentID}
	return nil
}
