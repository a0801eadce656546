// ABOUTME: Owns stream lifecycle per topic: create/join, write, pending-turn counting, teardown.
// ABOUTME: Composes Broadcast and Buffer; guarantees one live stream and gapless sequencing per topic.

package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Handle is the caller-facing view of a topic's live stream.
type Handle struct {
	// Broadcast delivers every message written after subscription.
	Broadcast *Broadcast
	// Ctx is the stream's cancellation scope, linked to the parent context
	// supplied on creation. It is cancelled on completion or cancellation.
	Ctx context.Context
}

// State is the resumable view handed to reconnecting clients.
type State struct {
	IsProcessing     bool      `json:"isProcessing"`
	BufferedMessages []Message `json:"bufferedMessages"`
	LastMessageID    string    `json:"lastMessageId,omitempty"`
	CurrentPrompt    string    `json:"currentPrompt,omitempty"`
	CurrentSenderID  string    `json:"currentSenderId,omitempty"`
}

// entry is the per-topic stream slot.
type entry struct {
	broadcast *Broadcast
	ctx       context.Context
	cancel    context.CancelFunc
	pending   int
	seq       int64
	prompt    string
	senderID  string
}

// Manager coordinates at most one live stream per topic.
//
// The coordinator lock guards the topic maps and the compound operations
// that must be atomic (join-or-create, increment-then-check); it is never
// held across I/O. Buffers live in their own map and are removed one step
// after the stream slot, so GetStreamState can still serve a processing
// view during the teardown window.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*entry
	buffers map[string]*Buffer

	bufferCapacity int
	onTeardown     func(topicID string)
	logger         *slog.Logger
}

// NewManager creates a stream manager. Pass nil logger for the default.
func NewManager(bufferCapacity int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		streams:        make(map[string]*entry),
		buffers:        make(map[string]*Buffer),
		bufferCapacity: bufferCapacity,
		logger:         logger.With("component", "stream-manager"),
	}
}

// SetTeardownHook registers a callback invoked after a stream is removed but
// before its buffer is cleared. Used to force-reject pending approvals for
// the topic. Must be set before streams are created.
func (m *Manager) SetTeardownHook(hook func(topicID string)) {
	m.onTeardown = hook
}

// CreateOrGetStream returns the topic's live stream, creating one when
// absent. When a stream already exists the new prompt is registered on it
// and the existing handle is returned with isNew=false: two browsers, or a
// scheduled trigger plus a user message, share one backend turn's output.
// The new stream's context is linked to parent, so cancelling parent
// propagates into the stream scope.
func (m *Manager) CreateOrGetStream(parent context.Context, topicID, prompt, senderID string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.streams[topicID]; ok {
		e.prompt = prompt
		e.senderID = senderID
		return Handle{Broadcast: e.broadcast, Ctx: e.ctx}, false
	}

	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		broadcast: NewBroadcast(),
		ctx:       ctx,
		cancel:    cancel,
		prompt:    prompt,
		senderID:  senderID,
	}
	m.streams[topicID] = e
	m.buffers[topicID] = NewBuffer(m.bufferCapacity)

	m.logger.Debug("stream created", "topic_id", topicID, "sender", senderID)
	return Handle{Broadcast: e.broadcast, Ctx: ctx}, true
}

// WriteMessage assigns the next sequence number, records msg in the replay
// buffer and fans it out. Returns the message as written. Writing to an
// unknown topic logs a warning and no-ops: races between teardown and
// in-flight writers are expected, not exceptional.
func (m *Manager) WriteMessage(topicID string, msg Message) (Message, bool) {
	m.mu.Lock()
	e, ok := m.streams[topicID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("write to unknown topic dropped", "topic_id", topicID)
		return Message{}, false
	}

	e.seq++
	msg.SequenceNumber = e.seq
	if buf, ok := m.buffers[topicID]; ok {
		buf.Add(msg)
	}
	// Fan-out happens under the coordinator lock so broadcast order always
	// matches sequence numbers. Queue pushes never block.
	e.broadcast.Write(msg)
	m.mu.Unlock()

	return msg, true
}

// TryIncrementPending registers one more outstanding turn on the topic's
// stream. It fails when no stream is active, which prevents resurrecting a
// stream that was just cancelled.
func (m *Manager) TryIncrementPending(topicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.streams[topicID]
	if !ok {
		return false
	}
	e.pending++
	return true
}

// DecrementPendingAndCheckIfShouldComplete reports whether this decrement
// brought the outstanding-turn count to zero. It returns true exactly once
// per stream lifecycle; the caller must use that result as the sole trigger
// for CompleteStream. One topic may batch several prompts before the first
// agent turn finishes, so "done" waits for all of them.
func (m *Manager) DecrementPendingAndCheckIfShouldComplete(topicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.streams[topicID]
	if !ok {
		return false
	}
	if e.pending == 0 {
		m.logger.Warn("pending count underflow", "topic_id", topicID)
		return false
	}
	e.pending--
	return e.pending == 0
}

// Subscribe attaches a live listener to the topic's broadcast. The returned
// cancel func detaches it. Returns ok=false when the topic has no live
// stream; callers combine this with GetStreamState for the replay half.
func (m *Manager) Subscribe(ctx context.Context, topicID string) (<-chan Message, func(), bool) {
	m.mu.Lock()
	e, ok := m.streams[topicID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, subID := e.broadcast.Subscribe(ctx)
	return ch, func() { e.broadcast.Unsubscribe(subID) }, true
}

// IsStreaming reports whether the topic currently has a live stream.
func (m *Manager) IsStreaming(topicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[topicID]
	return ok
}

// CompleteStream tears the topic's stream down: the linked context is
// cancelled, the broadcast is closed, and buffer, prompt and pending state
// are cleared. Completing an unknown topic is a no-op.
func (m *Manager) CompleteStream(topicID string) {
	m.teardown(topicID, "completed")
}

// CancelStream tears the stream down exactly like CompleteStream; the
// distinction is the caller's intent, logged for operators.
func (m *Manager) CancelStream(topicID string) {
	m.teardown(topicID, "cancelled")
}

func (m *Manager) teardown(topicID, reason string) {
	m.mu.Lock()
	e, ok := m.streams[topicID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.streams, topicID)
	m.mu.Unlock()

	e.cancel()
	e.broadcast.Complete()

	if m.onTeardown != nil {
		m.onTeardown(topicID)
	}

	m.mu.Lock()
	delete(m.buffers, topicID)
	m.mu.Unlock()

	m.logger.Debug("stream torn down", "topic_id", topicID, "reason", reason)
}

// GetStreamState reconstructs the resumable view for a reconnecting client.
// It tolerates the teardown window where the stream slot is gone but the
// buffer still exists, returning a processing view in that case. The result
// is nil only when neither stream nor buffer exists.
func (m *Manager) GetStreamState(topicID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, streaming := m.streams[topicID]
	buf, buffered := m.buffers[topicID]
	if !streaming && !buffered {
		return nil
	}

	state := &State{IsProcessing: true}
	if buffered {
		state.BufferedMessages = buf.Messages()
		state.LastMessageID = buf.LastMessageID()
	}
	if streaming {
		state.CurrentPrompt = e.prompt
		state.CurrentSenderID = e.senderID
	}
	return state
}

// Close cancels every live stream. Used on gateway shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.streams))
	for topicID := range m.streams {
		topics = append(topics, topicID)
	}
	m.mu.Unlock()

	for _, topicID := range topics {
		m.CancelStream(topicID)
	}
}
