// ABOUTME: Asynchronous human-in-the-loop gate for agent-requested tool calls.
// ABOUTME: Pending approvals resolve exactly once: by a human, by caller cancellation, or by topic teardown.

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Dethon/agent-relay/internal/stream"
)

// ErrApprovalNotFound indicates the approval id is unknown or already resolved.
var ErrApprovalNotFound = errors.New("approval not found")

// Result is the outcome of one approval request.
type Result string

const (
	Approved            Result = "approved"
	ApprovedAndRemember Result = "approved_and_remember"
	Rejected            Result = "rejected"
)

// IsApproved reports whether the result allows the tool calls to run.
func (r Result) IsApproved() bool {
	return r == Approved || r == ApprovedAndRemember
}

// Resolution is the out-of-band notification pushed on every resolution so
// other browsers viewing the topic converge immediately instead of waiting
// for their next buffer poll.
type Resolution struct {
	TopicID            string `json:"topicId"`
	ApprovalID         string `json:"approvalId"`
	Result             Result `json:"result"`
	FormattedToolCalls string `json:"formattedToolCalls,omitempty"`
	MessageID          string `json:"messageId,omitempty"`
}

// StreamWriter is the slice of the stream manager the approval gate needs.
type StreamWriter interface {
	WriteMessage(topicID string, msg stream.Message) (stream.Message, bool)
}

// Notifier pushes approval resolutions out of band. The web adapter
// implements it with an SSE push; buffer replay remains the durable fallback.
type Notifier interface {
	ApprovalResolved(res Resolution)
}

// pendingApproval is one outstanding approval correlation.
type pendingApproval struct {
	topicID  string
	requests []stream.ToolCall
	done     chan Result // 1-buffered; written exactly once
}

// Manager owns the pending-approval map. Compound resolve-and-remove
// operations are atomic: the map entry is removed on first resolution, so a
// second resolution attempt on the same id fails without side effects.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval

	streams  StreamWriter
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates an approval manager writing through streams and
// pushing resolutions through notifier. notifier may be nil.
func NewManager(streams StreamWriter, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:  make(map[string]*pendingApproval),
		streams:  streams,
		notifier: notifier,
		logger:   logger.With("component", "approval-manager"),
	}
}

// SetNotifier wires the out-of-band notifier after construction. The web
// adapter is built after the manager, so this breaks the dependency cycle.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// RequestApproval registers a pending approval, emits the approvalRequest
// stream message and blocks until a resolution arrives or ctx is cancelled.
// Cancellation resolves the approval as Rejected so no waiter is orphaned.
func (m *Manager) RequestApproval(ctx context.Context, topicID string, requests []stream.ToolCall) (Result, error) {
	approvalID := uuid.New().String()
	p := &pendingApproval{
		topicID:  topicID,
		requests: requests,
		done:     make(chan Result, 1),
	}

	m.mu.Lock()
	m.pending[approvalID] = p
	m.mu.Unlock()

	m.streams.WriteMessage(topicID, stream.ApprovalMessage(approvalID, requests))
	m.logger.Info("approval requested",
		"topic_id", topicID,
		"approval_id", approvalID,
		"tool_count", len(requests))

	select {
	case result := <-p.done:
		return result, nil
	case <-ctx.Done():
		// Lost the race against a resolution? The resolver already removed
		// the entry and buffered the result.
		m.mu.Lock()
		_, stillPending := m.pending[approvalID]
		if stillPending {
			delete(m.pending, approvalID)
		}
		m.mu.Unlock()

		if !stillPending {
			return <-p.done, nil
		}
		m.notify(Resolution{TopicID: topicID, ApprovalID: approvalID, Result: Rejected})
		return Rejected, ctx.Err()
	}
}

// Respond resolves a pending approval. On Approved or ApprovedAndRemember
// it additionally writes the formatted tool-call summary to the stream.
// Unknown or already-resolved ids return ErrApprovalNotFound.
func (m *Manager) Respond(approvalID string, result Result) error {
	m.mu.Lock()
	p, ok := m.pending[approvalID]
	if ok {
		delete(m.pending, approvalID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrApprovalNotFound
	}

	p.done <- result

	res := Resolution{TopicID: p.topicID, ApprovalID: approvalID, Result: result}
	if result.IsApproved() {
		res.MessageID = uuid.New().String()
		res.FormattedToolCalls = FormatToolCalls(p.requests)
		m.streams.WriteMessage(p.topicID, stream.Message{
			ToolCalls: res.FormattedToolCalls,
			MessageID: res.MessageID,
		})
	}
	m.notify(res)

	m.logger.Info("approval resolved",
		"topic_id", p.topicID,
		"approval_id", approvalID,
		"result", string(result))
	return nil
}

// NotifyAutoApproved emits the tool-call summary for whitelisted tool calls
// that bypass the wait, keeping the audit trail visible in the stream.
func (m *Manager) NotifyAutoApproved(topicID string, requests []stream.ToolCall) {
	m.streams.WriteMessage(topicID, stream.Message{
		ToolCalls: FormatToolCalls(requests),
		MessageID: uuid.New().String(),
	})
}

// CancelPendingApprovalsForTopic force-resolves every outstanding approval
// on the topic as Rejected. Called from the stream teardown hook so no
// waiter outlives its stream.
func (m *Manager) CancelPendingApprovalsForTopic(topicID string) {
	m.mu.Lock()
	var cancelled []string
	var waiters []*pendingApproval
	for id, p := range m.pending {
		if p.topicID == topicID {
			delete(m.pending, id)
			cancelled = append(cancelled, id)
			waiters = append(waiters, p)
		}
	}
	m.mu.Unlock()

	for i, p := range waiters {
		p.done <- Rejected
		m.notify(Resolution{TopicID: topicID, ApprovalID: cancelled[i], Result: Rejected})
	}

	if len(cancelled) > 0 {
		m.logger.Warn("pending approvals force-rejected on stream teardown",
			"topic_id", topicID,
			"count", len(cancelled))
	}
}

// PendingCount returns the number of unresolved approvals.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) notify(res Resolution) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.ApprovalResolved(res)
	}
}

// FormatToolCalls renders the requested tool calls as a markdown summary
// suitable for the stream's toolCalls field.
func FormatToolCalls(requests []stream.ToolCall) string {
	if len(requests) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, call := range requests {
		if i > 0 {
			sb.WriteString("\n")
		}
		if call.Arguments != "" {
			fmt.Fprintf(&sb, "`%s` %s", call.Name, call.Arguments)
		} else {
			fmt.Fprintf(&sb, "`%s`", call.Name)
		}
	}
	return sb.String()
}
