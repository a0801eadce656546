// ABOUTME: Agent capability interface: one opaque backend producing streamed turn fragments.
// ABOUTME: Tool approval is threaded through the request explicitly, never via ambient state.

package gateway

import (
	"context"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/stream"
)

// Request is one turn handed to an agent backend.
type Request struct {
	TopicID string
	Prompt  string
	Sender  string

	// Approver blocks tool execution until a human (or a remembered
	// decision) resolves it. Passed per request so concurrent turns never
	// share approval state.
	Approver ToolApprover
}

// Fragment is one streamed piece of agent output. Content may contain
// reasoning spans; the gateway's splitter separates them before fan-out.
type Fragment struct {
	Content   string
	ToolCalls string
}

// Agent is an opaque conversational backend. Run returns the fragment
// sequence for one turn; the channel closes when the turn ends. A non-nil
// error from Run means the turn never started.
type Agent interface {
	ID() string
	Run(ctx context.Context, req Request) (<-chan Fragment, error)
}

// ToolApprover gates tool calls behind a human decision.
type ToolApprover interface {
	RequestApproval(ctx context.Context, topicID string, calls []stream.ToolCall) (approval.Result, error)
}
