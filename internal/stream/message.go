// ABOUTME: StreamMessage wire shape shared by the stream manager and channel adapters.
// ABOUTME: Fragments carry content/reasoning/toolCalls; control variants are mutually exclusive.

package stream

// ToolCall describes one tool invocation the agent wants to run.
type ToolCall struct {
	Name      string `json:"toolName"`
	Arguments string `json:"arguments"`
}

// ApprovalRequest asks a human to approve a batch of tool calls.
type ApprovalRequest struct {
	ApprovalID string     `json:"approvalId"`
	ToolCalls  []ToolCall `json:"toolCalls"`
}

// Message is one immutable unit of streamed output for a topic.
//
// Content, Reasoning and ToolCalls may co-occur as parallel fragments of the
// same assistant turn, grouped by MessageID. At most one of the control
// fields (UserMessage, ApprovalRequest, IsComplete, Error) is populated per
// message. SequenceNumber is assigned by the stream manager on write and is
// strictly increasing per topic.
type Message struct {
	Content         string           `json:"content,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	ToolCalls       string           `json:"toolCalls,omitempty"`
	MessageID       string           `json:"messageId,omitempty"`
	SequenceNumber  int64            `json:"sequenceNumber"`
	IsComplete      bool             `json:"isComplete,omitempty"`
	Error           string           `json:"error,omitempty"`
	UserMessage     string           `json:"userMessage,omitempty"`
	ApprovalRequest *ApprovalRequest `json:"approvalRequest,omitempty"`
}

// IsControl reports whether the message is one of the special variants that
// must never be consolidated with fragments.
func (m Message) IsControl() bool {
	return m.UserMessage != "" || m.ApprovalRequest != nil || m.IsComplete || m.Error != ""
}

// UserEcho builds the echo message for an inbound user prompt.
func UserEcho(prompt string) Message {
	return Message{UserMessage: prompt}
}

// Completion builds the terminal completion message for a stream.
func Completion() Message {
	return Message{IsComplete: true}
}

// ErrorMessage builds an error message for a failed turn.
func ErrorMessage(reason string) Message {
	return Message{Error: reason}
}

// ApprovalMessage builds the approval-request message shown to viewers.
func ApprovalMessage(approvalID string, calls []ToolCall) Message {
	return Message{ApprovalRequest: &ApprovalRequest{ApprovalID: approvalID, ToolCalls: calls}}
}
