// ABOUTME: Messenger capability interface and the prompt/update types crossing adapter boundaries.
// ABOUTME: Every messaging surface (web, telegram, queue, cli, scheduler) implements the same shape.

package messenger

import (
	"context"

	"github.com/Dethon/agent-relay/internal/stream"
)

// Source tags which messaging surface a prompt or update belongs to.
type Source string

const (
	SourceWeb       Source = "web"
	SourceTelegram  Source = "telegram"
	SourceQueue     Source = "queue"
	SourceCLI       Source = "cli"
	SourceScheduler Source = "scheduler"

	// SourceUnknown marks updates whose chat could not be resolved to a
	// session. Routing for these is a configuration choice.
	SourceUnknown Source = ""
)

// Prompt is one inbound message from any surface.
type Prompt struct {
	Source     Source
	TopicID    string // set when the adapter already knows the topic
	ChatID     int64
	ThreadID   int64
	ExternalID string // external system's own correlation id (queue surface)
	AgentID    string
	Sender     string
	Content    string
}

// Update is one outbound stream message addressed to the surfaces entitled
// to see it. The web adapter is a universal viewer and receives every
// update regardless of Source.
type Update struct {
	Source   Source
	TopicID  string
	ChatID   int64
	ThreadID int64
	Message  stream.Message
}

// Messenger is the fixed capability interface every channel adapter
// implements. Adapters are composed as a slice of interface values at
// startup; dispatch is polymorphic, never inheritance-shaped.
type Messenger interface {
	// Source identifies the surface for inbound tagging and outbound routing.
	Source() Source

	// ReadPrompts starts the adapter's inbound side and returns its prompt
	// sequence. The channel closes when ctx is cancelled or the surface
	// shuts down.
	ReadPrompts(ctx context.Context) (<-chan Prompt, error)

	// ProcessResponseStream consumes the adapter's outbound update sequence
	// until the channel closes or ctx is cancelled.
	ProcessResponseStream(ctx context.Context, updates <-chan Update) error

	// CreateTopicIfNeeded gives the adapter a chance to materialize the
	// conversation container on its surface (a forum topic, a web channel)
	// before the first response is delivered.
	CreateTopicIfNeeded(ctx context.Context, p Prompt) error
}
