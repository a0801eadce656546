// ABOUTME: Tests for the gateway prompt loop using an in-memory store and fake agents.
// ABOUTME: Covers turn lifecycle, topic resolution, batching, and error surfacing.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/config"
	"github.com/Dethon/agent-relay/internal/correlation"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/session"
	"github.com/Dethon/agent-relay/internal/store"
	"github.com/Dethon/agent-relay/internal/stream"
)

type fakeAgent struct {
	id        string
	fragments []Fragment
	runErr    error
	release   chan struct{} // when set, Run's output waits for it
	runs      atomic.Int64
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Run(ctx context.Context, _ Request) (<-chan Fragment, error) {
	f.runs.Add(1)
	if f.runErr != nil {
		return nil, f.runErr
	}
	out := make(chan Fragment)
	go func() {
		defer close(out)
		if f.release != nil {
			select {
			case <-f.release:
			case <-ctx.Done():
				return
			}
		}
		for _, frag := range f.fragments {
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newTestGateway(t *testing.T, agents map[string]Agent) *Gateway {
	t.Helper()
	logger := slog.Default()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	streams := stream.NewManager(stream.DefaultBufferCapacity, logger)
	t.Cleanup(streams.Close)
	approvals := approval.NewManager(streams, nil, logger)
	streams.SetTeardownHook(approvals.CancelPendingApprovalsForTopic)

	return &Gateway{
		cfg:          config.Default(),
		logger:       logger,
		store:        st,
		streams:      streams,
		sessions:     session.NewManager(logger),
		approvals:    approvals,
		mapper:       correlation.NewMapper(st, logger),
		composite:    messenger.NewComposite(nil, messenger.SourceWeb, false, logger),
		agents:       agents,
		defaultAgent: "helper",
		updates:      make(chan messenger.Update, 256),
	}
}

// collectUntilComplete drains updates until the completion message arrives.
func collectUntilComplete(t *testing.T, g *Gateway) []messenger.Update {
	t.Helper()
	var got []messenger.Update
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-g.updates:
			got = append(got, u)
			if u.Message.IsComplete {
				return got
			}
		case <-deadline:
			t.Fatalf("no completion after %d updates", len(got))
		}
	}
}

func TestHandlePromptFullTurn(t *testing.T) {
	agent := &fakeAgent{id: "helper", fragments: []Fragment{
		{Content: "Hello "},
		{Content: "<think>planning</think>world"},
	}}
	g := newTestGateway(t, map[string]Agent{"helper": agent})

	g.handlePrompt(t.Context(), messenger.Prompt{
		Source:  messenger.SourceWeb,
		TopicID: "t1",
		AgentID: "helper",
		Sender:  "alice",
		Content: "say hello",
	})

	got := collectUntilComplete(t, g)

	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, "say hello", got[0].Message.UserMessage)
	assert.Equal(t, messenger.SourceWeb, got[0].Source)

	var content, reasoning string
	for _, u := range got {
		content += u.Message.Content
		reasoning += u.Message.Reasoning
	}
	assert.Equal(t, "Hello world", content)
	assert.Equal(t, "planning", reasoning)

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Message.SequenceNumber, got[i-1].Message.SequenceNumber)
	}

	require.Eventually(t, func() bool {
		return !g.streams.IsStreaming("t1")
	}, time.Second, 10*time.Millisecond)
}

func TestHandlePromptUnknownAgent(t *testing.T) {
	g := newTestGateway(t, map[string]Agent{})

	g.handlePrompt(t.Context(), messenger.Prompt{
		Source:  messenger.SourceWeb,
		TopicID: "t1",
		AgentID: "ghost",
		Sender:  "alice",
		Content: "hello?",
	})

	got := collectUntilComplete(t, g)

	var errText string
	for _, u := range got {
		if u.Message.Error != "" {
			errText = u.Message.Error
		}
	}
	assert.Contains(t, errText, "ghost")
}

func TestHandlePromptAgentStartFailure(t *testing.T) {
	agent := &fakeAgent{id: "helper", runErr: errors.New("backend down")}
	g := newTestGateway(t, map[string]Agent{"helper": agent})

	g.handlePrompt(t.Context(), messenger.Prompt{
		Source:  messenger.SourceWeb,
		TopicID: "t1",
		AgentID: "helper",
		Sender:  "alice",
		Content: "hello",
	})

	got := collectUntilComplete(t, g)

	var errText string
	for _, u := range got {
		if u.Message.Error != "" {
			errText = u.Message.Error
		}
	}
	assert.Contains(t, errText, "backend down")
}

func TestBatchedPromptsCompleteOnce(t *testing.T) {
	release := make(chan struct{})
	agent := &fakeAgent{id: "helper", fragments: []Fragment{{Content: "ok"}}, release: release}
	g := newTestGateway(t, map[string]Agent{"helper": agent})

	p := messenger.Prompt{
		Source:  messenger.SourceWeb,
		TopicID: "t1",
		AgentID: "helper",
		Sender:  "alice",
		Content: "first",
	}
	g.handlePrompt(t.Context(), p)
	p.Content = "second"
	g.handlePrompt(t.Context(), p)

	close(release)

	got := collectUntilComplete(t, g)

	completions := 0
	echoes := 0
	for _, u := range got {
		if u.Message.IsComplete {
			completions++
		}
		if u.Message.UserMessage != "" {
			echoes++
		}
	}
	assert.Equal(t, 1, completions)
	assert.Equal(t, 2, echoes)
}

func TestPromptDuringStreamTeardownNeverDropsTurn(t *testing.T) {
	agent := &fakeAgent{id: "helper", fragments: []Fragment{{Content: "ok"}}}
	g := newTestGateway(t, map[string]Agent{"helper": agent})

	go func() {
		for {
			select {
			case <-g.updates:
			case <-t.Context().Done():
				return
			}
		}
	}()

	p := messenger.Prompt{
		Source:  messenger.SourceWeb,
		TopicID: "t1",
		AgentID: "helper",
		Sender:  "alice",
		Content: "go",
	}

	// Back-to-back prompts race the first turn's completion against the
	// second prompt's join. Whichever way it lands, the second prompt must
	// end up registered on a live stream, never dropped.
	const rounds = 50
	for i := 0; i < rounds; i++ {
		g.handlePrompt(t.Context(), p)
		g.handlePrompt(t.Context(), p)
		require.Eventually(t, func() bool {
			return !g.streams.IsStreaming("t1")
		}, 2*time.Second, 2*time.Millisecond)
	}

	assert.Equal(t, int64(2*rounds), agent.runs.Load())
}

func TestResolveTopicCorrelation(t *testing.T) {
	g := newTestGateway(t, nil)

	p1, err := g.resolveTopic(t.Context(), messenger.Prompt{ExternalID: "req-1", AgentID: "helper"})
	require.NoError(t, err)
	assert.NotEmpty(t, p1.TopicID)
	assert.NotZero(t, p1.ChatID)

	// Same external id resolves to the same topic.
	p2, err := g.resolveTopic(t.Context(), messenger.Prompt{ExternalID: "req-1", AgentID: "helper"})
	require.NoError(t, err)
	assert.Equal(t, p1.TopicID, p2.TopicID)
	assert.Equal(t, p1.ChatID, p2.ChatID)

	// A different agent gets its own topic for the same external id.
	p3, err := g.resolveTopic(t.Context(), messenger.Prompt{ExternalID: "req-1", AgentID: "other"})
	require.NoError(t, err)
	assert.NotEqual(t, p1.TopicID, p3.TopicID)
}

func TestResolveTopicChatSession(t *testing.T) {
	g := newTestGateway(t, nil)
	g.sessions.StartSession("existing-topic", "helper", 42, 0)

	p, err := g.resolveTopic(t.Context(), messenger.Prompt{ChatID: 42})
	require.NoError(t, err)
	assert.Equal(t, "existing-topic", p.TopicID)

	// Unknown chats get a fresh topic.
	p2, err := g.resolveTopic(t.Context(), messenger.Prompt{ChatID: 777})
	require.NoError(t, err)
	assert.NotEqual(t, "existing-topic", p2.TopicID)
	assert.NotEmpty(t, p2.TopicID)
}

func TestResolveAgentFallsBackToSessionThenDefault(t *testing.T) {
	g := newTestGateway(t, nil)

	assert.Equal(t, "explicit", g.resolveAgent(messenger.Prompt{AgentID: "explicit"}))

	g.sessions.StartSession("t1", "session-agent", 1, 0)
	assert.Equal(t, "session-agent", g.resolveAgent(messenger.Prompt{TopicID: "t1"}))

	assert.Equal(t, "helper", g.resolveAgent(messenger.Prompt{TopicID: "unknown"}))
}
