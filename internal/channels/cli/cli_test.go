// ABOUTME: Tests for the terminal adapter using in-memory readers and writers.
// ABOUTME: Covers prompt scanning and stream rendering for the adapter's topic.

package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

func TestReadPromptsScansLines(t *testing.T) {
	var out bytes.Buffer
	m := newWithIO("helper", strings.NewReader("first question\n\nsecond question\n"), &out, slog.Default())

	prompts, err := m.ReadPrompts(t.Context())
	require.NoError(t, err)

	var got []messenger.Prompt
	for p := range prompts {
		got = append(got, p)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "first question", got[0].Content)
	assert.Equal(t, "second question", got[1].Content)
	assert.Equal(t, "helper", got[0].AgentID)
	assert.Equal(t, m.topicID, got[0].TopicID)
	assert.Equal(t, got[0].TopicID, got[1].TopicID)
}

func TestProcessResponseStreamRendersOwnTopic(t *testing.T) {
	var out bytes.Buffer
	m := newWithIO("helper", strings.NewReader(""), &out, slog.Default())

	updates := make(chan messenger.Update, 8)
	updates <- messenger.Update{TopicID: m.topicID, Message: stream.Message{Content: "hello", MessageID: "m1"}}
	updates <- messenger.Update{TopicID: "other-topic", Message: stream.Message{Content: "IGNORED", MessageID: "m2"}}
	updates <- messenger.Update{TopicID: m.topicID, Message: stream.Completion()}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))

	assert.Contains(t, out.String(), "hello")
	assert.NotContains(t, out.String(), "IGNORED")
}

func TestProcessResponseStreamRendersErrorAndApproval(t *testing.T) {
	var out bytes.Buffer
	m := newWithIO("helper", strings.NewReader(""), &out, slog.Default())

	updates := make(chan messenger.Update, 8)
	updates <- messenger.Update{TopicID: m.topicID, Message: stream.ApprovalMessage("ap-1", []stream.ToolCall{
		{Name: "rm", Arguments: `{"path":"/x"}`},
	})}
	updates <- messenger.Update{TopicID: m.topicID, Message: stream.ErrorMessage("boom")}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))

	assert.Contains(t, out.String(), "ap-1")
	assert.Contains(t, out.String(), "rm")
	assert.Contains(t, out.String(), "boom")
}

func TestProcessResponseStreamStopsOnContextCancel(t *testing.T) {
	var out bytes.Buffer
	m := newWithIO("helper", strings.NewReader(""), &out, slog.Default())

	ctx, cancel := context.WithCancel(t.Context())
	updates := make(chan messenger.Update)

	errCh := make(chan error, 1)
	go func() { errCh <- m.ProcessResponseStream(ctx, updates) }()

	cancel()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not stop on cancel")
	}
}
