// ABOUTME: Tests for queue adapter validation, dead-lettering, and publish retry.
// ABOUTME: Uses a fake publisher; no NATS server is required.

package queue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dethon/agent-relay/internal/config"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failures  int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte)}
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakePublisher) on(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[subject]...)
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		InboundSubject:    "in",
		OutboundSubject:   "out",
		DeadLetterSubject: "dlq",
	}
}

func newTestMessenger(pub *fakePublisher) *Messenger {
	return newWithConn(testConfig(), pub, nil, []string{"helper"}, slog.Default())
}

func TestAcceptInboundValid(t *testing.T) {
	m := newTestMessenger(newFakePublisher())

	p, ok := m.acceptInbound([]byte(`{"prompt":"do it","sender":"svc","sourceId":"req-1","agentId":"helper"}`))
	require.True(t, ok)
	assert.Equal(t, "req-1", p.ExternalID)
	assert.Equal(t, "helper", p.AgentID)
	assert.Equal(t, "svc", p.Sender)
	assert.Equal(t, "do it", p.Content)
}

func TestAcceptInboundGeneratesSourceID(t *testing.T) {
	m := newTestMessenger(newFakePublisher())

	p, ok := m.acceptInbound([]byte(`{"prompt":"do it","agentId":"helper"}`))
	require.True(t, ok)
	assert.NotEmpty(t, p.ExternalID)
	assert.Equal(t, "queue", p.Sender)
}

func TestAcceptInboundDeadLetters(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"invalid json", `{broken`, ReasonInvalidJSON},
		{"missing prompt", `{"agentId":"helper"}`, ReasonMissingPrompt},
		{"unknown agent", `{"prompt":"x","agentId":"intruder"}`, ReasonUnknownAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakePublisher()
			m := newTestMessenger(pub)

			_, ok := m.acceptInbound([]byte(tt.payload))
			require.False(t, ok)

			letters := pub.on("dlq")
			require.Len(t, letters, 1)

			var dl DeadLetter
			require.NoError(t, json.Unmarshal(letters[0], &dl))
			assert.Equal(t, tt.reason, dl.Reason)
			assert.Equal(t, tt.payload, dl.Payload)
		})
	}
}

func TestProcessResponseStreamPublishesCompletedTurn(t *testing.T) {
	pub := newFakePublisher()
	m := newTestMessenger(pub)

	require.NoError(t, m.CreateTopicIfNeeded(t.Context(), messenger.Prompt{
		TopicID:    "t1",
		ExternalID: "req-1",
		AgentID:    "helper",
	}))

	updates := make(chan messenger.Update, 8)
	updates <- messenger.Update{TopicID: "t1", Message: stream.Message{Content: "answer ", MessageID: "m1"}}
	updates <- messenger.Update{TopicID: "t1", Message: stream.Message{Content: "here", MessageID: "m1"}}
	updates <- messenger.Update{TopicID: "t1", Message: stream.Completion()}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))

	out := pub.on("out")
	require.Len(t, out, 1)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(out[0], &msg))
	assert.Equal(t, "req-1", msg.SourceID)
	assert.Equal(t, "helper", msg.AgentID)
	assert.Equal(t, "answer here", msg.Response)
	assert.Empty(t, msg.Error)
	assert.NotEmpty(t, msg.CompletedAt)
}

func TestProcessResponseStreamStripsMarkdown(t *testing.T) {
	pub := newFakePublisher()
	m := newTestMessenger(pub)

	require.NoError(t, m.CreateTopicIfNeeded(t.Context(), messenger.Prompt{
		TopicID:    "t1",
		ExternalID: "req-1",
		AgentID:    "helper",
	}))

	updates := make(chan messenger.Update, 4)
	updates <- messenger.Update{TopicID: "t1", Message: stream.Message{Content: "**done**: see `main.go`", MessageID: "m1"}}
	updates <- messenger.Update{TopicID: "t1", Message: stream.Completion()}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))

	out := pub.on("out")
	require.Len(t, out, 1)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(out[0], &msg))
	assert.Equal(t, "done: see main.go", msg.Response)
}

func TestProcessResponseStreamPublishesError(t *testing.T) {
	pub := newFakePublisher()
	m := newTestMessenger(pub)

	require.NoError(t, m.CreateTopicIfNeeded(t.Context(), messenger.Prompt{
		TopicID:    "t1",
		ExternalID: "req-1",
		AgentID:    "helper",
	}))

	updates := make(chan messenger.Update, 4)
	updates <- messenger.Update{TopicID: "t1", Message: stream.ErrorMessage("agent unavailable")}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))

	out := pub.on("out")
	require.Len(t, out, 1)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(out[0], &msg))
	assert.Equal(t, "agent unavailable", msg.Error)
}

func TestProcessResponseStreamIgnoresForeignTopics(t *testing.T) {
	pub := newFakePublisher()
	m := newTestMessenger(pub)

	updates := make(chan messenger.Update, 4)
	updates <- messenger.Update{TopicID: "web-topic", Message: stream.Message{Content: "x", MessageID: "m1"}}
	updates <- messenger.Update{TopicID: "web-topic", Message: stream.Completion()}
	close(updates)

	require.NoError(t, m.ProcessResponseStream(t.Context(), updates))
	assert.Empty(t, pub.on("out"))
}

func TestPublishWithRetryRecovers(t *testing.T) {
	pub := newFakePublisher()
	pub.failures = 2
	m := newTestMessenger(pub)

	err := m.publishWithRetry(t.Context(), "out", []byte("payload"))
	require.NoError(t, err)
	assert.Len(t, pub.on("out"), 1)
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	pub := newFakePublisher()
	pub.failures = 10
	m := newTestMessenger(pub)

	err := m.publishWithRetry(t.Context(), "out", []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Empty(t, pub.on("out"))
}
