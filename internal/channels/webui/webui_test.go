// ABOUTME: Tests for the web viewer HTTP API and SSE streaming.
// ABOUTME: Exercises send validation, resumable state, approval responses, and the event stream.

package webui

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

type fakeResponder struct {
	mu         sync.Mutex
	approvalID string
	result     approval.Result
	err        error
}

func (f *fakeResponder) Respond(approvalID string, result approval.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalID = approvalID
	f.result = result
	return f.err
}

func newTestServer(t *testing.T) (*Server, *stream.Manager, *fakeResponder) {
	t.Helper()
	streams := stream.NewManager(stream.DefaultBufferCapacity, slog.Default())
	t.Cleanup(streams.Close)
	responder := &fakeResponder{}
	return NewServer(":0", streams, responder, slog.Default()), streams, responder
}

func TestHandleSendValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{nope"},
		{"missing content", `{"sender":"alice"}`},
		{"missing sender", `{"content":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleSend(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleSendGeneratesTopicID(t *testing.T) {
	s, _, _ := newTestServer(t)

	var got messenger.Prompt
	done := make(chan struct{})
	go func() {
		got = <-s.prompts
		close(done)
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/send",
		strings.NewReader(`{"sender":"alice","content":"hello","agentId":"helper"}`))
	rec := httptest.NewRecorder()
	s.handleSend(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp["topicId"], "topic-"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prompt was not delivered")
	}
	assert.Equal(t, resp["topicId"], got.TopicID)
	assert.Equal(t, "helper", got.AgentID)
	assert.Equal(t, "hello", got.Content)
}

func TestHandleSendDuringShutdownReturns503(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Nothing consumes s.prompts, so the handler blocks on the send until
	// shutdown unblocks it. It must answer 503, not panic.
	req := httptest.NewRequest(http.MethodPost, "/api/send",
		strings.NewReader(`{"sender":"alice","content":"hello"}`))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleSend(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(s.done)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish after shutdown")
	}
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}

func TestHandleStateEmptyTopic(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/topics/t1/state", nil)
	req.SetPathValue("id", "t1")
	rec := httptest.NewRecorder()
	s.handleState(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var state stream.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.IsProcessing)
}

func TestHandleStateActiveTopic(t *testing.T) {
	s, streams, _ := newTestServer(t)

	_, isNew := streams.CreateOrGetStream(t.Context(), "t1", "do the thing", "alice")
	require.True(t, isNew)
	_, ok := streams.WriteMessage("t1", stream.Message{Content: "working", MessageID: "m1"})
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/api/topics/t1/state", nil)
	req.SetPathValue("id", "t1")
	rec := httptest.NewRecorder()
	s.handleState(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var state stream.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.IsProcessing)
	assert.Equal(t, "do the thing", state.CurrentPrompt)
	require.Len(t, state.BufferedMessages, 1)
	assert.Equal(t, "working", state.BufferedMessages[0].Content)
}

func TestHandleRespond(t *testing.T) {
	s, _, responder := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/approvals/respond",
		strings.NewReader(`{"approvalId":"ap-1","result":"approved"}`))
	rec := httptest.NewRecorder()
	s.handleRespond(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	responder.mu.Lock()
	assert.Equal(t, "ap-1", responder.approvalID)
	assert.Equal(t, approval.Approved, responder.result)
	responder.mu.Unlock()
}

func TestHandleRespondUnknownApproval(t *testing.T) {
	s, _, responder := newTestServer(t)
	responder.err = approval.ErrApprovalNotFound

	req := httptest.NewRequest(http.MethodPost, "/api/approvals/respond",
		strings.NewReader(`{"approvalId":"missing","result":"rejected"}`))
	rec := httptest.NewRecorder()
	s.handleRespond(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRespondBadResult(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/approvals/respond",
		strings.NewReader(`{"approvalId":"ap-1","result":"shrug"}`))
	rec := httptest.NewRecorder()
	s.handleRespond(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventsReplayThenComplete(t *testing.T) {
	s, streams, _ := newTestServer(t)

	_, isNew := streams.CreateOrGetStream(t.Context(), "t1", "prompt", "alice")
	require.True(t, isNew)
	_, ok := streams.WriteMessage("t1", stream.Message{Content: "buffered", MessageID: "m1"})
	require.True(t, ok)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/topics/t1/events", nil).WithContext(ctx)
	req.SetPathValue("id", "t1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleEvents(rec, req)
		close(done)
	}()

	// Give the handler time to subscribe before tearing the stream down.
	time.Sleep(50 * time.Millisecond)
	streams.CompleteStream("t1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish after stream completion")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "event: state")
	assert.Contains(t, body, "buffered")
	assert.Contains(t, body, "event: complete")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestHandleEventsInactiveTopicCompletesImmediately(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/topics/gone/events", nil)
	req.SetPathValue("id", "gone")
	rec := httptest.NewRecorder()
	s.handleEvents(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: state")
	assert.Contains(t, body, "event: complete")
}

func TestApprovalResolvedPushesToListeners(t *testing.T) {
	s, _, _ := newTestServer(t)

	id, ch := s.addListener("t1")
	defer s.removeListener("t1", id)

	s.ApprovalResolved(approval.Resolution{TopicID: "t1", ApprovalID: "ap-1", Result: approval.Approved})

	select {
	case res := <-ch:
		assert.Equal(t, "ap-1", res.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("resolution not delivered")
	}

	// Other topics' listeners stay quiet.
	s.ApprovalResolved(approval.Resolution{TopicID: "other", ApprovalID: "ap-2"})
	select {
	case res := <-ch:
		t.Fatalf("unexpected resolution %v", res)
	case <-time.After(50 * time.Millisecond):
	}
}
