// ABOUTME: Universal web viewer: HTTP API plus SSE streaming for every topic.
// ABOUTME: Replay comes from the stream buffer, live tail from a broadcast subscription, joined by sequence number.

package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// ApprovalResponder resolves approval decisions arriving over HTTP.
type ApprovalResponder interface {
	Respond(approvalID string, result approval.Result) error
}

// SendRequest is the POST /api/send body.
type SendRequest struct {
	TopicID string `json:"topicId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// RespondRequest is the POST /api/approvals/respond body.
type RespondRequest struct {
	ApprovalID string          `json:"approvalId"`
	Result     approval.Result `json:"result"`
}

// Server is the web surface. Unlike the other adapters it does not consume
// the outbound update fan-out: each SSE connection subscribes to the
// topic's broadcast directly, which gives reconnecting browsers the
// buffered-replay-then-live-tail view.
type Server struct {
	addr      string
	streams   *stream.Manager
	approvals ApprovalResponder
	logger    *slog.Logger

	prompts chan messenger.Prompt
	done    chan struct{}

	mu        sync.Mutex
	listeners map[string]map[int64]chan approval.Resolution
	nextID    int64

	httpServer *http.Server
}

// NewServer builds the web viewer on addr.
func NewServer(addr string, streams *stream.Manager, approvals ApprovalResponder, logger *slog.Logger) *Server {
	s := &Server{
		addr:      addr,
		streams:   streams,
		approvals: approvals,
		logger:    logger.With("component", "webui"),
		prompts:   make(chan messenger.Prompt),
		done:      make(chan struct{}),
		listeners: make(map[string]map[int64]chan approval.Resolution),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/topics/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/topics/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/approvals/respond", s.handleRespond)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) Source() messenger.Source { return messenger.SourceWeb }

// ReadPrompts starts the HTTP listener and returns the prompt sequence fed
// by POST /api/send. The listener shuts down when ctx is cancelled.
func (s *Server) ReadPrompts(ctx context.Context) (<-chan messenger.Prompt, error) {
	go func() {
		s.logger.Info("web viewer listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		// Unblock any handleSend waiting on the prompt channel before the
		// channel can be closed: Shutdown does not cancel in-flight request
		// contexts, and a send on a closed channel panics.
		close(s.done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
		// Shutdown has returned, so no handler can still be at the send.
		close(s.prompts)
	}()

	return s.prompts, nil
}

// ProcessResponseStream drains the outbound fan-out. Delivery to browsers
// happens through per-connection broadcast subscriptions instead, so the
// universal copy of each update carries no extra work here.
func (s *Server) ProcessResponseStream(ctx context.Context, updates <-chan messenger.Update) error {
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateTopicIfNeeded is a no-op: web topics exist as soon as a stream does.
func (s *Server) CreateTopicIfNeeded(_ context.Context, _ messenger.Prompt) error {
	return nil
}

// ApprovalResolved implements approval.Notifier: the resolution is pushed
// to every SSE connection watching the topic.
func (s *Server) ApprovalResolved(res approval.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners[res.TopicID] {
		select {
		case ch <- res:
		default:
			// listener is wedged; it will catch up from the buffer
		}
	}
}

func (s *Server) addListener(topicID string) (int64, chan approval.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.listeners[topicID] == nil {
		s.listeners[topicID] = make(map[int64]chan approval.Resolution)
	}
	ch := make(chan approval.Resolution, 8)
	s.listeners[topicID][id] = ch
	return id, ch
}

func (s *Server) removeListener(topicID string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners[topicID], id)
	if len(s.listeners[topicID]) == 0 {
		delete(s.listeners, topicID)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	topicID := req.TopicID
	if topicID == "" {
		topicID = "topic-" + uuid.NewString()
	}

	p := messenger.Prompt{
		TopicID: topicID,
		AgentID: req.AgentID,
		Sender:  req.Sender,
		Content: req.Content,
	}

	select {
	case s.prompts <- p:
	case <-s.done:
		s.sendJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case <-r.Context().Done():
		s.sendJSONError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"topicId": topicID})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	topicID := r.PathValue("id")

	state := s.streams.GetStreamState(topicID)
	if state == nil {
		state = &stream.State{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

// handleEvents streams the topic over SSE: a state event with the buffered
// replay, then live messages. Replay and tail overlap during the handoff;
// sequence numbers deduplicate.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topicID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before snapshotting so nothing written during the handoff
	// is missed. Messages older than the snapshot are skipped by sequence.
	live, unsubscribe, streaming := s.streams.Subscribe(r.Context(), topicID)
	if streaming {
		defer unsubscribe()
	}

	state := s.streams.GetStreamState(topicID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var lastSeq int64
	if state != nil {
		for _, msg := range state.BufferedMessages {
			if msg.SequenceNumber > lastSeq {
				lastSeq = msg.SequenceNumber
			}
		}
		s.writeSSEEvent(w, "state", state)
	} else {
		s.writeSSEEvent(w, "state", &stream.State{})
	}
	flusher.Flush()

	if !streaming {
		s.writeSSEEvent(w, "complete", map[string]string{"topicId": topicID})
		flusher.Flush()
		return
	}

	listenerID, resolutions := s.addListener(topicID)
	defer s.removeListener(topicID, listenerID)

	for {
		select {
		case msg, ok := <-live:
			if !ok {
				s.writeSSEEvent(w, "complete", map[string]string{"topicId": topicID})
				flusher.Flush()
				return
			}
			if msg.SequenceNumber <= lastSeq {
				continue
			}
			s.writeSSEEvent(w, "message", msg)
			flusher.Flush()
		case res := <-resolutions:
			s.writeSSEEvent(w, "approval_resolved", res)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ApprovalID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "approvalId is required")
		return
	}
	switch req.Result {
	case approval.Approved, approval.ApprovedAndRemember, approval.Rejected:
	default:
		s.sendJSONError(w, http.StatusBadRequest, "result must be approved, approved_and_remember, or rejected")
		return
	}

	if err := s.approvals.Respond(req.ApprovalID, req.Result); err != nil {
		if errors.Is(err, approval.ErrApprovalNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "approval not found or already resolved")
			return
		}
		s.logger.Error("failed to resolve approval", "approval_id", req.ApprovalID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// parseSendRequest parses and validates a SendRequest from the given reader.
// Returns an error if the JSON is invalid or required fields are missing.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	if req.Sender == "" {
		return nil, errors.New("sender is required")
	}

	return &req, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
