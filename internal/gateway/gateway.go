// ABOUTME: Gateway orchestrator: composes store, managers, and channel adapters, and runs the prompt loop.
// ABOUTME: Each prompt becomes one agent turn; turn output fans out through the composite messenger.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/channels/cli"
	"github.com/Dethon/agent-relay/internal/channels/queue"
	"github.com/Dethon/agent-relay/internal/channels/telegram"
	"github.com/Dethon/agent-relay/internal/channels/webui"
	"github.com/Dethon/agent-relay/internal/config"
	"github.com/Dethon/agent-relay/internal/correlation"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/session"
	"github.com/Dethon/agent-relay/internal/store"
	"github.com/Dethon/agent-relay/internal/stream"
	"github.com/Dethon/agent-relay/internal/trigger"
)

const updateQueueSize = 256

// Gateway wires the coordination layer together and drives it.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	streams   *stream.Manager
	sessions  *session.Manager
	approvals *approval.Manager
	mapper    *correlation.Mapper
	composite *messenger.Composite

	agents       map[string]Agent
	defaultAgent string

	updates chan messenger.Update
}

// New creates a Gateway from configuration. Channel adapters are built
// according to their enable flags; the web viewer is always on because it
// is the universal fallback surface.
func New(cfg *config.Config, agents map[string]Agent, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	streams := stream.NewManager(cfg.Stream.BufferCapacity, logger)
	approvals := approval.NewManager(streams, nil, logger)
	streams.SetTeardownHook(approvals.CancelPendingApprovalsForTopic)

	web := webui.NewServer(cfg.Server.HTTPAddr, streams, approvals, logger)
	approvals.SetNotifier(web)

	adapters := []messenger.Messenger{web}

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, approvals, logger)
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("starting telegram adapter: %w", err)
		}
		adapters = append(adapters, tg)
	}

	if cfg.Channels.Queue.Enabled {
		q, err := queue.New(cfg.Channels.Queue, cfg.Agents.Allowed, logger)
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("starting queue adapter: %w", err)
		}
		adapters = append(adapters, q)
	}

	if cfg.Channels.CLI.Enabled {
		adapters = append(adapters, cli.New(cfg.Channels.CLI.AgentID, logger))
	}

	if cfg.Triggers.Path != "" {
		defs, err := trigger.LoadDefinitions(cfg.Triggers.Path)
		if err != nil {
			sqlStore.Close()
			return nil, err
		}
		adapters = append(adapters, trigger.New(defs, logger))
	}

	composite := messenger.NewComposite(adapters, messenger.SourceWeb, cfg.Routing.BroadcastUnknownChats, logger)

	defaultAgent := ""
	if len(cfg.Agents.Allowed) > 0 {
		defaultAgent = cfg.Agents.Allowed[0]
	}

	return &Gateway{
		cfg:          cfg,
		logger:       logger.With("component", "gateway"),
		store:        sqlStore,
		streams:      streams,
		sessions:     session.NewManager(logger),
		approvals:    approvals,
		mapper:       correlation.NewMapper(sqlStore, logger),
		composite:    composite,
		agents:       agents,
		defaultAgent: defaultAgent,
		updates:      make(chan messenger.Update, updateQueueSize),
	}, nil
}

// Run drives the gateway until ctx is cancelled. Inbound prompts and
// outbound fan-out run concurrently; a failure in either side stops both.
func (g *Gateway) Run(ctx context.Context) error {
	prompts, err := g.composite.ReadPrompts(ctx)
	if err != nil {
		return fmt.Errorf("starting adapters: %w", err)
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return g.composite.ProcessResponseStream(grpCtx, g.updates)
	})

	grp.Go(func() error {
		for p := range prompts {
			g.handlePrompt(grpCtx, p)
		}
		return nil
	})

	err = grp.Wait()
	g.streams.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown releases resources after Run returns.
func (g *Gateway) Shutdown() error {
	g.streams.Close()
	return g.store.Close()
}

// handlePrompt resolves the prompt to a topic and agent, echoes it, and
// starts one agent turn against the topic's stream.
func (g *Gateway) handlePrompt(ctx context.Context, p messenger.Prompt) {
	p, err := g.resolveTopic(ctx, p)
	if err != nil {
		g.logger.Error("failed to resolve topic", "source", p.Source, "error", err)
		return
	}

	agentID := g.resolveAgent(p)
	g.sessions.StartSession(p.TopicID, agentID, p.ChatID, p.ThreadID)

	if err := g.composite.CreateTopicIfNeeded(ctx, p); err != nil {
		g.logger.Warn("adapter topic setup failed", "topic_id", p.TopicID, "error", err)
	}

	var handle stream.Handle
	for {
		var isNew bool
		handle, isNew = g.streams.CreateOrGetStream(ctx, p.TopicID, p.Content, p.Sender)
		if isNew {
			// Subscribe before the first write so the pump sees the echo.
			msgs, _ := handle.Broadcast.Subscribe(ctx)
			go g.pump(ctx, p, msgs)
		}

		g.streams.WriteMessage(p.TopicID, stream.UserEcho(p.Content))

		if g.streams.TryIncrementPending(p.TopicID) {
			break
		}
		// The last turn completed between the join and the reservation and
		// took the stream slot with it. The slot is free again, so the next
		// pass creates a fresh stream instead of dropping the prompt.
		g.logger.Debug("stream completed mid-join, recreating", "topic_id", p.TopicID)
		if ctx.Err() != nil {
			return
		}
	}

	go g.runTurn(handle.Ctx, p, agentID)
}

// resolveTopic fills in TopicID (and chat coordinates) for prompts that
// arrive without one: queue prompts through the correlation mapper,
// chat-surface prompts through the session registry.
func (g *Gateway) resolveTopic(ctx context.Context, p messenger.Prompt) (messenger.Prompt, error) {
	if p.TopicID != "" {
		return p, nil
	}

	if p.ExternalID != "" {
		mapping, isNew, err := g.mapper.GetOrCreateMapping(ctx, p.ExternalID, p.AgentID)
		if err != nil {
			return p, err
		}
		if isNew {
			g.logger.Info("correlation established",
				"external_id", p.ExternalID, "agent_id", p.AgentID, "topic_id", mapping.TopicID)
		}
		p.TopicID = mapping.TopicID
		p.ChatID = mapping.ChatID
		p.ThreadID = mapping.ThreadID
		return p, nil
	}

	if p.ChatID != 0 {
		if topicID, ok := g.sessions.GetTopicIDByChatID(p.ChatID); ok {
			p.TopicID = topicID
			return p, nil
		}
	}

	p.TopicID = "topic-" + uuid.NewString()
	return p, nil
}

func (g *Gateway) resolveAgent(p messenger.Prompt) string {
	if p.AgentID != "" {
		return p.AgentID
	}
	if sess, err := g.sessions.GetSession(p.TopicID); err == nil && sess.AgentID != "" {
		return sess.AgentID
	}
	return g.defaultAgent
}

// pump forwards one topic's broadcast into the shared outbound fan-out,
// tagged with the surface that created the topic. It exits when the
// broadcast completes.
func (g *Gateway) pump(ctx context.Context, p messenger.Prompt, msgs <-chan stream.Message) {
	for msg := range msgs {
		update := messenger.Update{
			Source:   p.Source,
			TopicID:  p.TopicID,
			ChatID:   p.ChatID,
			ThreadID: p.ThreadID,
			Message:  msg,
		}
		select {
		case g.updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

// runTurn executes one agent turn and writes its output into the stream.
// The final pending decrement triggers stream completion exactly once even
// when prompts were batched onto the same stream.
func (g *Gateway) runTurn(ctx context.Context, p messenger.Prompt, agentID string) {
	defer func() {
		if g.streams.DecrementPendingAndCheckIfShouldComplete(p.TopicID) {
			g.streams.WriteMessage(p.TopicID, stream.Completion())
			g.streams.CompleteStream(p.TopicID)
		}
	}()

	agent, ok := g.agents[agentID]
	if !ok {
		g.logger.Warn("prompt for unknown agent", "agent_id", agentID, "topic_id", p.TopicID)
		g.streams.WriteMessage(p.TopicID, stream.ErrorMessage(fmt.Sprintf("unknown agent %q", agentID)))
		return
	}

	if g.cfg.Agents.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Agents.TurnTimeout)
		defer cancel()
	}

	fragments, err := agent.Run(ctx, Request{
		TopicID:  p.TopicID,
		Prompt:   p.Content,
		Sender:   p.Sender,
		Approver: g.approvals,
	})
	if err != nil {
		g.logger.Error("agent turn failed to start", "agent_id", agentID, "topic_id", p.TopicID, "error", err)
		g.streams.WriteMessage(p.TopicID, stream.ErrorMessage("agent unavailable: "+err.Error()))
		return
	}

	messageID := uuid.NewString()
	splitter := newReasoningSplitter()

	for frag := range fragments {
		content, reasoning := splitter.Feed(frag.Content)
		g.writeFragment(p.TopicID, messageID, content, reasoning, frag.ToolCalls)
	}

	content, reasoning := splitter.Flush()
	g.writeFragment(p.TopicID, messageID, content, reasoning, "")

	if err := ctx.Err(); err != nil {
		g.streams.WriteMessage(p.TopicID, stream.ErrorMessage("agent turn interrupted: "+err.Error()))
	}
}

func (g *Gateway) writeFragment(topicID, messageID, content, reasoning, toolCalls string) {
	if content == "" && reasoning == "" && toolCalls == "" {
		return
	}
	g.streams.WriteMessage(topicID, stream.Message{
		Content:   content,
		Reasoning: reasoning,
		ToolCalls: toolCalls,
		MessageID: messageID,
	})
}
