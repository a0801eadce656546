// ABOUTME: Scheduled trigger adapter: cron expressions fire prompts into topics.
// ABOUTME: Definitions live in a TOML file so operators can edit schedules without recompiling.

package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/Dethon/agent-relay/internal/messenger"
)

// Definition is one scheduled prompt.
type Definition struct {
	Name     string `toml:"name"`
	Schedule string `toml:"schedule"`
	AgentID  string `toml:"agent_id"`
	TopicID  string `toml:"topic_id"`
	Prompt   string `toml:"prompt"`
}

type definitionsFile struct {
	Triggers []Definition `toml:"trigger"`
}

// LoadDefinitions reads and validates the trigger definitions file.
// Triggers without an explicit topic_id get one derived from their name, so
// repeated firings of the same trigger share a conversation.
func LoadDefinitions(path string) ([]Definition, error) {
	var file definitionsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("reading trigger definitions: %w", err)
	}

	seen := make(map[string]bool, len(file.Triggers))
	for i := range file.Triggers {
		def := &file.Triggers[i]
		if def.Name == "" {
			return nil, fmt.Errorf("trigger %d: name is required", i)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("trigger %q: duplicate name", def.Name)
		}
		seen[def.Name] = true
		if def.Schedule == "" {
			return nil, fmt.Errorf("trigger %q: schedule is required", def.Name)
		}
		if def.AgentID == "" {
			return nil, fmt.Errorf("trigger %q: agent_id is required", def.Name)
		}
		if def.Prompt == "" {
			return nil, fmt.Errorf("trigger %q: prompt is required", def.Name)
		}
		if def.TopicID == "" {
			def.TopicID = "trigger-" + def.Name
		}
	}
	return file.Triggers, nil
}

// Messenger runs the cron scheduler and emits each firing as a prompt.
type Messenger struct {
	defs      []Definition
	scheduler *cron.Cron
	logger    *slog.Logger
}

// New builds the scheduler from loaded definitions.
func New(defs []Definition, logger *slog.Logger) *Messenger {
	return &Messenger{
		defs:      defs,
		scheduler: cron.New(),
		logger:    logger.With("component", "trigger"),
	}
}

func (m *Messenger) Source() messenger.Source { return messenger.SourceScheduler }

// ReadPrompts registers every definition and starts the scheduler. The
// channel closes when ctx is cancelled. A definition with an invalid cron
// expression fails startup rather than silently never firing.
func (m *Messenger) ReadPrompts(ctx context.Context) (<-chan messenger.Prompt, error) {
	prompts := make(chan messenger.Prompt)

	for _, def := range m.defs {
		def := def
		_, err := m.scheduler.AddFunc(def.Schedule, func() {
			m.logger.Info("trigger fired", "name", def.Name, "topic_id", def.TopicID)
			select {
			case prompts <- messenger.Prompt{
				TopicID: def.TopicID,
				AgentID: def.AgentID,
				Sender:  "scheduler:" + def.Name,
				Content: def.Prompt,
			}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return nil, fmt.Errorf("registering trigger %q: %w", def.Name, err)
		}
	}

	m.scheduler.Start()
	go func() {
		<-ctx.Done()
		stopCtx := m.scheduler.Stop()
		<-stopCtx.Done()
		close(prompts)
	}()

	return prompts, nil
}

// ProcessResponseStream drains updates: the scheduler originates prompts
// but has nowhere to deliver responses. The web viewer carries them.
func (m *Messenger) ProcessResponseStream(ctx context.Context, updates <-chan messenger.Update) error {
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

// CreateTopicIfNeeded is a no-op: trigger topics are fixed by definition.
func (m *Messenger) CreateTopicIfNeeded(_ context.Context, _ messenger.Prompt) error {
	return nil
}
