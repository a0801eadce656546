// ABOUTME: Interactive terminal adapter: stdin prompts, colorized streamed responses.
// ABOUTME: One topic per process; every line typed joins the same conversation.

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

// Messenger reads prompts line by line and renders the stream as it
// arrives. Unlike Telegram, a terminal can show fragments live, so content
// is printed incrementally instead of buffered per turn.
type Messenger struct {
	agentID string
	topicID string
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
	gray   *color.Color
}

// New builds the terminal adapter for the given agent.
func New(agentID string, logger *slog.Logger) *Messenger {
	return newWithIO(agentID, os.Stdin, os.Stdout, logger)
}

func newWithIO(agentID string, in io.Reader, out io.Writer, logger *slog.Logger) *Messenger {
	return &Messenger{
		agentID: agentID,
		topicID: "cli-" + uuid.NewString(),
		in:      in,
		out:     out,
		logger:  logger.With("component", "cli"),
		cyan:    color.New(color.FgCyan),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		gray:    color.New(color.FgHiBlack),
	}
}

func (m *Messenger) Source() messenger.Source { return messenger.SourceCLI }

// ReadPrompts scans stdin. The channel closes on EOF or ctx cancellation.
func (m *Messenger) ReadPrompts(ctx context.Context) (<-chan messenger.Prompt, error) {
	prompts := make(chan messenger.Prompt)
	go func() {
		defer close(prompts)
		m.cyan.Fprint(m.out, "> ")
		scanner := bufio.NewScanner(m.in)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				m.cyan.Fprint(m.out, "> ")
				continue
			}
			p := messenger.Prompt{
				TopicID: m.topicID,
				AgentID: m.agentID,
				Sender:  "cli",
				Content: line,
			}
			select {
			case prompts <- p:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			m.logger.Warn("stdin read failed", "error", err)
		}
	}()
	return prompts, nil
}

// ProcessResponseStream renders updates for this adapter's topic.
func (m *Messenger) ProcessResponseStream(ctx context.Context, updates <-chan messenger.Update) error {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.TopicID != m.topicID {
				continue
			}
			m.render(update.Message)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Messenger) render(msg stream.Message) {
	switch {
	case msg.UserMessage != "":
		// already visible: the user typed it
	case msg.ApprovalRequest != nil:
		m.yellow.Fprintf(m.out, "\n[approval required: %s]\n", msg.ApprovalRequest.ApprovalID)
		for _, call := range msg.ApprovalRequest.ToolCalls {
			m.yellow.Fprintf(m.out, "  %s %s\n", call.Name, call.Arguments)
		}
		m.gray.Fprintln(m.out, "respond via the web viewer or telegram")
	case msg.Error != "":
		m.red.Fprintf(m.out, "\nerror: %s\n", msg.Error)
	case msg.IsComplete:
		fmt.Fprintln(m.out)
		m.cyan.Fprint(m.out, "> ")
	default:
		if msg.Reasoning != "" {
			m.gray.Fprint(m.out, msg.Reasoning)
		}
		if msg.ToolCalls != "" {
			m.yellow.Fprintf(m.out, "\n[tool] %s\n", msg.ToolCalls)
		}
		if msg.Content != "" {
			m.green.Fprint(m.out, msg.Content)
		}
	}
}

// CreateTopicIfNeeded is a no-op: the terminal's single topic exists for
// the life of the process.
func (m *Messenger) CreateTopicIfNeeded(_ context.Context, _ messenger.Prompt) error {
	return nil
}
