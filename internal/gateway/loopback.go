// ABOUTME: Loopback agent: a development backend that streams the prompt back in chunks.
// ABOUTME: Lets the full relay pipeline run without a real conversational backend attached.

package gateway

import (
	"context"
	"time"
)

const loopbackChunkSize = 16

// LoopbackAgent echoes prompts back as a streamed response, prefixed with a
// short reasoning span so every fragment path gets exercised end to end.
type LoopbackAgent struct {
	id    string
	delay time.Duration
}

// NewLoopbackAgent creates a loopback agent with the given id. delay is the
// pause between chunks, simulating generation latency.
func NewLoopbackAgent(id string, delay time.Duration) *LoopbackAgent {
	return &LoopbackAgent{id: id, delay: delay}
}

func (a *LoopbackAgent) ID() string { return a.id }

func (a *LoopbackAgent) Run(ctx context.Context, req Request) (<-chan Fragment, error) {
	out := make(chan Fragment)
	go func() {
		defer close(out)

		response := reasoningOpen + "echoing the prompt back" + reasoningClose +
			"You said: " + req.Prompt

		for i := 0; i < len(response); i += loopbackChunkSize {
			end := i + loopbackChunkSize
			if end > len(response) {
				end = len(response)
			}
			select {
			case out <- Fragment{Content: response[i:end]}:
			case <-ctx.Done():
				return
			}
			if a.delay > 0 {
				select {
				case <-time.After(a.delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
