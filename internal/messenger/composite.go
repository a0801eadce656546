// ABOUTME: CompositeMessenger fans N adapters' prompts into one stream and splits updates back out.
// ABOUTME: The single upstream update sequence is bridged into per-adapter queues, never re-run per adapter.

package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// adapterQueueSize is the outbound queue depth per adapter. A full queue
// drops updates for that adapter only; one slow surface never breaks
// delivery to the others.
const adapterQueueSize = 256

// Composite composes N channel adapters behind the Messenger interface.
type Composite struct {
	adapters  []Messenger
	universal Source

	// broadcastUnknown controls updates whose chat could not be resolved:
	// false routes them only to the universal viewer, true to every adapter.
	broadcastUnknown bool

	logger *slog.Logger
}

// NewComposite builds the composite over the given adapters. universal
// names the surface that sees every update (the web UI).
func NewComposite(adapters []Messenger, universal Source, broadcastUnknown bool, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{
		adapters:         adapters,
		universal:        universal,
		broadcastUnknown: broadcastUnknown,
		logger:           logger.With("component", "composite"),
	}
}

// Source implements Messenger.
func (c *Composite) Source() Source { return "composite" }

// ReadPrompts starts every adapter's inbound side and merges the prompt
// sequences into one channel, tagging each prompt with its adapter's
// Source. The merged channel closes once every adapter sequence closes.
func (c *Composite) ReadPrompts(ctx context.Context) (<-chan Prompt, error) {
	merged := make(chan Prompt)
	var wg sync.WaitGroup

	for _, adapter := range c.adapters {
		prompts, err := adapter.ReadPrompts(ctx)
		if err != nil {
			return nil, fmt.Errorf("starting %s inbound: %w", adapter.Source(), err)
		}

		wg.Add(1)
		go func(source Source, prompts <-chan Prompt) {
			defer wg.Done()
			for p := range prompts {
				p.Source = source
				select {
				case merged <- p:
				case <-ctx.Done():
					return
				}
			}
		}(adapter.Source(), prompts)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged, nil
}

// ProcessResponseStream bridges the single upstream update sequence into
// one queue per adapter. All queues close together when the upstream
// completes or ctx fires.
func (c *Composite) ProcessResponseStream(ctx context.Context, updates <-chan Update) error {
	g, ctx := errgroup.WithContext(ctx)

	queues := make(map[Source]chan Update, len(c.adapters))
	for _, adapter := range c.adapters {
		q := make(chan Update, adapterQueueSize)
		queues[adapter.Source()] = q
		g.Go(func() error {
			return adapter.ProcessResponseStream(ctx, q)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				c.dispatch(queues, update)
			}
		}
	})

	return g.Wait()
}

// dispatch routes one update into the entitled adapters' queues.
func (c *Composite) dispatch(queues map[Source]chan Update, update Update) {
	for source, q := range queues {
		if !c.entitled(source, update.Source) {
			continue
		}
		select {
		case q <- update:
		default:
			// Queue full: drop for this adapter only.
			c.logger.Warn("outbound queue full, update dropped",
				"adapter", source,
				"topic_id", update.TopicID,
				"sequence", update.Message.SequenceNumber)
		}
	}
}

// entitled decides whether the adapter with the given source receives an
// update with the given tag.
func (c *Composite) entitled(adapter, tag Source) bool {
	if adapter == c.universal {
		return true
	}
	if tag == SourceUnknown {
		return c.broadcastUnknown
	}
	return adapter == tag
}

// CreateTopicIfNeeded forwards to the adapter owning the prompt's source.
func (c *Composite) CreateTopicIfNeeded(ctx context.Context, p Prompt) error {
	for _, adapter := range c.adapters {
		if adapter.Source() == p.Source {
			return adapter.CreateTopicIfNeeded(ctx, p)
		}
	}
	return nil
}
