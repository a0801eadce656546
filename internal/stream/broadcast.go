// ABOUTME: Per-topic multi-subscriber fan-out primitive for stream messages.
// ABOUTME: Each subscriber owns an unbounded queue so a slow reader never blocks the rest.

package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Broadcast fans written messages out to every current subscriber.
//
// Subscribers only observe writes made after they subscribe; replay of
// earlier output is the Buffer's job. Every subscriber drains its own
// unbounded queue, so one stalled reader cannot block delivery to the
// others. The queue is unbounded on purpose: consumers are short-lived
// request-scoped connections that get pruned via context cancellation.
type Broadcast struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	completed   bool
}

// NewBroadcast creates an empty broadcast channel.
func NewBroadcast() *Broadcast {
	return &Broadcast{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a new reader and returns its receive channel plus a
// subscription ID for explicit removal. The subscription is cleaned up
// automatically when ctx is cancelled. Subscribing to a completed broadcast
// returns an already-closed channel.
func (b *Broadcast) Subscribe(ctx context.Context) (<-chan Message, string) {
	subID := uuid.New().String()

	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		ch := make(chan Message)
		close(ch)
		return ch, subID
	}
	sub := newSubscriber()
	b.subscribers[subID] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.out, subID
}

// Unsubscribe removes a subscription and releases its pump goroutine.
func (b *Broadcast) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
	}
	b.mu.Unlock()

	if ok {
		sub.drop()
	}
}

// Write delivers msg to every current subscriber. The subscriber set is
// snapshotted under the lock; queue pushes never block.
func (b *Broadcast) Write(msg Message) {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.push(msg)
	}
}

// Complete closes every subscriber queue and clears the subscriber set.
// It is terminal: later writes and subscriptions are no-ops.
func (b *Broadcast) Complete() {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	b.completed = true
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// subscriber couples an unbounded in-memory queue with a pump goroutine
// feeding a plain receive channel.
type subscriber struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	wake    chan struct{}
	done    chan struct{}
	dropped sync.Once
	out     chan Message
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Message),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops accepting writes; the pump drains what is queued, then closes out.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drop terminates immediately, discarding queued messages. Used when the
// consumer has gone away and will never drain the out channel.
func (s *subscriber) drop() {
	s.close()
	s.dropped.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
