// ABOUTME: Bounded replay log that late and reconnecting subscribers catch up from.
// ABOUTME: Consolidates fragments sharing a messageId so replays carry final text, not deltas.

package stream

import (
	"container/list"
	"sync"
)

// DefaultBufferCapacity is the per-topic replay log size.
const DefaultBufferCapacity = 100

// Buffer is an append-only, capacity-capped log of stream messages with
// FIFO eviction. In consolidating mode (the default), content/reasoning/
// tool-call fragments that share a MessageID are merged in place into one
// entry by string concatenation per field, so a reconnecting client replays
// the final per-message text instead of every delta. Control messages are
// always appended as distinct entries.
//
// Uses a doubly-linked list to keep insertion order with O(1) eviction;
// evicting a consolidated entry also discards its accumulator index entry so
// memory does not grow with message churn.
type Buffer struct {
	mu          sync.Mutex
	capacity    int
	consolidate bool
	entries     *list.List               // of *Message, oldest at front
	byMessageID map[string]*list.Element // fragment accumulator index

	lastMessageID string
}

// NewBuffer creates a consolidating buffer. A capacity <= 0 falls back to
// DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	return newBuffer(capacity, true)
}

// NewAppendOnlyBuffer creates a buffer that appends every fragment as its
// own entry instead of merging by MessageID.
func NewAppendOnlyBuffer(capacity int) *Buffer {
	return newBuffer(capacity, false)
}

func newBuffer(capacity int, consolidate bool) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		capacity:    capacity,
		consolidate: consolidate,
		entries:     list.New(),
		byMessageID: make(map[string]*list.Element),
	}
}

// Add records msg in the log, merging fragments into their accumulated
// entry when consolidation applies.
func (b *Buffer) Add(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.MessageID != "" {
		b.lastMessageID = msg.MessageID
	}

	if b.consolidate && !msg.IsControl() && msg.MessageID != "" {
		if elem, ok := b.byMessageID[msg.MessageID]; ok {
			entry := elem.Value.(*Message)
			entry.Content += msg.Content
			entry.Reasoning += msg.Reasoning
			entry.ToolCalls += msg.ToolCalls
			entry.SequenceNumber = msg.SequenceNumber
			return
		}
		stored := msg
		elem := b.entries.PushBack(&stored)
		b.byMessageID[msg.MessageID] = elem
		b.evictOverflow()
		return
	}

	stored := msg
	b.entries.PushBack(&stored)
	b.evictOverflow()
}

// evictOverflow drops oldest entries until the log fits the capacity.
// Caller must hold b.mu.
func (b *Buffer) evictOverflow() {
	for b.entries.Len() > b.capacity {
		front := b.entries.Front()
		entry := front.Value.(*Message)
		if entry.MessageID != "" {
			if indexed, ok := b.byMessageID[entry.MessageID]; ok && indexed == front {
				delete(b.byMessageID, entry.MessageID)
			}
		}
		b.entries.Remove(front)
	}
}

// Messages returns a copy of the buffered log in insertion order.
func (b *Buffer) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, 0, b.entries.Len())
	for elem := b.entries.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Message))
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// LastMessageID returns the MessageID of the most recently added message
// that carried one, or "".
func (b *Buffer) LastMessageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMessageID
}
