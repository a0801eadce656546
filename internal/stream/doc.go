// Package stream implements the per-topic streaming core of the relay.
//
// # Overview
//
// A Stream is the ephemeral unit of one broadcast round for a topic. It may
// cover several batched prompts: concurrent senders join the same stream
// instead of spawning a second one, and the pending-turn counter decides
// when the stream is actually done.
//
// The package composes three pieces:
//
//   - Broadcast: fan-out of future writes to any number of subscribers,
//     each with its own unbounded queue.
//   - Buffer: a capped FIFO replay log that merges fragments sharing a
//     messageId, so reconnecting clients replay final text, not deltas.
//   - Manager: the coordinator owning the topic→stream map, sequence
//     numbering, pending-turn counting and teardown.
//
// # Invariants
//
//   - At most one live stream exists per topic at any instant.
//   - Sequence numbers are gapless and strictly increasing per topic,
//     starting at 1.
//   - DecrementPendingAndCheckIfShouldComplete returns true exactly once
//     per stream lifecycle.
//   - Teardown is total: broadcast closed, context cancelled, buffer and
//     counters cleared.
package stream
