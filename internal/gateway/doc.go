// Package gateway is the relay's orchestrator: prompts in, agent turns out.
//
// # Overview
//
// Run wires the channel composite's prompt sequence to the agent backends.
// For each prompt the gateway resolves a topic (explicit id, correlation
// mapping, or chat session), reserves a turn on the topic's stream, and
// runs the agent in its own goroutine, splitting reasoning tags out of the
// output as it streams. A per-topic pump forwards the stream's broadcast
// into the shared outbound fan-out.
//
// # Invariants
//
//   - Every accepted prompt is registered on a live stream, and every
//     stream eventually resolves with a completion or an error; batched
//     prompts share one resolution.
//   - Reasoning extraction is scoped to a single turn; concurrent turns
//     never share splitter state.
package gateway
