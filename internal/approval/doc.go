// Package approval coordinates human sign-off on agent tool calls.
//
// # Overview
//
// An agent turn that wants to run a guarded tool blocks on RequestApproval
// until a human resolves it from any surface: a Telegram inline keyboard,
// the web API, or stream teardown forcing a rejection. The Manager owns the
// pending set, publishes the request into the topic's stream so every
// surface sees it, and pushes the resolution back out through an optional
// Notifier.
//
// # Invariants
//
//   - Each approval resolves exactly once; later responses get
//     ErrApprovalNotFound.
//   - Tearing a topic's stream down rejects all of its pending approvals,
//     so no agent turn waits on a conversation that no longer exists.
package approval
