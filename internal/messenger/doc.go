// Package messenger defines the channel-adapter contract and its composite.
//
// # Overview
//
// A Messenger is one conversational surface: Telegram, the web viewer, the
// NATS queue, the interactive CLI, or the cron trigger source. Each adapter
// turns its native traffic into Prompts and renders outbound Updates in
// whatever shape its surface supports.
//
// The Composite is the only Messenger the gateway talks to. It fans
// adapter prompt channels into one sequence, tagging each prompt with its
// source, and fans outbound updates back out through per-adapter queues so
// one slow surface cannot stall the others. Updates are routed by the
// source that created the topic; the universal adapter (the web viewer)
// additionally receives a copy of everything.
package messenger
