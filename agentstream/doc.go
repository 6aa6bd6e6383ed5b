// Package agentstream defines the normalized event vocabulary that every
// provider adapter (HTTP streams and CLI subprocesses) emits.
//
// # Background
//
// Each provider speaks its own streaming grammar: the Anthropic Messages API
// and the Claude CLI use block-oriented events, Chat Completions endpoints send
// flat deltas keyed by tool-call index, and the Codex CLI reports whole items.
// Downstream consumers (the journal, the HTTP reader endpoint, persistence)
// should not care which one produced a stream, so adapters translate into the
// Event type defined here.
//
// # Blocks
//
// Content is organized into blocks addressed by BlockIndex. A block is opened
// by a *_start event, may receive deltas, and is closed by the matching *_stop
// event. Indexes are allocated monotonically as blocks open within a stream.
//
// # Terminal events
//
// Every stream ends with exactly one terminal event, either Done or Error.
// The Guard type enforces this together with the block pairing rules, and
// synthesizes stop events for blocks left open when a stream ends early.
package agentstream
