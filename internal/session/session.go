package session

import (
	"context"
	"time"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/policy"
)

// BackendKind identifies which implementation backs a session.
type BackendKind string

const (
	BackendProvider BackendKind = "provider"
	BackendLocal    BackendKind = "local"
)

// Descriptor identifies one live session. Exactly one session exists per
// call at a time; failover replaces the descriptor.
type Descriptor struct {
	SessionID       string
	CallID          string
	PolicyVariantID string
	Backend         BackendKind
	CreatedAt       time.Time
}

// Session is the capability set every backend realizes: the local pipeline,
// the provider adapter, and the failover controller by composition. The
// session consumes inbound frames via PushFrame, emits outbound audio on the
// bus it was constructed with, and posts everything else on Events. It knows
// nothing about the FSM beyond that channel.
type Session interface {
	// Start begins the session under the given policy variant. Cancelling
	// ctx stops frame production within 120 ms and releases resources
	// within 1 s; cancellation is idempotent.
	Start(ctx context.Context, variant policy.Variant) error

	// PushFrame hands one inbound caller frame to the session. Never blocks.
	PushFrame(f audio.Frame) error

	// Events yields the session's typed event stream. Closed when the
	// session terminates.
	Events() <-chan Event

	// StopOutput aborts synthesis and flushes pending outbound audio,
	// keeping at most 40 ms already queued. Used for barge-in.
	StopOutput()

	// Speak synthesizes a literal utterance (greeting, apology) outside the
	// normal STT->LLM turn flow.
	Speak(text string) error

	Close() error
}
