package session

import "fmt"

// Kind is the error sum type shared across transport, failover, and FSM
// boundaries. Errors cross layers as values of this type, never as panics.
type Kind string

const (
	KindAuth               Kind = "auth"
	KindRateLimited        Kind = "rate_limited"
	KindFrameTooLarge      Kind = "frame_too_large"
	KindValidation         Kind = "validation"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendTimeout     Kind = "backend_timeout"
	KindInternal           Kind = "internal"
	KindPersistence        Kind = "persistence"
	KindTerminal           Kind = "terminal"
)

// Error carries a kind plus context. It implements error and unwraps to the
// cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WireCode maps an error kind onto the client-visible error codes.
func (k Kind) WireCode() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindFrameTooLarge:
		return "frame_too_large"
	case KindBackendUnavailable, KindBackendTimeout, KindTerminal:
		return "backend_unavailable"
	default:
		return "internal"
	}
}

// Recoverable reports whether failover may absorb this error instead of
// surfacing it to the FSM.
func (k Kind) Recoverable() bool {
	return k == KindBackendTimeout || k == KindBackendUnavailable
}
