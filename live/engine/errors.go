package engine

import (
	"fmt"

	"github.com/wricardo/livetest/live/protocol"
)

// Error is a typed rejection. Kind is the protocol message sent back to the
// client; errors.Is matches on Kind alone.
type Error struct {
	Kind   protocol.Type
	Reason string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Message frames the rejection for the wire.
func (e *Error) Message() []byte {
	return protocol.Reject(e.Kind, e.Reason)
}

var (
	ErrUnauthorized      = &Error{Kind: protocol.TypeUnauthorized, Reason: "not permitted"}
	ErrSessionNotFound   = &Error{Kind: protocol.TypeSessionNotFound, Reason: "session not found"}
	ErrSessionClosed     = &Error{Kind: protocol.TypeSessionClosed, Reason: "session is completed"}
	ErrSessionFull       = &Error{Kind: protocol.TypeSessionFull, Reason: "session is full"}
	ErrStaleSubmission   = &Error{Kind: protocol.TypeStaleSubmission, Reason: "question is not open"}
	ErrSessionPaused     = &Error{Kind: protocol.TypeSessionPaused, Reason: "session is paused"}
	ErrInvalidTransition = &Error{Kind: protocol.TypeInvalidTransition, Reason: "not allowed in the current status"}
)

func reject(kind protocol.Type, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
