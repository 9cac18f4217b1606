package proto

import (
	"errors"
	"fmt"
)

// Error categories shared by the directory and transfer protocols.
var (
	// ErrProtocol marks a malformed message or an unknown field. It signals a
	// version or implementation mismatch, never a transient fault.
	ErrProtocol = errors.New("protocol error")

	ErrInvalidSession  = errors.New("invalid session")
	ErrInvalidNickname = errors.New("invalid nickname")
	ErrAlreadyLoggedIn = errors.New("nickname already logged in")
	ErrNotFound        = errors.New("not found")
	ErrAmbiguous       = errors.New("ambiguous identifier")

	// ErrTransport covers timeouts, resets and exhausted retries.
	ErrTransport = errors.New("transport error")
)

// ProtocolError describes why a message could not be encoded or decoded.
type ProtocolError struct {
	Reason string
	Line   string // offending line, if any
}

func (e *ProtocolError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("protocol error: %s (line %q)", e.Reason, e.Line)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protoErr(line, format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Line: line}
}
