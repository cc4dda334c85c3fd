package obsws

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connection and protocol failures so callers can
// distinguish terminal conditions from local, recoverable ones.
type ErrorKind int

const (
	// KindTransport is a socket-level failure or close. Terminal for the
	// current connection; reconnection is an operator action, never automatic.
	KindTransport ErrorKind = iota
	// KindAuthentication means the challenge response was rejected.
	// Terminal and surfaced to the operator; not retried.
	KindAuthentication
	// KindProtocolViolation is an unparseable or semantically invalid frame.
	// Logged and dropped; the connection stays open.
	KindProtocolViolation
	// KindRequestTimeout means no response arrived within the deadline.
	// Only the specific pending request is rejected.
	KindRequestTimeout
	// KindRequestFailed is a typed error result carried in a response.
	KindRequestFailed
	// KindConnectionClosed rejects pending requests evicted by disconnect.
	KindConnectionClosed
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindRequestTimeout:
		return "request_timeout"
	case KindRequestFailed:
		return "request_failed"
	case KindConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// Error is a classified client error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("obsws: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("obsws: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal reports whether the error ends the current connection.
func (e *Error) Terminal() bool {
	return e.Kind == KindTransport || e.Kind == KindAuthentication
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, or KindTransport if err is not a
// classified client error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}
