// Package errs defines the error taxonomy shared by the gateway, shard and
// REST layers, and the helpers used to classify failures for retry decisions.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class groups errors by how the engine reacts to them.
type Class int

const (
	// ClassTransport is a connection-level failure, always retried up to the backoff cap.
	ClassTransport Class = iota
	// ClassProtocol is a malformed or unexpected frame; forces a reconnect.
	ClassProtocol
	// ClassSessionInvalidated is an explicit server signal forcing a fresh identify.
	ClassSessionInvalidated
	// ClassRateLimited is a 429 that outlived the retry ceiling.
	ClassRateLimited
	// ClassPermanent must not be retried automatically.
	ClassPermanent
	// ClassUnknown is anything else.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassSessionInvalidated:
		return "session_invalidated"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var (
	ErrClosed             = errors.New("closed")
	ErrNotFound           = errors.New("entity not found")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSequenceMismatch   = errors.New("sequence belongs to a different session")
)

// TransportError wraps a dial, read or write failure on a connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a frame the client could not make sense of.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SessionInvalidated is returned when the server rejects the current session.
type SessionInvalidated struct {
	Resumable bool
}

func (e *SessionInvalidated) Error() string {
	return fmt.Sprintf("session invalidated (resumable=%t)", e.Resumable)
}

// RateLimited is surfaced to a REST caller once the retry ceiling is hit.
type RateLimited struct {
	Bucket     string
	RetryAfter time.Duration
	Global     bool
	Attempts   int
}

func (e *RateLimited) Error() string {
	scope := "bucket " + e.Bucket
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited on %s after %d attempts (retry after %s)", scope, e.Attempts, e.RetryAfter)
}

// PermanentFailure marks a shard that must not be reconnected automatically.
type PermanentFailure struct {
	Shard  int
	Code   int
	Reason string
	Err    error
}

func (e *PermanentFailure) Error() string {
	msg := fmt.Sprintf("shard %d permanent failure", e.Shard)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (close code %d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentFailure) Unwrap() error { return e.Err }

// RESTError is a non-success HTTP response that is not retried.
type RESTError struct {
	Method  string
	URL     string
	Status  int
	Code    int
	Message string
	Body    []byte
}

func (e *RESTError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s (code %d)", e.Method, e.URL, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

// Classify maps an error onto the taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var (
		te *TransportError
		pe *ProtocolError
		si *SessionInvalidated
		rl *RateLimited
		pf *PermanentFailure
	)
	switch {
	case errors.As(err, &pf):
		return ClassPermanent
	case errors.As(err, &si):
		return ClassSessionInvalidated
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.As(err, &pe):
		return ClassProtocol
	case errors.As(err, &te):
		return ClassTransport
	}
	return ClassUnknown
}

// IsRecoverable reports whether a gateway session may reconnect after err.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	return Classify(err) != ClassPermanent
}

// IsNotFound reports whether err is a cache or REST miss.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var re *RESTError
	return errors.As(err, &re) && re.Status == 404
}
