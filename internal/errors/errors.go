// Package errors defines the daemon's closed error taxonomy: every failure
// surfaced across a component boundary (storage, the LSP process, the pool,
// the cache, IPC) wraps one of these kinds so a caller can branch on Kind()
// without string-matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of error categories the daemon reports across
// component boundaries.
type Kind string

const (
	// UnknownLanguage: a file's language could not be determined or has no
	// registered LSP server.
	UnknownLanguage Kind = "unknown_language"
	// StorageError: an I/O or deserialization failure in the storage
	// backend. Callers must treat it as a cache miss but not swallow it on
	// writes.
	StorageError Kind = "storage_error"
	// LspInitialization: the child LSP process failed its initialize/
	// initialized handshake.
	LspInitialization Kind = "lsp_initialization"
	// LspTimeout: a request to a child LSP process exceeded its deadline.
	LspTimeout Kind = "lsp_timeout"
	// LspProcessExit: the child LSP process exited unexpectedly.
	LspProcessExit Kind = "lsp_process_exit"
	// LspFraming: the Content-Length-framed stream from a child LSP process
	// could not be parsed.
	LspFraming Kind = "lsp_framing"
	// LspProtocol: a child LSP process returned a JSON-RPC error response or
	// malformed payload.
	LspProtocol Kind = "lsp_protocol"
	// CircuitOpen: the health monitor's circuit breaker is open for this
	// (language, workspace) pair; the request is rejected without dispatch.
	CircuitOpen Kind = "circuit_open"
	// CapacityExhausted: a server pool is at max_size with no server
	// available within the wait budget.
	CapacityExhausted Kind = "capacity_exhausted"
	// InvalidUid: a UID string failed validate_uid.
	InvalidUid Kind = "invalid_uid"
	// InvalidInput: a caller-supplied argument violated a precondition
	// (empty symbol name, non-positive line number, and similar).
	InvalidInput Kind = "invalid_input"
	// Shutdown: the operation was rejected because the daemon, pool, or
	// connection is shutting down.
	Shutdown Kind = "shutdown"
)

// Error wraps an underlying error with a Kind and a timestamp, following the
// teacher's IndexingError/ConfigError shape: a typed, timestamped wrapper
// with Unwrap support for errors.Is/As.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Timestamp  time.Time
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Underlying: err, Timestamp: time.Now()}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target has the same Kind, so errors.Is(err,
// &Error{Kind: CircuitOpen}) works without matching Message/Underlying.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel is a convenience matcher for a given kind, e.g.
// errors.Is(err, errors.Sentinel(errors.CircuitOpen)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}
