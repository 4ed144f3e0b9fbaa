// Package engineerr defines the engine's error taxonomy. Every public
// operation on the engine, a backend, or the handoff queue returns a
// typed *Error rather than panicking or returning a bare error, so
// callers can branch on failure kind with Is instead of string matching.
package engineerr

import "fmt"

// Code is a stable error classification.
type Code string

const (
	Validation         Code = "validation"
	NotFound           Code = "not_found"
	BackendUnavailable Code = "backend_unavailable"
	Timeout            Code = "timeout"
	ChecksumMismatch   Code = "checksum_mismatch"

	// Queue-specific codes.
	AlreadyConsumed Code = "already_consumed"
	QueueFull       Code = "queue_full"
	QueueDone       Code = "queue_done"
	QueueDestroyed  Code = "queue_destroyed"
	QueuePaused     Code = "queue_paused"

	// Engine-specific codes.
	AllBackendsFailed  Code = "all_backends_failed"
	NoFallbackServices Code = "no_fallback_services"
	InitFailed         Code = "init_failed"
	ShutdownFailed     Code = "shutdown_failed"
	QueryUnsupported   Code = "query_unsupported"
)

// Error is the engine's single error type. It carries a stable code, the
// operation it occurred during, the backend involved (if any), the
// wrapped cause, and a free-form context bag for logging.
type Error struct {
	Code    Code
	Op      string
	Service string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Service != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s[%s]: %v", e.Op, e.Code, e.Service, e.Err)
		}
		return fmt.Sprintf("%s: %s[%s]", e.Op, e.Code, e.Service)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// WithService sets the backend a failure occurred against.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// WithContext attaches a key/value to the error's context bag.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	var e *Error
	if ok := as(err, &e); ok {
		return e.Code == code
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
