package upload

import (
	"errors"
	"fmt"
)

// Outcome classifies the result of a chunk or finalize operation. Duplicate
// delivery is an expected consequence of at-least-once transports, so it is a
// first-class outcome rather than an error.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCaller    Outcome = "caller_error"
	OutcomeTransient Outcome = "transient_error"
	OutcomeFatal     Outcome = "fatal_error"
)

// Error carries the outcome class alongside the underlying failure so HTTP
// handlers and the client transport can pick a retry policy without string
// matching.
type Error struct {
	Class Outcome
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func callerErrorf(format string, args ...any) error {
	return &Error{Class: OutcomeCaller, Err: fmt.Errorf(format, args...)}
}

func transientErrorf(format string, args ...any) error {
	return &Error{Class: OutcomeTransient, Err: fmt.Errorf(format, args...)}
}

func fatalErrorf(format string, args ...any) error {
	return &Error{Class: OutcomeFatal, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the outcome class from an error, defaulting unclassified
// failures to transient so callers retry rather than give up on plumbing
// errors.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeAccepted
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return OutcomeTransient
}

var (
	// ErrUnknownSession reports a finalize or snapshot request for a session
	// identifier that never received a chunk.
	ErrUnknownSession = errors.New("unknown upload session")
	// ErrSessionIncomplete reports a finalize request before every declared
	// chunk has been accepted.
	ErrSessionIncomplete = errors.New("upload session is incomplete")
	// ErrSessionFailed reports activity on a session that hit a fatal storage
	// error; the upload must restart under a new session identifier.
	ErrSessionFailed = errors.New("upload session failed and cannot be resumed")
	// ErrTotalMismatch reports a declared total chunk count that conflicts
	// with what earlier chunks of the same session declared.
	ErrTotalMismatch = errors.New("total chunk count conflicts with earlier chunks")
)
