package handoff

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying (timeouts, 5xx, throttling).
	ErrTransient = errors.New("transient failure")
	// ErrNoAttempt is returned when a session has no handoff attempt.
	ErrNoAttempt = errors.New("no handoff attempt")
	// ErrInvalidTransition is returned for an operation the attempt's state
	// does not allow.
	ErrInvalidTransition = errors.New("invalid handoff transition")
	// ErrNoMatchingRecord is the failure reason when the CRM has no record
	// for the contact. No record is ever created.
	ErrNoMatchingRecord = errors.New("no matching record")
	// ErrResumeLimit is returned when an attempt was resumed too often.
	ErrResumeLimit = errors.New("resume limit reached")
	// ErrNotResumable is returned when resuming an attempt whose failure is
	// terminal, such as a missing CRM record.
	ErrNotResumable = errors.New("handoff cannot be resumed")
	// errExecutionAbandoned is recorded on the step a crashed or stalled
	// run was working on when its lease ran out.
	errExecutionAbandoned = MarkTransient(errors.New("execution abandoned"))
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// MarkTransient wraps err so IsTransient reports true. nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return MarkTransient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err, or anything it wraps, was marked
// transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
