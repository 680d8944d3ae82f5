package worker

import (
	"context"
	"errors"
)

// JobHandler defines the interface that all periodic jobs must implement.
type JobHandler interface {
	// Type returns the job identifier. It names the lease and the metric
	// labels, so it must be unique per worker.
	Type() string

	// Handle performs one run of the job.
	// Returns an error if the run fails; the job runs again on the next
	// tick. Use NewPermanentError to stop scheduling the job.
	Handle(ctx context.Context) error
}

// PermanentError wraps an error to indicate the job should not run again.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
// Returns true if the error (or any error it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
