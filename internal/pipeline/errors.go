package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and services.
var (
	// ErrDuplicateJob marks an idempotent enqueue no-op: a queued or running
	// row already exists for the (source, resource) pair.
	ErrDuplicateJob = errors.New("job already queued or running")

	// ErrDuplicateContent marks a checksum-identical file resubmission.
	ErrDuplicateContent = errors.New("duplicate content checksum")

	// ErrSizeLimitExceeded marks a file rejected before enqueue.
	ErrSizeLimitExceeded = errors.New("file exceeds size limit")

	// ErrLeaseConflict is benign: another worker holds or just took the
	// lease for a candidate row; the caller skips it this cycle.
	ErrLeaseConflict = errors.New("lease held by another worker")

	// ErrNotFound is returned by store lookups that miss.
	ErrNotFound = errors.New("not found")
)

// TransientError wraps a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that must not be retried (malformed
// payload, unsupported type). It terminates the job without consuming
// retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient reports whether err should be retried. Unclassified errors are
// treated as transient so that a sloppy executor cannot strand a job; the
// quarantine threshold bounds the damage.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// AsTransient wraps err as transient unless it is already classified.
func AsTransient(err error) error {
	if err == nil {
		return nil
	}
	var tr *TransientError
	var perm *PermanentError
	if errors.As(err, &tr) || errors.As(err, &perm) {
		return err
	}
	return &TransientError{Err: err}
}
