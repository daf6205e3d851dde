package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates the stream moved past the expected version.
	// Callers reload, recompute and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIntegrityViolation indicates a version gap, duplicate or non-contiguous batch.
	// It is never retried.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrStorageUnavailable marks transient backend failures. SaveEvents is atomic,
	// so retrying with backoff is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrNoEvents        = errors.New("no events to save")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// ConcurrencyConflictError carries both sides of a failed compare-and-append.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// IntegrityViolationError describes a broken version sequence.
type IntegrityViolationError struct {
	AggregateID string
	Expected    int
	Found       int
	Reason      string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation on aggregate %s: %s (expected version %d, found %d)",
		e.AggregateID, e.Reason, e.Expected, e.Found)
}

func (e *IntegrityViolationError) Unwrap() error {
	return ErrIntegrityViolation
}

// StorageError wraps a backend failure. It matches both ErrStorageUnavailable and
// the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalidEventf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func invalidSnapshotf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is a concurrency conflict or a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageUnavailable)
}
