package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, queue and order calculator.
var (
	// ErrNotFound is returned when a record, table, task or dead letter does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockLost is returned when a worker tries to complete or fail a task
	// whose lock has been taken over by another worker.
	ErrLockLost = errors.New("task lock lost")
	// ErrInvalidViewID is returned when a view id cannot be turned into an order column name.
	ErrInvalidViewID = errors.New("invalid view id")
	// ErrInvalidInput marks caller mistakes (bad position, non-positive count, unknown change type).
	ErrInvalidInput = errors.New("invalid input")
)

// OrderError is the generic order-calculation failure.
type OrderError struct {
	TableID string
	ViewID  string
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("calculate orders for table %s view %s: %v", e.TableID, e.ViewID, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// PermanentError marks a task failure that retrying cannot fix.
// The worker dead-letters such tasks without consuming further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
