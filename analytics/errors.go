/*
errors.go - Centralized error types for the analytics engine

PURPOSE:
  All error types in one place. The engine distinguishes "no data" from
  "storage unreachable": the first is a zero-valued result, the second is
  always an error wrapping ErrStorage.

ERROR CATEGORIES:
  1. Configuration absence - never an error (zero baseline, empty roster)
  2. Invalid window - never an error (falls back to the week window)
  3. Storage failure - StorageError, matches ErrStorage
  4. Cache races - ErrDuplicateSnapshot / ErrDuplicateActiveAlert, resolved
     silently by the engine

SEE ALSO:
  - engine.go: wraps store failures
  - store.go: returns the duplicate sentinels
*/
package analytics

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorage marks any failure to reach the ledger, snapshot or alert store.
	ErrStorage = errors.New("storage unavailable")

	// ErrAlertNotFound is returned when an alert id does not exist in the tenant.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrSubjectNotEnrolled is returned by drill-down for subjects outside the tenant.
	ErrSubjectNotEnrolled = errors.New("subject not enrolled in tenant")

	// ErrDuplicateSnapshot is returned by a store when a complete snapshot
	// already exists under the key. The engine re-reads the winning row.
	ErrDuplicateSnapshot = errors.New("snapshot already exists for key")

	// ErrDuplicateActiveAlert is returned by a store when an active alert of
	// the same kind already exists for the tenant. The engine treats it as success.
	ErrDuplicateActiveAlert = errors.New("active alert already exists")

	// ErrInvalidEvent is returned when a context event is malformed.
	ErrInvalidEvent = errors.New("invalid context event")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// StorageError records which store operation failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
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

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsStorage reports whether err came from an unreachable store ("try again"),
// as opposed to an empty economy.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsNotFound reports whether err indicates a missing alert or subject.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAlertNotFound) || errors.Is(err, ErrSubjectNotEnrolled)
}

// IsClientError reports whether err was caused by invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}
