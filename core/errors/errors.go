// Package errors provides standardized error types and helpers for the pagecache codebase.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNoMem indicates a page allocation failed because the configured
	// memory budget is exhausted and no page could be recycled.
	ErrNoMem = errors.New("out of memory")
	// ErrBusy indicates another transaction holds a lock that is needed.
	// Callers may retry.
	ErrBusy = errors.New("database is busy")
	// ErrLocked indicates a conflicting lock held within the same process.
	// Callers may retry.
	ErrLocked = errors.New("database is locked")
	// ErrMisuse indicates the caller violated an API precondition.
	ErrMisuse = errors.New("library routine called out of sequence")
	// ErrCorrupt indicates data read from storage failed a structural check.
	ErrCorrupt = errors.New("database disk image is malformed")
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly indicates an attempt to write through a read-only handle.
	ErrReadOnly = errors.New("attempt to write a readonly database")
	// ErrDone indicates an operation has run to completion. It is a terminal
	// status, not a failure.
	ErrDone = errors.New("done")
	// ErrInternal indicates an internal system error.
	ErrInternal = errors.New("internal error")
)

// IsFatal reports whether an error encountered during a multi-step operation
// should be treated as fatal. Busy and Locked conditions are transient and
// may be retried; a nil error and the Done status are not failures at all.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrBusy) && !errors.Is(err, ErrLocked) && !errors.Is(err, ErrDone)
}

// AllocationError represents a failed page or buffer allocation with context.
type AllocationError struct {
	Size int   // Size of the failed allocation in bytes
	Err  error // Underlying error, if any
}

func (e *AllocationError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("allocation of %d bytes failed", e.Size)
	}
	return "allocation failed"
}

func (e *AllocationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNoMem
}

// MisuseError represents a caller precondition violation with context.
type MisuseError struct {
	Operation string // Operation that was misused
	Reason    string // Which precondition was violated
	Err       error  // Underlying error, if any
}

func (e *MisuseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("misuse of %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("misuse: %s", e.Reason)
}

func (e *MisuseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMisuse
}

// CorruptError represents a structural sanity check failure with context.
type CorruptError struct {
	Path   string // Database file involved, if known
	Detail string // What failed the check
	Err    error  // Underlying error, if any
}

func (e *CorruptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("database %s is malformed: %s", e.Path, e.Detail)
	}
	return fmt.Sprintf("database is malformed: %s", e.Detail)
}

func (e *CorruptError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCorrupt
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Helper functions for creating common errors

// NewAllocation creates an AllocationError for a failed allocation of size bytes.
func NewAllocation(size int) *AllocationError {
	return &AllocationError{Size: size}
}

// NewMisuse creates a MisuseError
func NewMisuse(operation, reason string) *MisuseError {
	return &MisuseError{
		Operation: operation,
		Reason:    reason,
	}
}

// NewCorrupt creates a CorruptError
func NewCorrupt(path, detail string) *CorruptError {
	return &CorruptError{
		Path:   path,
		Detail: detail,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers needing only sentinel checks import one package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type.
// Re-exported so callers needing only typed checks import one package.
func As(err error, target any) bool {
	return errors.As(err, target)
}
