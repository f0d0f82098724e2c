package overlay

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds indicates a source or destination range that exceeds
	// the caller's buffer. The operation had no effect.
	ErrOutOfBounds = errors.New("index out of bounds")

	// ErrBackingStore indicates that the scratch store or the pristine
	// file failed. The history and the scratch store disagree, so the
	// operation cannot be completed or retried.
	ErrBackingStore = errors.New("backing store failure")
)

// Error wraps an overlay failure with the operation and the pristine path
// of the affected virtual file.
type Error struct {
	Op   string // Operation that failed ("read", "write", "open")
	Path string // Pristine path of the virtual file
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("overlay %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("overlay %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// Operation names used in errors and logs.
const (
	OpOpen  = "open"
	OpRead  = "read"
	OpWrite = "write"
)

func outOfBounds(op, path string, format string, args ...any) error {
	return &Error{Op: op, Path: path, Err: fmt.Errorf("%w: %s", ErrOutOfBounds, fmt.Sprintf(format, args...))}
}

func backingStore(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: fmt.Errorf("%w: %w", ErrBackingStore, err)}
}

// IsOutOfBounds reports whether err is a caller bounds violation.
func IsOutOfBounds(err error) bool {
	return errors.Is(err, ErrOutOfBounds)
}

// IsFatal reports whether err is a backing store failure that must abort
// the current operation rather than be reported to the simulated program.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBackingStore)
}
