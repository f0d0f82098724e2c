// Package fs exposes a source directory through FUSE with every file backed
// by a copy-on-write overlay.
//
// This file contains error types and error handling utilities.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"backfs/internal/logging"
	"backfs/internal/overlay"
	"backfs/internal/snapshot"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")
)

// Error wraps filesystem errors with context about the operation and
// affected path.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "readdir")
	Path string // Affected path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// ToFuseError converts an error to the errno FUSE reports to the caller.
// Overlay bounds violations become EINVAL and backing store failures EIO.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case overlay.IsOutOfBounds(err):
		return syscall.EINVAL
	case overlay.IsFatal(err):
		errLogger.Error("Backing store failure: %v", err)
		return syscall.EIO
	case errors.Is(err, snapshot.ErrEmpty):
		return syscall.ENOENT
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	errLogger.Debug("Unknown error type, returning EIO: %v", err)
	return syscall.EIO
}

// NewFSError creates a new Error with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Debug("Created new FSError: %v", fsErr)
	return fsErr
}

// Common operation names for consistent logging and error reporting
const (
	OpLookup  = "lookup"  // Looking up a path
	OpReadDir = "readdir" // Reading directory contents
	OpRead    = "read"    // Reading from a file
	OpSetattr = "setattr" // Setting file attributes
	OpGetattr = "getattr" // Getting file attributes
)
