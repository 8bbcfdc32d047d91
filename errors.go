package filezoom

import (
	"errors"
	"fmt"
)

// Common backend errors
var (
	ErrInvalidPath        = errors.New("invalid path")
	ErrNotFound           = errors.New("no such file or directory")
	ErrAlreadyExists      = errors.New("file already exists")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrUnsupported        = errors.New("operation not supported")
	ErrCrossBackendRename = errors.New("rename across backends")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrConnectionLost     = errors.New("connection lost")
	ErrTraversal          = errors.New("traversal failed")
	ErrCancelled          = errors.New("operation cancelled")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrNotDir             = errors.New("not a directory")
	ErrIsDir              = errors.New("is a directory")
	ErrNotEmpty           = errors.New("directory not empty")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrReadOnly           = fmt.Errorf("read-only backend: %w", ErrPermissionDenied)
)

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path Path
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// UnsupportedError reports a capability the backend does not provide.
type UnsupportedError struct {
	Capability string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupported, e.Capability)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Unsupported returns a PathError wrapping an UnsupportedError.
func Unsupported(op string, p Path, capability string) error {
	return &PathError{Op: op, Path: p, Err: &UnsupportedError{Capability: capability}}
}

// TraversalError is raised when a directory inside a walk cannot be listed.
// It covers the whole subtree rooted at Path.
type TraversalError struct {
	Path Path
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("traverse %s: %v", e.Path, e.Err)
}

func (e *TraversalError) Unwrap() []error {
	return []error{ErrTraversal, e.Err}
}

// IsNotFound reports whether err indicates a missing file or directory.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsExist reports whether err indicates that the node already exists.
func IsExist(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsPermission reports whether err indicates that permission is denied.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsUnsupported reports whether err is an unsupported-capability error.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsFatal reports whether err means the backend itself is gone. Fatal errors
// end an operation regardless of its error policy.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrConnectionLost)
}

func pathErr(op string, p Path, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: p, Err: err}
}
