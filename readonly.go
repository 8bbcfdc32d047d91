package filezoom

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

// ============================================================================
// ReadOnlyBackend Decorator
// ============================================================================

// ReadOnlyBackend wraps a Backend and rejects every mutating call with
// ErrReadOnly. Descriptors with ReadOnly set are mounted through it.
//
// Example:
//
//	b, _ := local.New("/data")
//	ro := filezoom.NewReadOnly(b)
//
//	// Reads work normally
//	rc, _ := ro.OpenRead(ctx, p)
//
//	// Writes fail
//	_, err := ro.OpenWrite(ctx, p, filezoom.WriteTruncate)
//	// errors.Is(err, filezoom.ErrReadOnly)
type ReadOnlyBackend struct {
	b Backend
	// OnWriteAttempt is called for every rejected call.
	OnWriteAttempt func(op string, p Path)
}

// NewReadOnly wraps b.
func NewReadOnly(b Backend) *ReadOnlyBackend {
	return &ReadOnlyBackend{b: b}
}

// Unwrap returns the underlying backend.
func (r *ReadOnlyBackend) Unwrap() Backend {
	return r.b
}

func (r *ReadOnlyBackend) reject(op string, p Path) error {
	if r.OnWriteAttempt != nil {
		r.OnWriteAttempt(op, p)
	}
	return &PathError{Op: op, Path: p, Err: ErrReadOnly}
}

// Read operations - pass through

func (r *ReadOnlyBackend) List(ctx context.Context, p Path) iter.Seq2[Entry, error] {
	return r.b.List(ctx, p)
}

func (r *ReadOnlyBackend) Stat(ctx context.Context, p Path) (Entry, error) {
	return r.b.Stat(ctx, p)
}

func (r *ReadOnlyBackend) OpenRead(ctx context.Context, p Path) (io.ReadCloser, error) {
	return r.b.OpenRead(ctx, p)
}

func (r *ReadOnlyBackend) Readlink(ctx context.Context, p Path) (string, error) {
	if sl, ok := r.b.(CanSymlink); ok {
		return sl.Readlink(ctx, p)
	}
	return "", Unsupported("readlink", p, "symlink")
}

func (r *ReadOnlyBackend) Checksum(ctx context.Context, p Path, algorithm ChecksumAlgorithm) (string, error) {
	if cs, ok := r.b.(CanChecksum); ok {
		return cs.Checksum(ctx, p, algorithm)
	}
	return "", Unsupported("checksum", p, "checksum")
}

func (r *ReadOnlyBackend) Watch(ctx context.Context, p Path) (ChangeToken, error) {
	if w, ok := r.b.(CanWatch); ok {
		return w.Watch(ctx, p)
	}
	return nil, Unsupported("watch", p, "watch")
}

// Connection lifecycle - pass through

func (r *ReadOnlyBackend) Connect(ctx context.Context) error {
	if c, ok := r.b.(Connector); ok {
		return c.Connect(ctx)
	}
	return nil
}

func (r *ReadOnlyBackend) Close() error {
	if c, ok := r.b.(Connector); ok {
		return c.Close()
	}
	return nil
}

func (r *ReadOnlyBackend) Ping(ctx context.Context) error {
	if pg, ok := r.b.(Pinger); ok {
		return pg.Ping(ctx)
	}
	return nil
}

// Write operations - rejected

func (r *ReadOnlyBackend) OpenWrite(_ context.Context, p Path, _ WriteMode) (io.WriteCloser, error) {
	return nil, r.reject("write", p)
}

func (r *ReadOnlyBackend) Mkdir(_ context.Context, p Path, _ bool) error {
	return r.reject("mkdir", p)
}

func (r *ReadOnlyBackend) Remove(_ context.Context, p Path) error {
	return r.reject("remove", p)
}

func (r *ReadOnlyBackend) Rename(_ context.Context, from, _ Path) error {
	return r.reject("rename", from)
}

func (r *ReadOnlyBackend) SetPermissions(_ context.Context, p Path, _ Permissions) error {
	return r.reject("chmod", p)
}

func (r *ReadOnlyBackend) Chtimes(_ context.Context, p Path, _ time.Time) error {
	return r.reject("chtimes", p)
}

func (r *ReadOnlyBackend) Symlink(_ context.Context, _ string, link Path) error {
	return r.reject("symlink", link)
}

// IsReadOnlyError reports whether err came from a read-only backend.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
