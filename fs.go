package filezoom

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"time"
)

// EntryKind classifies a directory entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
	KindOther
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Permissions is a backend permission descriptor. SetPermissions applies
// Mode; Owner and Group are applied through CanChown.
type Permissions struct {
	Mode  fs.FileMode
	Owner string
	Group string
}

// Entry is one filesystem object's metadata as reported by a backend.
type Entry struct {
	Name       string
	Path       Path
	Kind       EntryKind
	Size       int64
	ModTime    *time.Time
	Perm       *Permissions
	LinkTarget string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDirectory }

// WriteMode selects how OpenWrite treats existing content.
type WriteMode int

const (
	WriteTruncate WriteMode = iota
	WriteAppend
)

// ============================================================================
// Core Interface
// ============================================================================

// Backend is the capability set every storage backend exposes. All paths
// passed to a backend belong to it; callers resolve the backend through a
// Registry.
type Backend interface {
	// List returns the direct children of a directory. The sequence is lazy
	// and restartable: each range performs a fresh listing. An error that
	// prevents listing is yielded as the only pair.
	List(ctx context.Context, p Path) iter.Seq2[Entry, error]

	// Stat returns metadata for p without following symlinks.
	Stat(ctx context.Context, p Path) (Entry, error)

	// OpenRead returns a stream of the file content.
	OpenRead(ctx context.Context, p Path) (io.ReadCloser, error)

	// OpenWrite returns a stream that creates or replaces (WriteTruncate) or
	// extends (WriteAppend) the file. Content is committed on Close.
	OpenWrite(ctx context.Context, p Path, mode WriteMode) (io.WriteCloser, error)

	// Mkdir creates a directory. With parents set, missing ancestors are
	// created and an existing directory is not an error.
	Mkdir(ctx context.Context, p Path, parents bool) error

	// Remove deletes a single node. Non-empty directories fail with ErrNotEmpty.
	Remove(ctx context.Context, p Path) error

	// Rename moves a node within the backend. Paths on different backends
	// fail with ErrCrossBackendRename.
	Rename(ctx context.Context, from, to Path) error

	// SetPermissions applies perm.Mode. Backends without a permission model
	// return an Unsupported error.
	SetPermissions(ctx context.Context, p Path, perm Permissions) error
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Use type assertion to check if a backend supports a capability:
//
//	if ts, ok := b.(CanSetTimes); ok {
//	    ts.Chtimes(ctx, p, mtime)
//	}

// Connector is implemented by backends holding a network connection.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// Pinger checks that a connection is still usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CanSetTimes indicates the backend can set modification times.
type CanSetTimes interface {
	Chtimes(ctx context.Context, p Path, mtime time.Time) error
}

// CanChown indicates the backend can change the owner and group of a node
// without following symlinks. Owner and group are names or numeric ids; an
// empty value is left unchanged.
type CanChown interface {
	Chown(ctx context.Context, p Path, owner, group string) error
}

// CanSymlink indicates the backend can read and create symbolic links.
type CanSymlink interface {
	Readlink(ctx context.Context, p Path) (string, error)
	Symlink(ctx context.Context, target string, link Path) error
}

// ChecksumAlgorithm represents a supported checksum algorithm
type ChecksumAlgorithm string

const (
	// ChecksumSHA256 is the SHA-256 hash algorithm
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	// ChecksumXXHash is the xxHash algorithm (64-bit, extremely fast)
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// Aborter is implemented by write streams that can drop their content
// instead of committing it. After Abort the destination is unchanged and
// Close must not be called.
type Aborter interface {
	Abort() error
}

// CanChecksum indicates the backend can hash a file without streaming it
// to the caller.
type CanChecksum interface {
	Checksum(ctx context.Context, p Path, algorithm ChecksumAlgorithm) (string, error)
}

// ============================================================================
// File Watching Interface (ChangeToken Pattern)
// ============================================================================

// ChangeToken represents a change notification token.
//
// Consumers can either poll HasChanged or register a callback via
// RegisterChangeCallback. ActiveChangeCallbacks tells which is efficient.
type ChangeToken interface {
	// HasChanged returns true if a change has occurred.
	// Once true, it remains true (tokens are single-use).
	HasChanged() bool

	// ActiveChangeCallbacks indicates if the token proactively raises callbacks.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback to be invoked when change occurs.
	// Returns a function to unregister the callback.
	RegisterChangeCallback(callback func()) (unregister func())
}

// CanWatch indicates the backend can report changes inside a directory.
// The token signals when a direct child of p is created, modified, renamed
// or removed.
type CanWatch interface {
	Watch(ctx context.Context, p Path) (ChangeToken, error)
}
