// Package filezoom is the virtual filesystem core of a two-panel file
// manager. It addresses files on any mounted backend with one [Path] type and
// runs long file operations against them.
//
// # Backends
//
// A [Backend] is a small capability interface: list, stat, open for read or
// write, mkdir, remove, rename, chmod and chtimes. Extras are optional
// interfaces checked with a type assertion:
//
//   - [Connector] and [Pinger] for backends with a session
//   - [CanSymlink] for symlink creation
//   - [CanChecksum] for server-side hashing
//   - [CanWatch] for change notifications
//
// Drivers live in sub-packages and register themselves by name:
//
//   - local disk (github.com/gobeaver/filezoom/driver/local)
//   - SFTP (github.com/gobeaver/filezoom/driver/sftp)
//   - Amazon S3 and compatible stores (github.com/gobeaver/filezoom/driver/s3)
//   - Google Cloud Storage (github.com/gobeaver/filezoom/driver/gcs)
//   - Azure Blob Storage (github.com/gobeaver/filezoom/driver/azure)
//   - read-only ZIP archives (github.com/gobeaver/filezoom/driver/zip)
//   - in-memory (github.com/gobeaver/filezoom/driver/memory)
//
// # Paths
//
// A [Path] is a backend id plus normalized segments. It is a comparable
// value and prints as "id:/a/b":
//
//	p, err := filezoom.Normalize("/docs/2024/../report.pdf", "home")
//	// home:/docs/report.pdf
//
// # Registry
//
// The [Registry] owns the mounted backends. It connects them, tracks their
// state, and reconnects with exponential backoff when a call fails with
// [ErrConnectionLost]:
//
//	reg := filezoom.NewRegistry(cfg, filezoom.WithLogger(logger))
//	id, err := reg.Mount(ctx, filezoom.Descriptor{
//	    ID:      "box",
//	    Driver:  "sftp",
//	    Options: map[string]string{"host": "box.example.com", "user": "me"},
//	})
//
// Descriptors can be loaded from YAML with [LoadDescriptorsFile].
//
// # Traversal and conflicts
//
// [Walk] visits a tree pre-order or post-order, can prune subtrees with
// [Walker.SkipDir], and reports unlistable directories as [TraversalError]
// without stopping. [Resolve] turns a name collision and a [Policy] into a
// [Decision].
//
// # Operations
//
// Copy, move, delete and chmod run in the ops sub-package, which reports
// progress and conflict prompts on a bounded event channel.
package filezoom
