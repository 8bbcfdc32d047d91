// Package local provides a filezoom backend over a directory on local disk.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobeaver/filezoom"
)

// readDirBatch bounds how many directory entries are read per syscall batch.
const readDirBatch = 256

// Adapter provides a local filesystem implementation of filezoom.Backend.
// Every path is resolved below root.
type Adapter struct {
	root string
}

// New creates a new local filesystem adapter
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "mount", Path: absRoot, Err: filezoom.ErrNotDir}
	}
	return &Adapter{root: absRoot}, nil
}

// Root returns the absolute directory the adapter serves.
func (a *Adapter) Root() string {
	return a.root
}

func (a *Adapter) full(op string, p filezoom.Path) (string, error) {
	fullPath := filepath.Join(a.root, filepath.FromSlash(p.Rel()))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", &filezoom.PathError{Op: op, Path: p, Err: filezoom.ErrPermissionDenied}
	}
	return fullPath, nil
}

func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkCtx(ctx context.Context, op string, p filezoom.Path) error {
	select {
	case <-ctx.Done():
		return &filezoom.PathError{Op: op, Path: p, Err: ctx.Err()}
	default:
		return nil
	}
}

// mapError translates an os error into the filezoom taxonomy.
func mapError(op string, p filezoom.Path, err error) error {
	if err == nil {
		return nil
	}
	var mapped error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		mapped = filezoom.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		mapped = filezoom.ErrPermissionDenied
	default:
		mapped = classifyErrno(op, err)
	}
	if mapped == nil {
		if errors.Is(err, fs.ErrExist) {
			mapped = filezoom.ErrAlreadyExists
		} else {
			mapped = err
		}
	}
	return &filezoom.PathError{Op: op, Path: p, Err: mapped}
}

func kindOf(mode fs.FileMode) filezoom.EntryKind {
	switch {
	case mode.IsDir():
		return filezoom.KindDirectory
	case mode&fs.ModeSymlink != 0:
		return filezoom.KindSymlink
	case mode.IsRegular():
		return filezoom.KindFile
	default:
		return filezoom.KindOther
	}
}

func (a *Adapter) toEntry(p filezoom.Path, fullPath string, info fs.FileInfo) filezoom.Entry {
	mt := info.ModTime()
	e := filezoom.Entry{
		Name:    p.Base(),
		Path:    p,
		Kind:    kindOf(info.Mode()),
		ModTime: &mt,
	}
	if e.Kind == filezoom.KindFile {
		e.Size = info.Size()
	}
	perm := &filezoom.Permissions{Mode: info.Mode().Perm()}
	perm.Owner, perm.Group = ownerOf(info)
	e.Perm = perm
	if e.Kind == filezoom.KindSymlink {
		if target, err := os.Readlink(fullPath); err == nil {
			e.LinkTarget = target
		}
	}
	return e
}

// List implements filezoom.Backend. Entries are read in batches as the
// sequence is consumed.
func (a *Adapter) List(ctx context.Context, p filezoom.Path) iter.Seq2[filezoom.Entry, error] {
	return func(yield func(filezoom.Entry, error) bool) {
		if err := checkCtx(ctx, "list", p); err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		fullPath, err := a.full("list", p)
		if err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		dir, err := os.Open(fullPath)
		if err != nil {
			yield(filezoom.Entry{}, mapError("list", p, err))
			return
		}
		defer dir.Close()

		for {
			batch, err := dir.ReadDir(readDirBatch)
			for _, de := range batch {
				child, jerr := p.Join(de.Name())
				if jerr != nil {
					continue
				}
				info, ierr := de.Info()
				if ierr != nil {
					if errors.Is(ierr, fs.ErrNotExist) {
						// removed since the batch was read
						continue
					}
					yield(filezoom.Entry{}, mapError("list", child, ierr))
					return
				}
				if !yield(a.toEntry(child, filepath.Join(fullPath, de.Name()), info), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || (err == nil && len(batch) == 0) {
				return
			}
			if err != nil {
				yield(filezoom.Entry{}, mapError("list", p, err))
				return
			}
			if cerr := checkCtx(ctx, "list", p); cerr != nil {
				yield(filezoom.Entry{}, cerr)
				return
			}
		}
	}
}

// Stat implements filezoom.Backend
func (a *Adapter) Stat(ctx context.Context, p filezoom.Path) (filezoom.Entry, error) {
	if err := checkCtx(ctx, "stat", p); err != nil {
		return filezoom.Entry{}, err
	}
	fullPath, err := a.full("stat", p)
	if err != nil {
		return filezoom.Entry{}, err
	}
	info, err := os.Lstat(fullPath)
	if err != nil {
		return filezoom.Entry{}, mapError("stat", p, err)
	}
	return a.toEntry(p, fullPath, info), nil
}

// OpenRead implements filezoom.Backend
func (a *Adapter) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	if err := checkCtx(ctx, "open", p); err != nil {
		return nil, err
	}
	fullPath, err := a.full("open", p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, mapError("open", p, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, &filezoom.PathError{Op: "open", Path: p, Err: filezoom.ErrIsDir}
	}
	return f, nil
}

// OpenWrite implements filezoom.Backend
func (a *Adapter) OpenWrite(ctx context.Context, p filezoom.Path, mode filezoom.WriteMode) (io.WriteCloser, error) {
	if err := checkCtx(ctx, "write", p); err != nil {
		return nil, err
	}
	fullPath, err := a.full("write", p)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if mode == filezoom.WriteAppend {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(fullPath, flags, 0o644)
	if err != nil {
		return nil, mapError("write", p, err)
	}
	return f, nil
}

// Mkdir implements filezoom.Backend
func (a *Adapter) Mkdir(ctx context.Context, p filezoom.Path, parents bool) error {
	if err := checkCtx(ctx, "mkdir", p); err != nil {
		return err
	}
	fullPath, err := a.full("mkdir", p)
	if err != nil {
		return err
	}
	if parents {
		return mapError("mkdir", p, os.MkdirAll(fullPath, 0o755))
	}
	return mapError("mkdir", p, os.Mkdir(fullPath, 0o755))
}

// Remove implements filezoom.Backend
func (a *Adapter) Remove(ctx context.Context, p filezoom.Path) error {
	if err := checkCtx(ctx, "remove", p); err != nil {
		return err
	}
	if p.IsRoot() {
		return &filezoom.PathError{Op: "remove", Path: p, Err: filezoom.ErrPermissionDenied}
	}
	fullPath, err := a.full("remove", p)
	if err != nil {
		return err
	}
	return mapError("remove", p, os.Remove(fullPath))
}

// Rename implements filezoom.Backend. Renames that cross devices below the
// root are reported as unsupported so callers fall back to copying.
func (a *Adapter) Rename(ctx context.Context, from, to filezoom.Path) error {
	if err := checkCtx(ctx, "rename", from); err != nil {
		return err
	}
	if from.Backend() != to.Backend() {
		return &filezoom.PathError{Op: "rename", Path: from, Err: filezoom.ErrCrossBackendRename}
	}
	src, err := a.full("rename", from)
	if err != nil {
		return err
	}
	dst, err := a.full("rename", to)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if isCrossDevice(err) {
			return filezoom.Unsupported("rename", from, "rename across devices")
		}
		return mapError("rename", from, err)
	}
	return nil
}

// SetPermissions implements filezoom.Backend
func (a *Adapter) SetPermissions(ctx context.Context, p filezoom.Path, perm filezoom.Permissions) error {
	if err := checkCtx(ctx, "chmod", p); err != nil {
		return err
	}
	fullPath, err := a.full("chmod", p)
	if err != nil {
		return err
	}
	return mapError("chmod", p, os.Chmod(fullPath, perm.Mode.Perm()))
}

// Chown implements filezoom.CanChown. Links are changed, not followed.
func (a *Adapter) Chown(ctx context.Context, p filezoom.Path, owner, group string) error {
	if err := checkCtx(ctx, "chown", p); err != nil {
		return err
	}
	fullPath, err := a.full("chown", p)
	if err != nil {
		return err
	}
	uid, gid, err := lookupOwner(owner, group)
	if err != nil {
		return &filezoom.PathError{Op: "chown", Path: p, Err: err}
	}
	return mapError("chown", p, os.Lchown(fullPath, uid, gid))
}

// Chtimes implements filezoom.CanSetTimes
func (a *Adapter) Chtimes(ctx context.Context, p filezoom.Path, mtime time.Time) error {
	if err := checkCtx(ctx, "chtimes", p); err != nil {
		return err
	}
	fullPath, err := a.full("chtimes", p)
	if err != nil {
		return err
	}
	return mapError("chtimes", p, os.Chtimes(fullPath, mtime, mtime))
}

// Readlink implements filezoom.CanSymlink
func (a *Adapter) Readlink(ctx context.Context, p filezoom.Path) (string, error) {
	if err := checkCtx(ctx, "readlink", p); err != nil {
		return "", err
	}
	fullPath, err := a.full("readlink", p)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(fullPath)
	if err != nil {
		return "", mapError("readlink", p, err)
	}
	return target, nil
}

// Symlink implements filezoom.CanSymlink. The target is stored verbatim.
func (a *Adapter) Symlink(ctx context.Context, target string, link filezoom.Path) error {
	if err := checkCtx(ctx, "symlink", link); err != nil {
		return err
	}
	fullPath, err := a.full("symlink", link)
	if err != nil {
		return err
	}
	return mapError("symlink", link, os.Symlink(target, fullPath))
}

// Checksum implements filezoom.CanChecksum
func (a *Adapter) Checksum(ctx context.Context, p filezoom.Path, algorithm filezoom.ChecksumAlgorithm) (string, error) {
	rc, err := a.OpenRead(ctx, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, err := filezoom.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", &filezoom.PathError{Op: "checksum", Path: p, Err: err}
	}
	return sum, nil
}

// Ensure Adapter implements interfaces
var (
	_ filezoom.Backend     = (*Adapter)(nil)
	_ filezoom.CanSetTimes = (*Adapter)(nil)
	_ filezoom.CanSymlink  = (*Adapter)(nil)
	_ filezoom.CanChecksum = (*Adapter)(nil)
	_ filezoom.CanWatch    = (*Adapter)(nil)
)
