// Package objectstore implements filezoom.Backend over a flat object
// store such as an S3 bucket, a Cloud Storage bucket or an Azure blob
// container.
//
// Directories are key prefixes. A directory exists when an object lies
// below it or when its marker object ("dir/") is present; Mkdir writes the
// marker. Objects cannot be appended to and carry no permission model.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/filezoom"
)

// Object describes one stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Item is one listing result. A prefix item stands for a directory one
// level down; only its Key, which ends in "/", is set.
type Item struct {
	Object
	Prefix bool
}

// Store is a client bound to one bucket or container. Its methods return
// the client's own errors; Err classifies them.
type Store interface {
	Head(ctx context.Context, key string) (Object, error)
	// List returns the objects whose key starts with prefix. When
	// delimited is set, keys with a further "/" fold into prefix items.
	// A positive limit caps the page size.
	List(ctx context.Context, prefix string, delimited bool, limit int) iter.Seq2[Item, error]
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	// Copy duplicates an object within the store.
	Copy(ctx context.Context, from, to string) error
	// Err returns err wrapping the filezoom sentinel it stands for, or err
	// itself when none applies.
	Err(err error) error
}

// Backend provides a filezoom.Backend over a Store.
type Backend struct {
	store        Store
	prefix       string
	pollInterval time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix roots the backend at a key prefix.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		b.prefix = prefix
	}
}

// WithPollInterval sets how often Watch lists the directory.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) {
		b.pollInterval = d
	}
}

// New creates a backend over store.
func New(store Store, options ...Option) *Backend {
	b := &Backend{store: store, pollInterval: 30 * time.Second}
	for _, option := range options {
		option(b)
	}
	return b
}

func (b *Backend) key(p filezoom.Path) string {
	return b.prefix + p.Rel()
}

// dirKey is the listing prefix of p, which is also its marker key.
func (b *Backend) dirKey(p filezoom.Path) string {
	if p.IsRoot() {
		return b.prefix
	}
	return b.prefix + p.Rel() + "/"
}

func (b *Backend) fail(op string, p filezoom.Path, err error) error {
	if err == nil {
		return nil
	}
	return &filezoom.PathError{Op: op, Path: p, Err: b.store.Err(err)}
}

func (b *Backend) notFound(err error) bool {
	return errors.Is(b.store.Err(err), filezoom.ErrNotFound)
}

func dirEntry(p filezoom.Path) filezoom.Entry {
	return filezoom.Entry{Name: p.Base(), Path: p, Kind: filezoom.KindDirectory}
}

// dirExists reports whether anything lives under p's prefix, marker
// included.
func (b *Backend) dirExists(ctx context.Context, p filezoom.Path) (bool, error) {
	if p.IsRoot() {
		return true, nil
	}
	for _, err := range b.store.List(ctx, b.dirKey(p), false, 1) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Stat implements filezoom.Backend. An object wins over a prefix of the
// same name.
func (b *Backend) Stat(ctx context.Context, p filezoom.Path) (filezoom.Entry, error) {
	if p.IsRoot() {
		return dirEntry(p), nil
	}
	obj, err := b.store.Head(ctx, b.key(p))
	if err == nil {
		mt := obj.ModTime
		return filezoom.Entry{
			Name:    p.Base(),
			Path:    p,
			Kind:    filezoom.KindFile,
			Size:    obj.Size,
			ModTime: &mt,
		}, nil
	}
	if !b.notFound(err) {
		return filezoom.Entry{}, b.fail("stat", p, err)
	}
	ok, err := b.dirExists(ctx, p)
	if err != nil {
		return filezoom.Entry{}, b.fail("stat", p, err)
	}
	if !ok {
		return filezoom.Entry{}, &filezoom.PathError{Op: "stat", Path: p, Err: filezoom.ErrNotFound}
	}
	return dirEntry(p), nil
}

// List implements filezoom.Backend. Pages are fetched as the sequence is
// consumed.
func (b *Backend) List(ctx context.Context, p filezoom.Path) iter.Seq2[filezoom.Entry, error] {
	return func(yield func(filezoom.Entry, error) bool) {
		e, err := b.Stat(ctx, p)
		if err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		if !e.IsDir() {
			yield(filezoom.Entry{}, &filezoom.PathError{Op: "list", Path: p, Err: filezoom.ErrNotDir})
			return
		}

		listPrefix := b.dirKey(p)
		for it, err := range b.store.List(ctx, listPrefix, true, 0) {
			if err != nil {
				yield(filezoom.Entry{}, b.fail("list", p, err))
				return
			}
			name := strings.TrimPrefix(it.Key, listPrefix)
			if it.Prefix {
				child, err := p.Join(strings.TrimSuffix(name, "/"))
				if err != nil {
					continue
				}
				if !yield(dirEntry(child), nil) {
					return
				}
				continue
			}
			// the marker of p itself
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			child, err := p.Join(name)
			if err != nil {
				continue
			}
			mt := it.ModTime
			if !yield(filezoom.Entry{
				Name:    name,
				Path:    child,
				Kind:    filezoom.KindFile,
				Size:    it.Size,
				ModTime: &mt,
			}, nil) {
				return
			}
		}
	}
}

// OpenRead implements filezoom.Backend.
func (b *Backend) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	body, err := b.store.Get(ctx, b.key(p))
	if err != nil {
		if b.notFound(err) {
			if ok, _ := b.dirExists(ctx, p); ok {
				return nil, &filezoom.PathError{Op: "open", Path: p, Err: filezoom.ErrIsDir}
			}
		}
		return nil, b.fail("open", p, err)
	}
	return &objectReader{body: body, p: p, b: b}, nil
}

// objectReader maps errors of a response body. A body cut short reports
// filezoom.ErrConnectionLost.
type objectReader struct {
	body io.ReadCloser
	p    filezoom.Path
	b    *Backend
}

func (r *objectReader) Read(buf []byte) (int, error) {
	n, err := r.body.Read(buf)
	if err != nil && err != io.EOF {
		err = r.b.fail("read", r.p, err)
	}
	return n, err
}

func (r *objectReader) Close() error {
	return r.body.Close()
}

// OpenWrite implements filezoom.Backend. Content is spooled to a temporary
// file and uploaded with a known length on Close.
func (b *Backend) OpenWrite(ctx context.Context, p filezoom.Path, mode filezoom.WriteMode) (io.WriteCloser, error) {
	if mode == filezoom.WriteAppend {
		return nil, filezoom.Unsupported("write", p, "append")
	}
	if p.IsRoot() {
		return nil, &filezoom.PathError{Op: "write", Path: p, Err: filezoom.ErrIsDir}
	}
	spool, err := os.CreateTemp("", "filezoom-object-*")
	if err != nil {
		return nil, &filezoom.PathError{Op: "write", Path: p, Err: err}
	}
	return &objectWriter{ctx: ctx, b: b, p: p, spool: spool}, nil
}

type objectWriter struct {
	ctx   context.Context
	b     *Backend
	p     filezoom.Path
	spool *os.File
	once  sync.Once
	err   error
}

func (w *objectWriter) Write(buf []byte) (int, error) {
	return w.spool.Write(buf)
}

func (w *objectWriter) Close() error {
	w.once.Do(func() {
		defer os.Remove(w.spool.Name())
		defer w.spool.Close()

		size, err := w.spool.Seek(0, io.SeekCurrent)
		head := make([]byte, 512)
		var n int
		if err == nil {
			_, err = w.spool.Seek(0, io.SeekStart)
		}
		if err == nil {
			n, _ = io.ReadFull(w.spool, head)
			_, err = w.spool.Seek(0, io.SeekStart)
		}
		if err != nil {
			w.err = &filezoom.PathError{Op: "write", Path: w.p, Err: err}
			return
		}
		err = w.b.store.Put(w.ctx, w.b.key(w.p), w.spool, size, filezoom.ContentType(w.p.Base(), head[:n]))
		w.err = w.b.fail("write", w.p, err)
	})
	return w.err
}

// Abort implements filezoom.Aborter. The spooled content is dropped and
// the object is left as it was.
func (w *objectWriter) Abort() error {
	w.once.Do(func() {
		w.spool.Close()
		w.err = os.Remove(w.spool.Name())
	})
	return w.err
}

// Mkdir implements filezoom.Backend by writing a marker object.
func (b *Backend) Mkdir(ctx context.Context, p filezoom.Path, parents bool) error {
	existing, err := b.Stat(ctx, p)
	switch {
	case err == nil && existing.IsDir() && parents:
		return nil
	case err == nil:
		return &filezoom.PathError{Op: "mkdir", Path: p, Err: filezoom.ErrAlreadyExists}
	case !filezoom.IsNotFound(err):
		return err
	}
	if !parents {
		parent, err := b.Stat(ctx, p.Parent())
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return &filezoom.PathError{Op: "mkdir", Path: p, Err: filezoom.ErrNotDir}
		}
	}
	err = b.store.Put(ctx, b.dirKey(p), bytes.NewReader(nil), 0, "application/x-directory")
	return b.fail("mkdir", p, err)
}

// Remove implements filezoom.Backend. A directory is removed only when its
// marker is all that is left.
func (b *Backend) Remove(ctx context.Context, p filezoom.Path) error {
	if p.IsRoot() {
		return &filezoom.PathError{Op: "remove", Path: p, Err: filezoom.ErrPermissionDenied}
	}
	e, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	key := b.key(p)
	if e.IsDir() {
		key = b.dirKey(p)
		for it, err := range b.store.List(ctx, key, false, 2) {
			if err != nil {
				return b.fail("remove", p, err)
			}
			if it.Key != key {
				return &filezoom.PathError{Op: "remove", Path: p, Err: filezoom.ErrNotEmpty}
			}
		}
	}
	return b.fail("remove", p, b.store.Delete(ctx, key))
}

// Rename implements filezoom.Backend for objects with a server-side copy
// followed by a delete. Directories have no single key to move and are
// reported unsupported.
func (b *Backend) Rename(ctx context.Context, from, to filezoom.Path) error {
	if from.Backend() != to.Backend() {
		return &filezoom.PathError{Op: "rename", Path: from, Err: filezoom.ErrCrossBackendRename}
	}
	e, err := b.Stat(ctx, from)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return filezoom.Unsupported("rename", from, "directory rename")
	}
	if err := b.store.Copy(ctx, b.key(from), b.key(to)); err != nil {
		return b.fail("rename", from, err)
	}
	return b.fail("rename", from, b.store.Delete(ctx, b.key(from)))
}

// SetPermissions implements filezoom.Backend. Object stores have no mode
// bits.
func (b *Backend) SetPermissions(_ context.Context, p filezoom.Path, _ filezoom.Permissions) error {
	return filezoom.Unsupported("chmod", p, "permissions")
}

// Watch implements filezoom.CanWatch by polling the listing of p.
func (b *Backend) Watch(ctx context.Context, p filezoom.Path) (filezoom.ChangeToken, error) {
	initial, err := b.dirState(ctx, p)
	if err != nil {
		return nil, err
	}
	token := filezoom.NewPollingChangeToken(ctx, filezoom.PollingConfig{
		Interval: b.pollInterval,
		CheckFunc: func() bool {
			current, err := b.dirState(ctx, p)
			if err != nil {
				return filezoom.IsNotFound(err)
			}
			return !statesEqual(initial, current)
		},
	})
	return token, nil
}

type fileState struct {
	modTime time.Time
	size    int64
	dir     bool
}

func (b *Backend) dirState(ctx context.Context, p filezoom.Path) (map[string]fileState, error) {
	state := make(map[string]fileState)
	for e, err := range b.List(ctx, p) {
		if err != nil {
			return nil, err
		}
		s := fileState{size: e.Size, dir: e.IsDir()}
		if e.ModTime != nil {
			s.modTime = *e.ModTime
		}
		state[e.Name] = s
	}
	return state, nil
}

func statesEqual(a, b map[string]fileState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !v.modTime.Equal(bv.modTime) || v.size != bv.size || v.dir != bv.dir {
			return false
		}
	}
	return true
}

var (
	_ filezoom.Backend  = (*Backend)(nil)
	_ filezoom.CanWatch = (*Backend)(nil)
	_ filezoom.Aborter  = (*objectWriter)(nil)
)
