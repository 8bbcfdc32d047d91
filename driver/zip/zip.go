// Package zip exposes a ZIP archive as a read-only filezoom backend.
package zip

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gobeaver/filezoom"
)

// Adapter serves the contents of one archive. The central directory is
// indexed on Connect; member data is decompressed on demand.
type Adapter struct {
	mu     sync.RWMutex
	path   string
	reader *zip.ReadCloser
	nodes  map[string]*node
}

// node is an archive member or a directory implied by member names.
type node struct {
	file     *zip.File
	dir      bool
	children []string
}

// New returns an adapter for the archive at zipPath. Nothing is opened
// until Connect.
func New(zipPath string) *Adapter {
	return &Adapter{path: zipPath}
}

// Open returns a connected adapter.
func Open(zipPath string) (*Adapter, error) {
	a := New(zipPath)
	if err := a.Connect(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// Connect implements filezoom.Connector by (re)reading the archive index.
func (a *Adapter) Connect(_ context.Context) error {
	reader, err := zip.OpenReader(a.path)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	nodes := index(reader.File)

	a.mu.Lock()
	old := a.reader
	a.reader, a.nodes = reader, nodes
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close implements filezoom.Connector
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return nil
	}
	err := a.reader.Close()
	a.reader, a.nodes = nil, nil
	return err
}

func index(files []*zip.File) map[string]*node {
	nodes := map[string]*node{"": {dir: true}}
	var ensureDir func(rel string) *node
	ensureDir = func(rel string) *node {
		if n, ok := nodes[rel]; ok {
			if !n.dir {
				// a file whose name is also used as a directory prefix
				n.dir, n.file = true, nil
			}
			return n
		}
		n := &node{dir: true}
		nodes[rel] = n
		parent := ensureDir(parentOf(rel))
		parent.children = append(parent.children, path.Base(rel))
		return n
	}

	for _, f := range files {
		rel := normalize(f.Name)
		if rel == "" {
			continue
		}
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			ensureDir(rel).file = f
			continue
		}
		if existing, ok := nodes[rel]; ok && existing.dir {
			// a directory implied by other members wins over a file of the same name
			continue
		}
		if _, ok := nodes[rel]; !ok {
			parent := ensureDir(parentOf(rel))
			parent.children = append(parent.children, path.Base(rel))
		}
		nodes[rel] = &node{file: f}
	}
	for _, n := range nodes {
		sort.Strings(n.children)
	}
	return nodes
}

// normalize turns a member name into a slash separated relative path.
// Names that climb out of the archive are dropped.
func normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean(strings.TrimLeft(name, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}

func parentOf(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

func (a *Adapter) lookup(op string, p filezoom.Path) (*node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.nodes == nil {
		return nil, &filezoom.PathError{Op: op, Path: p, Err: filezoom.ErrBackendUnavailable}
	}
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return nil, &filezoom.PathError{Op: op, Path: p, Err: filezoom.ErrNotFound}
	}
	return n, nil
}

func (a *Adapter) entry(p filezoom.Path, n *node) filezoom.Entry {
	e := filezoom.Entry{Name: p.Base(), Path: p, Kind: filezoom.KindDirectory}
	if n.file == nil {
		e.Perm = &filezoom.Permissions{Mode: 0o755}
		return e
	}
	info := n.file.FileInfo()
	mt := n.file.Modified
	e.ModTime = &mt
	e.Perm = &filezoom.Permissions{Mode: info.Mode().Perm()}
	if n.dir {
		return e
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		e.Kind = filezoom.KindSymlink
		if target, err := readSmall(n.file); err == nil {
			e.LinkTarget = target
		}
	case info.Mode().IsRegular():
		e.Kind = filezoom.KindFile
		e.Size = int64(n.file.UncompressedSize64)
	default:
		e.Kind = filezoom.KindOther
	}
	return e
}

func readSmall(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	return string(b), err
}

// List implements filezoom.Backend
func (a *Adapter) List(ctx context.Context, p filezoom.Path) iter.Seq2[filezoom.Entry, error] {
	return func(yield func(filezoom.Entry, error) bool) {
		n, err := a.lookup("list", p)
		if err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		if !n.dir {
			yield(filezoom.Entry{}, &filezoom.PathError{Op: "list", Path: p, Err: filezoom.ErrNotDir})
			return
		}
		for _, name := range n.children {
			if err := ctx.Err(); err != nil {
				yield(filezoom.Entry{}, &filezoom.PathError{Op: "list", Path: p, Err: err})
				return
			}
			child, err := p.Join(name)
			if err != nil {
				continue
			}
			cn, err := a.lookup("list", child)
			if err != nil {
				yield(filezoom.Entry{}, err)
				return
			}
			if !yield(a.entry(child, cn), nil) {
				return
			}
		}
	}
}

// Stat implements filezoom.Backend
func (a *Adapter) Stat(_ context.Context, p filezoom.Path) (filezoom.Entry, error) {
	n, err := a.lookup("stat", p)
	if err != nil {
		return filezoom.Entry{}, err
	}
	return a.entry(p, n), nil
}

// OpenRead implements filezoom.Backend
func (a *Adapter) OpenRead(_ context.Context, p filezoom.Path) (io.ReadCloser, error) {
	n, err := a.lookup("open", p)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, &filezoom.PathError{Op: "open", Path: p, Err: filezoom.ErrIsDir}
	}
	rc, err := n.file.Open()
	if err != nil {
		return nil, &filezoom.PathError{Op: "open", Path: p, Err: err}
	}
	return rc, nil
}

func readOnly(op string, p filezoom.Path) error {
	return &filezoom.PathError{Op: op, Path: p, Err: filezoom.ErrReadOnly}
}

// OpenWrite implements filezoom.Backend. Archives are read-only.
func (a *Adapter) OpenWrite(_ context.Context, p filezoom.Path, _ filezoom.WriteMode) (io.WriteCloser, error) {
	return nil, readOnly("write", p)
}

// Mkdir implements filezoom.Backend. Archives are read-only.
func (a *Adapter) Mkdir(_ context.Context, p filezoom.Path, _ bool) error {
	return readOnly("mkdir", p)
}

// Remove implements filezoom.Backend. Archives are read-only.
func (a *Adapter) Remove(_ context.Context, p filezoom.Path) error {
	return readOnly("remove", p)
}

// Rename implements filezoom.Backend. Archives are read-only.
func (a *Adapter) Rename(_ context.Context, from, _ filezoom.Path) error {
	return readOnly("rename", from)
}

// SetPermissions implements filezoom.Backend. Archives are read-only.
func (a *Adapter) SetPermissions(_ context.Context, p filezoom.Path, _ filezoom.Permissions) error {
	return readOnly("chmod", p)
}

// Watch implements filezoom.CanWatch. An opened archive does not change.
func (a *Adapter) Watch(_ context.Context, p filezoom.Path) (filezoom.ChangeToken, error) {
	if _, err := a.lookup("watch", p); err != nil {
		return nil, err
	}
	return filezoom.NeverChangeToken{}, nil
}

// Ensure Adapter implements interfaces
var (
	_ filezoom.Backend   = (*Adapter)(nil)
	_ filezoom.Connector = (*Adapter)(nil)
	_ filezoom.CanWatch  = (*Adapter)(nil)
)
