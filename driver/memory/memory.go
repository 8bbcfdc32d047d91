// Package memory provides an in-process backend. Besides serving scratch
// mounts it is the fake used by tests: it records every call and accepts
// injected faults.
package memory

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/filezoom"
)

// node is a file, directory or symlink stored in memory
type node struct {
	kind    filezoom.EntryKind
	data    []byte
	mode    fs.FileMode
	modTime time.Time
	target  string
	owner   string
	group   string
}

// Call records one backend call.
type Call struct {
	Op   string
	Path string
	To   string
}

// Fault makes matching calls fail.
type Fault struct {
	// Op is the call to fail: list, stat, open_read, open_write, mkdir,
	// remove, rename, chmod, chown, chtimes, symlink. Empty matches every op.
	Op string
	// Path is the relative path to match. Empty matches every path.
	Path string
	// Err is returned by the failing call.
	Err error
	// AfterBytes, for open_read and open_write, lets the stream move this
	// many bytes before failing instead of failing the open.
	AfterBytes int64
	// Times limits how often the fault fires; 0 means always.
	Times int
}

type watchEntry struct {
	dir   string
	token *filezoom.CallbackChangeToken
}

// Adapter is an in-memory filezoom.Backend.
type Adapter struct {
	mu    sync.RWMutex
	nodes map[string]*node

	noRename      bool
	noPermissions bool
	noSymlinks    bool

	faultMu sync.Mutex
	faults  []*Fault
	calls   []Call

	watchMu sync.RWMutex
	watches []*watchEntry
}

// Option configures the adapter.
type Option func(*Adapter)

// WithoutRename makes Rename report Unsupported.
func WithoutRename() Option {
	return func(a *Adapter) { a.noRename = true }
}

// WithoutPermissions makes SetPermissions report Unsupported.
func WithoutPermissions() Option {
	return func(a *Adapter) { a.noPermissions = true }
}

// WithoutSymlinks makes Readlink and Symlink report Unsupported.
func WithoutSymlinks() Option {
	return func(a *Adapter) { a.noSymlinks = true }
}

// New creates an empty in-memory backend.
func New(opts ...Option) *Adapter {
	a := &Adapter{nodes: map[string]*node{
		"": {kind: filezoom.KindDirectory, mode: fs.ModeDir | 0o755, modTime: time.Now()},
	}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ============================================================================
// Test hooks
// ============================================================================

// Inject adds a fault.
func (a *Adapter) Inject(f Fault) {
	a.faultMu.Lock()
	defer a.faultMu.Unlock()
	fc := f
	a.faults = append(a.faults, &fc)
}

// ClearFaults removes all faults.
func (a *Adapter) ClearFaults() {
	a.faultMu.Lock()
	defer a.faultMu.Unlock()
	a.faults = nil
}

// Calls returns the recorded calls, filtered by op when op is not empty.
func (a *Adapter) Calls(op string) []Call {
	a.faultMu.Lock()
	defer a.faultMu.Unlock()
	var out []Call
	for _, c := range a.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets recorded calls.
func (a *Adapter) ResetCalls() {
	a.faultMu.Lock()
	defer a.faultMu.Unlock()
	a.calls = nil
}

func (a *Adapter) record(op string, p filezoom.Path, to string) *Fault {
	a.faultMu.Lock()
	defer a.faultMu.Unlock()
	a.calls = append(a.calls, Call{Op: op, Path: p.Rel(), To: to})
	for _, f := range a.faults {
		if (f.Op == "" || f.Op == op) && (f.Path == "" || f.Path == p.Rel()) {
			if f.Times < 0 {
				continue
			}
			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					f.Times = -1
				}
			}
			fc := *f
			return &fc
		}
	}
	return nil
}

// WriteFile stores data at rel, creating parent directories.
func (a *Adapter) WriteFile(rel string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mkdirAllLocked(parentOf(rel))
	a.nodes[rel] = &node{kind: filezoom.KindFile, data: slices.Clone(data), mode: 0o644, modTime: time.Now()}
}

// MkdirAll creates rel and its parents.
func (a *Adapter) MkdirAll(rel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mkdirAllLocked(rel)
}

// AddSymlink stores a symlink at rel pointing to target.
func (a *Adapter) AddSymlink(rel, target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mkdirAllLocked(parentOf(rel))
	a.nodes[rel] = &node{kind: filezoom.KindSymlink, target: target, mode: fs.ModeSymlink | 0o777, modTime: time.Now()}
}

// ReadFile returns the content stored at rel.
func (a *Adapter) ReadFile(rel string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[rel]
	if !ok || n.kind != filezoom.KindFile {
		return nil, false
	}
	return slices.Clone(n.data), true
}

// Exists reports whether a node exists at rel.
func (a *Adapter) Exists(rel string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.nodes[rel]
	return ok
}

// Mode returns the permission bits stored at rel.
func (a *Adapter) Mode(rel string) fs.FileMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if n, ok := a.nodes[rel]; ok {
		return n.mode.Perm()
	}
	return 0
}

func (a *Adapter) mkdirAllLocked(rel string) {
	if rel == "" {
		return
	}
	a.mkdirAllLocked(parentOf(rel))
	if _, ok := a.nodes[rel]; !ok {
		a.nodes[rel] = &node{kind: filezoom.KindDirectory, mode: fs.ModeDir | 0o755, modTime: time.Now()}
	}
}

// ============================================================================
// filezoom.Backend
// ============================================================================

func parentOf(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}

func baseOf(rel string) string {
	return rel[strings.LastIndex(rel, "/")+1:]
}

func (a *Adapter) entry(p filezoom.Path, n *node) filezoom.Entry {
	mt := n.modTime
	e := filezoom.Entry{
		Name:       p.Base(),
		Path:       p,
		Kind:       n.kind,
		ModTime:    &mt,
		LinkTarget: n.target,
	}
	if n.kind == filezoom.KindFile {
		e.Size = int64(len(n.data))
	}
	if !a.noPermissions {
		e.Perm = &filezoom.Permissions{Mode: n.mode.Perm(), Owner: n.owner, Group: n.group}
	}
	return e
}

func (a *Adapter) fail(op string, p filezoom.Path, err error) error {
	return &filezoom.PathError{Op: op, Path: p, Err: err}
}

func checkCtx(ctx context.Context, op string, p filezoom.Path) error {
	select {
	case <-ctx.Done():
		return &filezoom.PathError{Op: op, Path: p, Err: ctx.Err()}
	default:
		return nil
	}
}

func (a *Adapter) List(ctx context.Context, p filezoom.Path) iter.Seq2[filezoom.Entry, error] {
	return func(yield func(filezoom.Entry, error) bool) {
		if err := checkCtx(ctx, "list", p); err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		if f := a.record("list", p, ""); f != nil {
			yield(filezoom.Entry{}, a.fail("list", p, f.Err))
			return
		}

		a.mu.RLock()
		dir, ok := a.nodes[p.Rel()]
		if !ok || dir.kind != filezoom.KindDirectory {
			a.mu.RUnlock()
			err := filezoom.ErrNotFound
			if ok {
				err = filezoom.ErrNotDir
			}
			yield(filezoom.Entry{}, a.fail("list", p, err))
			return
		}
		var entries []filezoom.Entry
		for rel, n := range a.nodes {
			if rel == "" || parentOf(rel) != p.Rel() {
				continue
			}
			child, err := p.Join(baseOf(rel))
			if err != nil {
				continue
			}
			entries = append(entries, a.entry(child, n))
		}
		a.mu.RUnlock()

		slices.SortFunc(entries, func(x, y filezoom.Entry) int { return strings.Compare(x.Name, y.Name) })
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (a *Adapter) Stat(ctx context.Context, p filezoom.Path) (filezoom.Entry, error) {
	if err := checkCtx(ctx, "stat", p); err != nil {
		return filezoom.Entry{}, err
	}
	if f := a.record("stat", p, ""); f != nil {
		return filezoom.Entry{}, a.fail("stat", p, f.Err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return filezoom.Entry{}, a.fail("stat", p, filezoom.ErrNotFound)
	}
	return a.entry(p, n), nil
}

func (a *Adapter) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	if err := checkCtx(ctx, "open_read", p); err != nil {
		return nil, err
	}
	f := a.record("open_read", p, "")
	if f != nil && f.AfterBytes == 0 {
		return nil, a.fail("open_read", p, f.Err)
	}

	a.mu.RLock()
	n, ok := a.nodes[p.Rel()]
	var data []byte
	if ok {
		data = slices.Clone(n.data)
	}
	a.mu.RUnlock()

	switch {
	case !ok:
		return nil, a.fail("open_read", p, filezoom.ErrNotFound)
	case n.kind == filezoom.KindDirectory:
		return nil, a.fail("open_read", p, filezoom.ErrIsDir)
	}
	return &reader{data: data, fault: f, p: p}, nil
}

type reader struct {
	data  []byte
	off   int64
	fault *Fault
	p     filezoom.Path
}

func (r *reader) Read(b []byte) (int, error) {
	if r.fault != nil {
		if r.off >= r.fault.AfterBytes {
			return 0, &filezoom.PathError{Op: "read", Path: r.p, Err: r.fault.Err}
		}
		if room := r.fault.AfterBytes - r.off; int64(len(b)) > room {
			b = b[:room]
		}
	}
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(b, r.data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *reader) Close() error { return nil }

func (a *Adapter) OpenWrite(ctx context.Context, p filezoom.Path, mode filezoom.WriteMode) (io.WriteCloser, error) {
	if err := checkCtx(ctx, "open_write", p); err != nil {
		return nil, err
	}
	f := a.record("open_write", p, "")
	if f != nil && f.AfterBytes == 0 {
		return nil, a.fail("open_write", p, f.Err)
	}
	if p.IsRoot() {
		return nil, a.fail("open_write", p, filezoom.ErrIsDir)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	parent, ok := a.nodes[parentOf(p.Rel())]
	if !ok {
		return nil, a.fail("open_write", p, filezoom.ErrNotFound)
	}
	if parent.kind != filezoom.KindDirectory {
		return nil, a.fail("open_write", p, filezoom.ErrNotDir)
	}
	n, exists := a.nodes[p.Rel()]
	switch {
	case exists && n.kind == filezoom.KindDirectory:
		return nil, a.fail("open_write", p, filezoom.ErrIsDir)
	case !exists || n.kind != filezoom.KindFile:
		n = &node{kind: filezoom.KindFile, mode: 0o644}
		a.nodes[p.Rel()] = n
	case mode == filezoom.WriteTruncate:
		n.data = nil
	}
	n.modTime = time.Now()
	go a.notify(p.Rel())
	return &writer{a: a, rel: p.Rel(), fault: f, p: p}, nil
}

type writer struct {
	a      *Adapter
	rel    string
	p      filezoom.Path
	fault  *Fault
	n      int64
	closed bool
}

func (w *writer) Write(b []byte) (int, error) {
	if w.closed {
		return 0, &filezoom.PathError{Op: "write", Path: w.p, Err: fs.ErrClosed}
	}
	var ferr error
	if w.fault != nil {
		room := w.fault.AfterBytes - w.n
		if room <= 0 {
			return 0, &filezoom.PathError{Op: "write", Path: w.p, Err: w.fault.Err}
		}
		if int64(len(b)) > room {
			b = b[:room]
			ferr = &filezoom.PathError{Op: "write", Path: w.p, Err: w.fault.Err}
		}
	}

	w.a.mu.Lock()
	n, ok := w.a.nodes[w.rel]
	if !ok || n.kind != filezoom.KindFile {
		w.a.mu.Unlock()
		return 0, &filezoom.PathError{Op: "write", Path: w.p, Err: filezoom.ErrNotFound}
	}
	n.data = append(n.data, b...)
	n.modTime = time.Now()
	w.a.mu.Unlock()

	w.n += int64(len(b))
	return len(b), ferr
}

func (w *writer) Close() error {
	w.closed = true
	return nil
}

func (a *Adapter) Mkdir(ctx context.Context, p filezoom.Path, parents bool) error {
	if err := checkCtx(ctx, "mkdir", p); err != nil {
		return err
	}
	if f := a.record("mkdir", p, ""); f != nil {
		return a.fail("mkdir", p, f.Err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[p.Rel()]; ok {
		if parents && n.kind == filezoom.KindDirectory {
			return nil
		}
		return a.fail("mkdir", p, filezoom.ErrAlreadyExists)
	}
	if parents {
		for cur := parentOf(p.Rel()); cur != ""; cur = parentOf(cur) {
			if n, ok := a.nodes[cur]; ok && n.kind != filezoom.KindDirectory {
				return a.fail("mkdir", p, filezoom.ErrNotDir)
			}
		}
		a.mkdirAllLocked(p.Rel())
	} else {
		parent, ok := a.nodes[parentOf(p.Rel())]
		if !ok {
			return a.fail("mkdir", p, filezoom.ErrNotFound)
		}
		if parent.kind != filezoom.KindDirectory {
			return a.fail("mkdir", p, filezoom.ErrNotDir)
		}
		a.nodes[p.Rel()] = &node{kind: filezoom.KindDirectory, mode: fs.ModeDir | 0o755, modTime: time.Now()}
	}
	go a.notify(p.Rel())
	return nil
}

func (a *Adapter) hasChildrenLocked(rel string) bool {
	for k := range a.nodes {
		if k != "" && k != rel && parentOf(k) == rel {
			return true
		}
	}
	return false
}

func (a *Adapter) Remove(ctx context.Context, p filezoom.Path) error {
	if err := checkCtx(ctx, "remove", p); err != nil {
		return err
	}
	if f := a.record("remove", p, ""); f != nil {
		return a.fail("remove", p, f.Err)
	}
	if p.IsRoot() {
		return a.fail("remove", p, filezoom.ErrPermissionDenied)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return a.fail("remove", p, filezoom.ErrNotFound)
	}
	if n.kind == filezoom.KindDirectory && a.hasChildrenLocked(p.Rel()) {
		return a.fail("remove", p, filezoom.ErrNotEmpty)
	}
	delete(a.nodes, p.Rel())
	go a.notify(p.Rel())
	return nil
}

func (a *Adapter) Rename(ctx context.Context, from, to filezoom.Path) error {
	if err := checkCtx(ctx, "rename", from); err != nil {
		return err
	}
	if from.Backend() != to.Backend() {
		return a.fail("rename", from, filezoom.ErrCrossBackendRename)
	}
	if f := a.record("rename", from, to.Rel()); f != nil {
		return a.fail("rename", from, f.Err)
	}
	if a.noRename {
		return filezoom.Unsupported("rename", from, "rename")
	}
	if from.IsRoot() || to.IsRoot() || (to.Within(from) && to != from) {
		return a.fail("rename", from, filezoom.ErrInvalidPath)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.nodes[from.Rel()]
	if !ok {
		return a.fail("rename", from, filezoom.ErrNotFound)
	}
	if parent, ok := a.nodes[parentOf(to.Rel())]; !ok || parent.kind != filezoom.KindDirectory {
		return a.fail("rename", to, filezoom.ErrNotFound)
	}
	if dst, ok := a.nodes[to.Rel()]; ok && from != to {
		switch {
		case dst.kind == filezoom.KindDirectory && src.kind != filezoom.KindDirectory:
			return a.fail("rename", to, filezoom.ErrIsDir)
		case dst.kind != filezoom.KindDirectory && src.kind == filezoom.KindDirectory:
			return a.fail("rename", to, filezoom.ErrNotDir)
		case dst.kind == filezoom.KindDirectory && a.hasChildrenLocked(to.Rel()):
			return a.fail("rename", to, filezoom.ErrNotEmpty)
		}
	}

	prefix := from.Rel() + "/"
	moved := map[string]*node{to.Rel(): src}
	for rel, n := range a.nodes {
		if strings.HasPrefix(rel, prefix) {
			moved[to.Rel()+"/"+strings.TrimPrefix(rel, prefix)] = n
			delete(a.nodes, rel)
		}
	}
	delete(a.nodes, from.Rel())
	for rel, n := range moved {
		a.nodes[rel] = n
	}
	go a.notify(from.Rel())
	go a.notify(to.Rel())
	return nil
}

func (a *Adapter) SetPermissions(ctx context.Context, p filezoom.Path, perm filezoom.Permissions) error {
	if err := checkCtx(ctx, "chmod", p); err != nil {
		return err
	}
	if f := a.record("chmod", p, ""); f != nil {
		return a.fail("chmod", p, f.Err)
	}
	if a.noPermissions {
		return filezoom.Unsupported("chmod", p, "permissions")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return a.fail("chmod", p, filezoom.ErrNotFound)
	}
	n.mode = n.mode.Type() | perm.Mode.Perm()
	return nil
}

// Chtimes implements filezoom.CanSetTimes
func (a *Adapter) Chtimes(ctx context.Context, p filezoom.Path, mtime time.Time) error {
	if err := checkCtx(ctx, "chtimes", p); err != nil {
		return err
	}
	if f := a.record("chtimes", p, ""); f != nil {
		return a.fail("chtimes", p, f.Err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return a.fail("chtimes", p, filezoom.ErrNotFound)
	}
	n.modTime = mtime
	return nil
}

// Chown implements filezoom.CanChown. Owners are stored as given.
func (a *Adapter) Chown(ctx context.Context, p filezoom.Path, owner, group string) error {
	if err := checkCtx(ctx, "chown", p); err != nil {
		return err
	}
	if f := a.record("chown", p, ""); f != nil {
		return a.fail("chown", p, f.Err)
	}
	if a.noPermissions {
		return filezoom.Unsupported("chown", p, "ownership")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return a.fail("chown", p, filezoom.ErrNotFound)
	}
	if owner != "" {
		n.owner = owner
	}
	if group != "" {
		n.group = group
	}
	return nil
}

// Readlink implements filezoom.CanSymlink
func (a *Adapter) Readlink(ctx context.Context, p filezoom.Path) (string, error) {
	if err := checkCtx(ctx, "readlink", p); err != nil {
		return "", err
	}
	if a.noSymlinks {
		return "", filezoom.Unsupported("readlink", p, "symlink")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[p.Rel()]
	if !ok {
		return "", a.fail("readlink", p, filezoom.ErrNotFound)
	}
	if n.kind != filezoom.KindSymlink {
		return "", a.fail("readlink", p, errors.New("not a symlink"))
	}
	return n.target, nil
}

// Symlink implements filezoom.CanSymlink
func (a *Adapter) Symlink(ctx context.Context, target string, link filezoom.Path) error {
	if err := checkCtx(ctx, "symlink", link); err != nil {
		return err
	}
	if f := a.record("symlink", link, target); f != nil {
		return a.fail("symlink", link, f.Err)
	}
	if a.noSymlinks {
		return filezoom.Unsupported("symlink", link, "symlink")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nodes[link.Rel()]; ok {
		return a.fail("symlink", link, filezoom.ErrAlreadyExists)
	}
	if parent, ok := a.nodes[parentOf(link.Rel())]; !ok || parent.kind != filezoom.KindDirectory {
		return a.fail("symlink", link, filezoom.ErrNotFound)
	}
	a.nodes[link.Rel()] = &node{kind: filezoom.KindSymlink, target: target, mode: fs.ModeSymlink | 0o777, modTime: time.Now()}
	go a.notify(link.Rel())
	return nil
}

// Watch implements filezoom.CanWatch. The token fires on any change to a
// direct child of p.
func (a *Adapter) Watch(ctx context.Context, p filezoom.Path) (filezoom.ChangeToken, error) {
	if err := checkCtx(ctx, "watch", p); err != nil {
		return nil, err
	}
	token := filezoom.NewCallbackChangeToken()
	a.watchMu.Lock()
	a.watches = append(a.watches, &watchEntry{dir: p.Rel(), token: token})
	a.watchMu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			a.removeWatch(token)
		}()
	}
	token.RegisterChangeCallback(func() { a.removeWatch(token) })
	return token, nil
}

// notify signals watchers of the directory containing rel
func (a *Adapter) notify(rel string) {
	dir := parentOf(rel)
	a.watchMu.RLock()
	var hit []*filezoom.CallbackChangeToken
	for _, w := range a.watches {
		if w.dir == dir {
			hit = append(hit, w.token)
		}
	}
	a.watchMu.RUnlock()
	for _, t := range hit {
		t.SignalChange()
	}
}

func (a *Adapter) removeWatch(token *filezoom.CallbackChangeToken) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.watches = slices.DeleteFunc(a.watches, func(w *watchEntry) bool { return w.token == token })
}

// Ensure Adapter implements interfaces
var (
	_ filezoom.Backend     = (*Adapter)(nil)
	_ filezoom.CanSetTimes = (*Adapter)(nil)
	_ filezoom.CanSymlink  = (*Adapter)(nil)
	_ filezoom.CanWatch    = (*Adapter)(nil)
)
