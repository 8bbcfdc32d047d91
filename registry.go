package filezoom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/filezoom/internal/metrics"
	"github.com/gobeaver/filezoom/internal/retry"
)

// State is the connection state of a mounted backend.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "error"
	}
}

// MountInfo is a snapshot of one mount.
type MountInfo struct {
	ID       BackendID
	Driver   string
	ReadOnly bool
	State    State
	Err      error
}

type mount struct {
	id       BackendID
	driver   string
	readOnly bool
	backend  Backend
	gone     chan struct{}

	mu      sync.Mutex
	state   State
	lastErr error

	// serializes reconnects
	connMu sync.Mutex
}

func (m *mount) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	m.lastErr = err
	m.mu.Unlock()
	metrics.SetBackendState(string(m.id), m.driver, int(s))
}

func (m *mount) alive() bool {
	select {
	case <-m.gone:
		return false
	default:
		return true
	}
}

// Registry maps backend ids to live backend instances and owns their
// connection lifecycle. Callers never keep a backend across calls; they
// borrow it through Do or the view returned by Backend.
type Registry struct {
	mu     sync.RWMutex
	mounts map[BackendID]*mount
	seq    map[string]int

	cfg   *Config
	log   *zap.Logger
	retry retry.Config
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRetry overrides the reconnect policy derived from Config.
func WithRetry(cfg retry.Config) RegistryOption {
	return func(r *Registry) {
		r.retry = cfg
	}
}

// NewRegistry creates an empty registry. A nil cfg uses DefaultConfig.
func NewRegistry(cfg *Config, opts ...RegistryOption) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.ReconnectAttempts + 1
	rc.InitialWait = cfg.ReconnectBackoff()

	r := &Registry{
		mounts: make(map[BackendID]*mount),
		seq:    make(map[string]int),
		cfg:    cfg,
		log:    zap.NewNop(),
		retry:  rc,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mount constructs the backend described by d, connects it within the
// configured timeout and registers it. An empty d.ID gets a generated id.
func (r *Registry) Mount(ctx context.Context, d Descriptor) (BackendID, error) {
	b, err := CreateBackend(d)
	if err != nil {
		return "", fmt.Errorf("mount %s: %w", d.ID, err)
	}
	if d.ReadOnly {
		b = NewReadOnly(b)
	}

	m, err := r.add(d.ID, d.Driver, d.ReadOnly, b)
	if err != nil {
		return "", err
	}

	if c, ok := b.(Connector); ok {
		m.setState(StateConnecting, nil)
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout())
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			m.setState(StateError, err)
			r.log.Warn("backend connect failed", zap.String("backend", string(m.id)), zap.Error(err))
			r.drop(m)
			return "", &PathError{Op: "mount", Path: Root(m.id), Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, err)}
		}
	}
	m.setState(StateConnected, nil)
	r.log.Info("backend mounted",
		zap.String("backend", string(m.id)),
		zap.String("driver", d.Driver),
		zap.Bool("read_only", d.ReadOnly))
	return m.id, nil
}

// MountBackend registers an already constructed backend under id.
func (r *Registry) MountBackend(id BackendID, b Backend) error {
	if b == nil {
		return errors.New("backend cannot be nil")
	}
	if id == "" {
		return &PathError{Op: "mount", Path: Root(id), Err: ErrInvalidPath}
	}
	m, err := r.add(id, "custom", false, b)
	if err != nil {
		return err
	}
	m.setState(StateConnected, nil)
	return nil
}

func (r *Registry) add(id BackendID, driver string, readOnly bool, b Backend) (*mount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		for {
			r.seq[driver]++
			id = BackendID(fmt.Sprintf("%s-%d", driver, r.seq[driver]))
			if _, taken := r.mounts[id]; !taken {
				break
			}
		}
	}
	if strings.ContainsAny(string(id), ":/") {
		return nil, &PathError{Op: "mount", Path: Root(id), Err: ErrInvalidPath}
	}
	if _, exists := r.mounts[id]; exists {
		return nil, &PathError{Op: "mount", Path: Root(id), Err: ErrAlreadyExists}
	}
	m := &mount{
		id:       id,
		driver:   driver,
		readOnly: readOnly,
		backend:  b,
		gone:     make(chan struct{}),
		state:    StateDisconnected,
	}
	r.mounts[id] = m
	return m, nil
}

func (r *Registry) drop(m *mount) bool {
	r.mu.Lock()
	cur, ok := r.mounts[m.id]
	if !ok || cur != m {
		r.mu.Unlock()
		return false
	}
	delete(r.mounts, m.id)
	r.mu.Unlock()
	close(m.gone)
	metrics.DeleteBackend(string(m.id), m.driver)
	return true
}

// Unmount drops the backend. Operations still using it fail with
// ErrBackendUnavailable at their next call.
func (r *Registry) Unmount(id BackendID) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	m.setState(StateDisconnected, nil)
	if !r.drop(m) {
		return &PathError{Op: "unmount", Path: Root(id), Err: ErrBackendUnavailable}
	}

	if c, ok := m.backend.(Connector); ok {
		if err := c.Close(); err != nil {
			r.log.Warn("backend close failed", zap.String("backend", string(id)), zap.Error(err))
		}
	}
	r.log.Info("backend unmounted", zap.String("backend", string(id)))
	return nil
}

// Close unmounts every backend.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := make([]BackendID, 0, len(r.mounts))
	for id := range r.mounts {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := r.Unmount(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) lookup(id BackendID) (*mount, error) {
	r.mu.RLock()
	m, ok := r.mounts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &PathError{Op: "borrow", Path: Root(id), Err: ErrBackendUnavailable}
	}
	return m, nil
}

// State returns the connection state of a backend.
func (r *Registry) State(id BackendID) (State, error) {
	m, err := r.lookup(id)
	if err != nil {
		return StateDisconnected, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Available reports whether id is mounted.
func (r *Registry) Available(id BackendID) bool {
	_, err := r.lookup(id)
	return err == nil
}

// Gone returns a channel closed when id is unmounted. An unknown id yields
// an already closed channel.
func (r *Registry) Gone(id BackendID) <-chan struct{} {
	m, err := r.lookup(id)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.gone
}

// Mounts returns all mounts sorted by id.
func (r *Registry) Mounts() []MountInfo {
	r.mu.RLock()
	list := make([]*mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		list = append(list, m)
	}
	r.mu.RUnlock()

	out := make([]MountInfo, 0, len(list))
	for _, m := range list {
		m.mu.Lock()
		out = append(out, MountInfo{ID: m.id, Driver: m.driver, ReadOnly: m.readOnly, State: m.state, Err: m.lastErr})
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Normalize is Normalize restricted to mounted backends.
func (r *Registry) Normalize(raw string, id BackendID) (Path, error) {
	if !r.Available(id) {
		return Path{}, &PathError{Op: "normalize", Path: Root(id), Err: fmt.Errorf("%w: unknown backend", ErrInvalidPath)}
	}
	return Normalize(raw, id)
}

// Parse reads the "backend:/a/b" notation.
func (r *Registry) Parse(s string) (Path, error) {
	id, raw, ok := strings.Cut(s, ":")
	if !ok {
		return Path{}, &PathError{Op: "parse", Path: Path{rel: s}, Err: ErrInvalidPath}
	}
	if raw == "" {
		raw = separator
	}
	return r.Normalize(raw, BackendID(id))
}

// Do borrows the backend for exactly one call. When fn fails with
// ErrConnectionLost on a connected backend, the registry reconnects and
// calls fn again, with exponential backoff, up to the configured number of
// attempts. The final ErrConnectionLost leaves the backend in StateError.
func (r *Registry) Do(ctx context.Context, id BackendID, fn func(Backend) error) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	_, reconnectable := m.backend.(Connector)

	cfg := r.retry
	cfg.RetryIf = func(err error) bool {
		return reconnectable && errors.Is(err, ErrConnectionLost) && m.alive()
	}
	cfg.OnRetry = func(attempt int, err error) {
		r.log.Warn("backend connection lost, retrying",
			zap.String("backend", string(id)), zap.Int("attempt", attempt), zap.Error(err))
	}

	err = retry.Do(ctx, cfg, func(attempt int) error {
		if !m.alive() {
			return &PathError{Op: "borrow", Path: Root(id), Err: ErrBackendUnavailable}
		}
		if attempt > 1 {
			if err := r.reconnect(ctx, m); err != nil {
				return err
			}
		}
		return fn(m.backend)
	})
	if reconnectable && errors.Is(err, ErrConnectionLost) && m.alive() {
		m.setState(StateError, err)
	}
	return err
}

func (r *Registry) reconnect(ctx context.Context, m *mount) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if p, ok := m.backend.(Pinger); ok {
		if err := p.Ping(ctx); err == nil {
			m.setState(StateConnected, nil)
			return nil
		}
	}

	c := m.backend.(Connector)
	m.setState(StateConnecting, nil)
	_ = c.Close()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout())
	defer cancel()
	if err := c.Connect(cctx); err != nil {
		metrics.RecordReconnect(string(m.id), false)
		m.setState(StateError, err)
		return &PathError{Op: "reconnect", Path: Root(m.id), Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
	}
	metrics.RecordReconnect(string(m.id), true)
	m.setState(StateConnected, nil)
	r.log.Info("backend reconnected", zap.String("backend", string(m.id)))
	return nil
}

// Backend returns a view of id whose every method borrows the live backend
// through Do. Optional capabilities the backend lacks fail with an
// Unsupported error.
func (r *Registry) Backend(id BackendID) (Backend, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return &borrowed{r: r, id: id}, nil
}

// Resolve returns the borrowed view for p's backend.
func (r *Registry) Resolve(p Path) (Backend, error) {
	return r.Backend(p.Backend())
}

// Watch returns a change token for the directory p. Backends without
// native notifications are polled.
func (r *Registry) Watch(ctx context.Context, p Path, interval time.Duration) (ChangeToken, error) {
	var token ChangeToken
	err := r.Do(ctx, p.Backend(), func(b Backend) error {
		w, ok := b.(CanWatch)
		if !ok {
			return Unsupported("watch", p, "watch")
		}
		var err error
		token, err = w.Watch(ctx, p)
		return err
	})
	if err == nil {
		return token, nil
	}
	if !IsUnsupported(err) {
		return nil, err
	}

	view, err := r.Backend(p.Backend())
	if err != nil {
		return nil, err
	}
	initial, err := listingSignature(ctx, view, p)
	if err != nil {
		return nil, err
	}
	return NewPollingChangeToken(ctx, PollingConfig{
		Interval: interval,
		CheckFunc: func() bool {
			sig, err := listingSignature(ctx, view, p)
			return err != nil || sig != initial
		},
	}), nil
}

func listingSignature(ctx context.Context, b Backend, p Path) (string, error) {
	var sb strings.Builder
	for e, err := range b.List(ctx, p) {
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s|%d|%d|", e.Name, e.Kind, e.Size)
		if e.ModTime != nil {
			sb.WriteString(e.ModTime.UTC().Format(time.RFC3339Nano))
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// ============================================================================
// Borrowed view
// ============================================================================

type borrowed struct {
	r  *Registry
	id BackendID
}

var (
	_ Backend     = (*borrowed)(nil)
	_ CanSetTimes = (*borrowed)(nil)
	_ CanSymlink  = (*borrowed)(nil)
	_ CanChecksum = (*borrowed)(nil)
)

func (b *borrowed) unavailable(p Path) error {
	return &PathError{Op: "borrow", Path: p, Err: ErrBackendUnavailable}
}

func (b *borrowed) List(ctx context.Context, p Path) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var (
			next  func() (Entry, error, bool)
			stop  func()
			e     Entry
			lerr  error
			valid bool
		)
		err := b.r.Do(ctx, b.id, func(be Backend) error {
			if stop != nil {
				stop()
			}
			next, stop = iter.Pull2(be.List(ctx, p))
			e, lerr, valid = next()
			if valid && errors.Is(lerr, ErrConnectionLost) {
				return lerr
			}
			return nil
		})
		if stop != nil {
			defer stop()
		}
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for valid {
			if !yield(e, lerr) || lerr != nil {
				return
			}
			if !b.r.Available(b.id) {
				yield(Entry{}, b.unavailable(p))
				return
			}
			e, lerr, valid = next()
		}
	}
}

func (b *borrowed) Stat(ctx context.Context, p Path) (Entry, error) {
	var e Entry
	err := b.r.Do(ctx, b.id, func(be Backend) error {
		var err error
		e, err = be.Stat(ctx, p)
		return err
	})
	return e, err
}

func (b *borrowed) OpenRead(ctx context.Context, p Path) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.r.Do(ctx, b.id, func(be Backend) error {
		var err error
		rc, err = be.OpenRead(ctx, p)
		return err
	})
	return rc, err
}

func (b *borrowed) OpenWrite(ctx context.Context, p Path, mode WriteMode) (io.WriteCloser, error) {
	var wc io.WriteCloser
	err := b.r.Do(ctx, b.id, func(be Backend) error {
		var err error
		wc, err = be.OpenWrite(ctx, p, mode)
		return err
	})
	return wc, err
}

func (b *borrowed) Mkdir(ctx context.Context, p Path, parents bool) error {
	return b.r.Do(ctx, b.id, func(be Backend) error {
		return be.Mkdir(ctx, p, parents)
	})
}

func (b *borrowed) Remove(ctx context.Context, p Path) error {
	return b.r.Do(ctx, b.id, func(be Backend) error {
		return be.Remove(ctx, p)
	})
}

func (b *borrowed) Rename(ctx context.Context, from, to Path) error {
	if from.Backend() != to.Backend() {
		return &PathError{Op: "rename", Path: from, Err: ErrCrossBackendRename}
	}
	return b.r.Do(ctx, b.id, func(be Backend) error {
		return be.Rename(ctx, from, to)
	})
}

func (b *borrowed) SetPermissions(ctx context.Context, p Path, perm Permissions) error {
	return b.r.Do(ctx, b.id, func(be Backend) error {
		return be.SetPermissions(ctx, p, perm)
	})
}

func (b *borrowed) Chtimes(ctx context.Context, p Path, mtime time.Time) error {
	return b.r.Do(ctx, b.id, func(be Backend) error {
		ts, ok := be.(CanSetTimes)
		if !ok {
			return Unsupported("chtimes", p, "times")
		}
		return ts.Chtimes(ctx, p, mtime)
	})
}

func (b *borrowed) Readlink(ctx context.Context, p Path) (string, error) {
	var target string
	err := b.r.Do(ctx, b.id, func(be Backend) error {
		sl, ok := be.(CanSymlink)
		if !ok {
			return Unsupported("readlink", p, "symlink")
		}
		var err error
		target, err = sl.Readlink(ctx, p)
		return err
	})
	return target, err
}

func (b *borrowed) Symlink(ctx context.Context, target string, link Path) error {
	return b.r.Do(ctx, b.id, func(be Backend) error {
		sl, ok := be.(CanSymlink)
		if !ok {
			return Unsupported("symlink", link, "symlink")
		}
		return sl.Symlink(ctx, target, link)
	})
}

func (b *borrowed) Checksum(ctx context.Context, p Path, algorithm ChecksumAlgorithm) (string, error) {
	var sum string
	err := b.r.Do(ctx, b.id, func(be Backend) error {
		var err error
		if cs, ok := be.(CanChecksum); ok {
			sum, err = cs.Checksum(ctx, p, algorithm)
			return err
		}
		rc, err := be.OpenRead(ctx, p)
		if err != nil {
			return err
		}
		defer rc.Close()
		sum, err = CalculateChecksum(rc, algorithm)
		return err
	})
	return sum, err
}
