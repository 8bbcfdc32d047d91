// Package sftp provides a filezoom backend over an SSH file transfer
// session. The adapter holds one connection and implements
// filezoom.Connector so the registry can reconnect it.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/filezoom"
)

// Adapter provides an SFTP implementation of filezoom.Backend
type Adapter struct {
	mu      sync.Mutex
	client  *sftp.Client
	sshConn *ssh.Client
	config  Config
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	Passphrase string
	// KnownHosts is an OpenSSH known_hosts file. Host keys are not checked
	// when it is empty.
	KnownHosts string
	// BasePath is prepended to every path. Empty means the login directory.
	BasePath string
	Timeout  time.Duration
	// PollInterval paces Watch, which has no server-side notification to
	// rely on.
	PollInterval time.Duration
}

// New creates an SFTP adapter. No connection is made until Connect.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sftp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Adapter{config: cfg}, nil
}

// newWithClient wraps an established session.
func newWithClient(client *sftp.Client, basePath string) *Adapter {
	return &Adapter{
		client: client,
		config: Config{BasePath: basePath, PollInterval: 100 * time.Millisecond},
	}
}

func (a *Adapter) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.config.Timeout,
	}
	if a.config.KnownHosts != "" {
		cb, err := knownhosts.New(a.config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("sftp: known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	}

	if len(a.config.PrivateKey) > 0 {
		signer, err := parsePrivateKey(a.config.PrivateKey, a.config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if a.config.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(a.config.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, fmt.Errorf("sftp: no authentication method provided")
	}
	return cfg, nil
}

func parsePrivateKey(key []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(key)
	if err == nil || passphrase == "" {
		return signer, err
	}
	return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
}

// Connect implements filezoom.Connector. An existing session is replaced.
func (a *Adapter) Connect(ctx context.Context) error {
	sshConfig, err := a.clientConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	dialer := &net.Dialer{Timeout: a.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sftp: dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("sftp: ssh handshake: %w", err)
	}
	sshConn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("sftp: failed to create client: %w", err)
	}

	a.mu.Lock()
	old, oldConn := a.client, a.sshConn
	a.client, a.sshConn = client, sshConn
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if oldConn != nil {
		oldConn.Close()
	}
	return nil
}

// Close implements filezoom.Connector
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}
	return errors.Join(errs...)
}

// Ping implements filezoom.Pinger
func (a *Adapter) Ping(ctx context.Context) error {
	c, err := a.session("ping", filezoom.Path{})
	if err != nil {
		return err
	}
	if _, err := c.Getwd(); err != nil {
		return mapError("ping", filezoom.Path{}, err)
	}
	return nil
}

func (a *Adapter) session(op string, p filezoom.Path) (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, &filezoom.PathError{Op: op, Path: p, Err: filezoom.ErrConnectionLost}
	}
	return a.client, nil
}

func (a *Adapter) begin(ctx context.Context, op string, p filezoom.Path) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &filezoom.PathError{Op: op, Path: p, Err: err}
	}
	return a.session(op, p)
}

func (a *Adapter) fullPath(p filezoom.Path) string {
	base := a.config.BasePath
	if base == "" {
		base = "."
	}
	return path.Join(base, p.Rel())
}

// mapError maps SFTP errors to filezoom errors
func mapError(op string, p filezoom.Path, err error) error {
	if err == nil {
		return nil
	}
	var mapped error
	switch {
	case isConnectionError(err):
		mapped = fmt.Errorf("%w: %v", filezoom.ErrConnectionLost, err)
	case errors.Is(err, os.ErrNotExist):
		mapped = filezoom.ErrNotFound
	case errors.Is(err, os.ErrPermission):
		mapped = filezoom.ErrPermissionDenied
	case errors.Is(err, os.ErrExist):
		mapped = filezoom.ErrAlreadyExists
	case errors.Is(err, sftp.ErrSSHFxOpUnsupported):
		mapped = &filezoom.UnsupportedError{Capability: op}
	default:
		mapped = err
	}
	return &filezoom.PathError{Op: op, Path: p, Err: mapped}
}

func isConnectionError(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func kindOf(mode os.FileMode) filezoom.EntryKind {
	switch {
	case mode.IsDir():
		return filezoom.KindDirectory
	case mode&os.ModeSymlink != 0:
		return filezoom.KindSymlink
	case mode.IsRegular():
		return filezoom.KindFile
	default:
		return filezoom.KindOther
	}
}

func toEntry(c *sftp.Client, p filezoom.Path, full string, info os.FileInfo) filezoom.Entry {
	mt := info.ModTime()
	e := filezoom.Entry{
		Name:    p.Base(),
		Path:    p,
		Kind:    kindOf(info.Mode()),
		ModTime: &mt,
		Perm:    &filezoom.Permissions{Mode: info.Mode().Perm()},
	}
	if e.Kind == filezoom.KindFile {
		e.Size = info.Size()
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		e.Perm.Owner = strconv.FormatUint(uint64(st.UID), 10)
		e.Perm.Group = strconv.FormatUint(uint64(st.GID), 10)
	}
	if e.Kind == filezoom.KindSymlink {
		if target, err := c.ReadLink(full); err == nil {
			e.LinkTarget = target
		}
	}
	return e
}

// List implements filezoom.Backend. The server returns the directory in one
// batch; entries are converted as the sequence is consumed.
func (a *Adapter) List(ctx context.Context, p filezoom.Path) iter.Seq2[filezoom.Entry, error] {
	return func(yield func(filezoom.Entry, error) bool) {
		c, err := a.begin(ctx, "list", p)
		if err != nil {
			yield(filezoom.Entry{}, err)
			return
		}
		full := a.fullPath(p)
		infos, err := c.ReadDir(full)
		if err != nil {
			yield(filezoom.Entry{}, mapError("list", p, err))
			return
		}
		for _, info := range infos {
			child, err := p.Join(info.Name())
			if err != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(filezoom.Entry{}, &filezoom.PathError{Op: "list", Path: p, Err: err})
				return
			}
			if !yield(toEntry(c, child, path.Join(full, info.Name()), info), nil) {
				return
			}
		}
	}
}

// Stat implements filezoom.Backend
func (a *Adapter) Stat(ctx context.Context, p filezoom.Path) (filezoom.Entry, error) {
	c, err := a.begin(ctx, "stat", p)
	if err != nil {
		return filezoom.Entry{}, err
	}
	full := a.fullPath(p)
	info, err := c.Lstat(full)
	if err != nil {
		return filezoom.Entry{}, mapError("stat", p, err)
	}
	return toEntry(c, p, full, info), nil
}

// OpenRead implements filezoom.Backend
func (a *Adapter) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	c, err := a.begin(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	full := a.fullPath(p)
	info, err := c.Stat(full)
	if err != nil {
		return nil, mapError("open", p, err)
	}
	if info.IsDir() {
		return nil, &filezoom.PathError{Op: "open", Path: p, Err: filezoom.ErrIsDir}
	}
	f, err := c.Open(full)
	if err != nil {
		return nil, mapError("open", p, err)
	}
	return &file{f: f, p: p}, nil
}

// OpenWrite implements filezoom.Backend
func (a *Adapter) OpenWrite(ctx context.Context, p filezoom.Path, mode filezoom.WriteMode) (io.WriteCloser, error) {
	c, err := a.begin(ctx, "write", p)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if mode == filezoom.WriteAppend {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := c.OpenFile(a.fullPath(p), flags)
	if err != nil {
		return nil, mapError("write", p, err)
	}
	return &file{f: f, p: p}, nil
}

// file maps errors of an open remote file, so a session dropped mid-stream
// reports filezoom.ErrConnectionLost.
type file struct {
	f *sftp.File
	p filezoom.Path
}

func (f *file) Read(b []byte) (int, error) {
	n, err := f.f.Read(b)
	if err != nil && err != io.EOF {
		err = mapError("read", f.p, err)
	}
	return n, err
}

func (f *file) Write(b []byte) (int, error) {
	n, err := f.f.Write(b)
	return n, mapError("write", f.p, err)
}

func (f *file) Close() error {
	return mapError("close", f.p, f.f.Close())
}

// Mkdir implements filezoom.Backend
func (a *Adapter) Mkdir(ctx context.Context, p filezoom.Path, parents bool) error {
	c, err := a.begin(ctx, "mkdir", p)
	if err != nil {
		return err
	}
	full := a.fullPath(p)
	if parents {
		return mapError("mkdir", p, c.MkdirAll(full))
	}
	// SSH_FX_FAILURE carries no reason, so look before creating.
	if _, err := c.Lstat(full); err == nil {
		return &filezoom.PathError{Op: "mkdir", Path: p, Err: filezoom.ErrAlreadyExists}
	}
	return mapError("mkdir", p, c.Mkdir(full))
}

// Remove implements filezoom.Backend
func (a *Adapter) Remove(ctx context.Context, p filezoom.Path) error {
	c, err := a.begin(ctx, "remove", p)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		return &filezoom.PathError{Op: "remove", Path: p, Err: filezoom.ErrPermissionDenied}
	}
	full := a.fullPath(p)
	info, err := c.Lstat(full)
	if err != nil {
		return mapError("remove", p, err)
	}
	if info.IsDir() {
		children, err := c.ReadDir(full)
		if err != nil {
			return mapError("remove", p, err)
		}
		if len(children) > 0 {
			return &filezoom.PathError{Op: "remove", Path: p, Err: filezoom.ErrNotEmpty}
		}
		return mapError("remove", p, c.RemoveDirectory(full))
	}
	return mapError("remove", p, c.Remove(full))
}

// Rename implements filezoom.Backend. The POSIX rename extension replaces
// an existing destination; servers without it get a plain rename.
func (a *Adapter) Rename(ctx context.Context, from, to filezoom.Path) error {
	c, err := a.begin(ctx, "rename", from)
	if err != nil {
		return err
	}
	if from.Backend() != to.Backend() {
		return &filezoom.PathError{Op: "rename", Path: from, Err: filezoom.ErrCrossBackendRename}
	}
	src, dst := a.fullPath(from), a.fullPath(to)
	if _, err := c.Lstat(src); err != nil {
		return mapError("rename", from, err)
	}
	err = c.PosixRename(src, dst)
	if err != nil && !isConnectionError(err) {
		err = c.Rename(src, dst)
	}
	return mapError("rename", from, err)
}

// Chown implements filezoom.CanChown. SFTP carries numeric ids only, so
// names are unsupported. An empty owner or group keeps the current one.
func (a *Adapter) Chown(ctx context.Context, p filezoom.Path, owner, group string) error {
	c, err := a.begin(ctx, "chown", p)
	if err != nil {
		return err
	}
	full := a.fullPath(p)
	info, err := c.Lstat(full)
	if err != nil {
		return mapError("chown", p, err)
	}
	st, ok := info.Sys().(*sftp.FileStat)
	if !ok {
		return filezoom.Unsupported("chown", p, "ownership")
	}
	uid, gid := int(st.UID), int(st.GID)
	if owner != "" {
		if uid, err = strconv.Atoi(owner); err != nil {
			return filezoom.Unsupported("chown", p, "named owner")
		}
	}
	if group != "" {
		if gid, err = strconv.Atoi(group); err != nil {
			return filezoom.Unsupported("chown", p, "named group")
		}
	}
	return mapError("chown", p, c.Chown(full, uid, gid))
}

// SetPermissions implements filezoom.Backend
func (a *Adapter) SetPermissions(ctx context.Context, p filezoom.Path, perm filezoom.Permissions) error {
	c, err := a.begin(ctx, "chmod", p)
	if err != nil {
		return err
	}
	return mapError("chmod", p, c.Chmod(a.fullPath(p), perm.Mode.Perm()))
}

// Chtimes implements filezoom.CanSetTimes
func (a *Adapter) Chtimes(ctx context.Context, p filezoom.Path, mtime time.Time) error {
	c, err := a.begin(ctx, "chtimes", p)
	if err != nil {
		return err
	}
	return mapError("chtimes", p, c.Chtimes(a.fullPath(p), mtime, mtime))
}

// Readlink implements filezoom.CanSymlink
func (a *Adapter) Readlink(ctx context.Context, p filezoom.Path) (string, error) {
	c, err := a.begin(ctx, "readlink", p)
	if err != nil {
		return "", err
	}
	target, err := c.ReadLink(a.fullPath(p))
	if err != nil {
		return "", mapError("readlink", p, err)
	}
	return target, nil
}

// Symlink implements filezoom.CanSymlink
func (a *Adapter) Symlink(ctx context.Context, target string, link filezoom.Path) error {
	c, err := a.begin(ctx, "symlink", link)
	if err != nil {
		return err
	}
	return mapError("symlink", link, c.Symlink(target, a.fullPath(link)))
}

// ============================================================================
// Watcher Implementation (Polling-based)
// ============================================================================

// Watch implements filezoom.CanWatch by polling the directory listing.
// SFTP has no native change notification.
func (a *Adapter) Watch(ctx context.Context, p filezoom.Path) (filezoom.ChangeToken, error) {
	initial, err := a.dirState(ctx, p)
	if err != nil {
		return nil, err
	}
	token := filezoom.NewPollingChangeToken(ctx, filezoom.PollingConfig{
		Interval: a.config.PollInterval,
		CheckFunc: func() bool {
			current, err := a.dirState(ctx, p)
			if err != nil {
				// a vanished directory is a change, a dropped session is not
				return filezoom.IsNotFound(err)
			}
			return !statesEqual(initial, current)
		},
	})
	return token, nil
}

// fileState represents the state of a file for change detection
type fileState struct {
	modTime time.Time
	size    int64
	mode    os.FileMode
}

func (a *Adapter) dirState(ctx context.Context, p filezoom.Path) (map[string]fileState, error) {
	c, err := a.begin(ctx, "watch", p)
	if err != nil {
		return nil, err
	}
	infos, err := c.ReadDir(a.fullPath(p))
	if err != nil {
		return nil, mapError("watch", p, err)
	}
	state := make(map[string]fileState, len(infos))
	for _, info := range infos {
		state[info.Name()] = fileState{modTime: info.ModTime(), size: info.Size(), mode: info.Mode()}
	}
	return state, nil
}

func statesEqual(a, b map[string]fileState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !v.modTime.Equal(bv.modTime) || v.size != bv.size || v.mode != bv.mode {
			return false
		}
	}
	return true
}

// Ensure Adapter implements interfaces
var (
	_ filezoom.Backend     = (*Adapter)(nil)
	_ filezoom.Connector   = (*Adapter)(nil)
	_ filezoom.Pinger      = (*Adapter)(nil)
	_ filezoom.CanSetTimes = (*Adapter)(nil)
	_ filezoom.CanSymlink  = (*Adapter)(nil)
	_ filezoom.CanWatch    = (*Adapter)(nil)
)
