package filezoom_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/driver/memory"
	"github.com/gobeaver/filezoom/internal/retry"
)

func fastRetry() filezoom.RegistryOption {
	return filezoom.WithRetry(retry.Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		Multiplier:  1,
	})
}

// flaky is a connectable backend whose Stat drops the connection a set
// number of times.
type flaky struct {
	*memory.Adapter

	mu          sync.Mutex
	connects    int
	refuse      int
	drops       int
	closedCalls int
}

func (f *flaky) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.refuse > 0 {
		f.refuse--
		return errors.New("connection refused")
	}
	return nil
}

func (f *flaky) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCalls++
	return nil
}

func (f *flaky) Stat(ctx context.Context, p filezoom.Path) (filezoom.Entry, error) {
	f.mu.Lock()
	drop := f.drops > 0
	if drop {
		f.drops--
	}
	f.mu.Unlock()
	if drop {
		return filezoom.Entry{}, &filezoom.PathError{Op: "stat", Path: p, Err: filezoom.ErrConnectionLost}
	}
	return f.Adapter.Stat(ctx, p)
}

func (f *flaky) counts() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closedCalls
}

// bare hides every optional capability of the wrapped backend.
type bare struct {
	filezoom.Backend
}

func TestRegistryMounts(t *testing.T) {
	ctx := context.Background()

	t.Run("mount and borrow", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		m := memory.New()
		m.WriteFile("a.txt", []byte("a"))
		require.NoError(t, reg.MountBackend("mem", m))

		state, err := reg.State("mem")
		require.NoError(t, err)
		assert.Equal(t, filezoom.StateConnected, state)
		assert.True(t, reg.Available("mem"))

		b, err := reg.Backend("mem")
		require.NoError(t, err)
		e, err := b.Stat(ctx, mp("/a.txt"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Size)

		infos := reg.Mounts()
		require.Len(t, infos, 1)
		assert.Equal(t, filezoom.BackendID("mem"), infos[0].ID)
		assert.Equal(t, filezoom.StateConnected, infos[0].State)
	})

	t.Run("rejects duplicate and malformed ids", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		require.NoError(t, reg.MountBackend("mem", memory.New()))
		assert.ErrorIs(t, reg.MountBackend("mem", memory.New()), filezoom.ErrAlreadyExists)
		assert.ErrorIs(t, reg.MountBackend("a:b", memory.New()), filezoom.ErrInvalidPath)
		assert.ErrorIs(t, reg.MountBackend("", memory.New()), filezoom.ErrInvalidPath)
		assert.Error(t, reg.MountBackend("nil", nil))
	})

	t.Run("mounts descriptors through drivers", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		id, err := reg.Mount(ctx, filezoom.Descriptor{Driver: "memory"})
		require.NoError(t, err)
		assert.Equal(t, filezoom.BackendID("memory-1"), id)

		id, err = reg.Mount(ctx, filezoom.Descriptor{ID: "scratch", Driver: "memory"})
		require.NoError(t, err)
		assert.Equal(t, filezoom.BackendID("scratch"), id)
		assert.Contains(t, filezoom.Drivers(), "memory")

		_, err = reg.Mount(ctx, filezoom.Descriptor{Driver: "no-such-driver"})
		assert.Error(t, err)
	})

	t.Run("failed connect leaves nothing mounted", func(t *testing.T) {
		f := &flaky{Adapter: memory.New(), refuse: 1}
		filezoom.RegisterDriver("flaky-refuse", func(filezoom.Descriptor) (filezoom.Backend, error) { return f, nil })

		reg := filezoom.NewRegistry(nil)
		_, err := reg.Mount(ctx, filezoom.Descriptor{ID: "f", Driver: "flaky-refuse"})
		assert.ErrorIs(t, err, filezoom.ErrBackendUnavailable)
		assert.False(t, reg.Available("f"))
	})

	t.Run("unmount", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		require.NoError(t, reg.MountBackend("mem", memory.New()))
		view, err := reg.Backend("mem")
		require.NoError(t, err)
		gone := reg.Gone("mem")

		require.NoError(t, reg.Unmount("mem"))
		assert.False(t, reg.Available("mem"))
		select {
		case <-gone:
		default:
			t.Fatal("gone channel still open")
		}

		_, err = view.Stat(ctx, filezoom.Root("mem"))
		assert.ErrorIs(t, err, filezoom.ErrBackendUnavailable)
		assert.True(t, filezoom.IsFatal(err))
		_, err = reg.Backend("mem")
		assert.ErrorIs(t, err, filezoom.ErrBackendUnavailable)
		assert.ErrorIs(t, reg.Unmount("mem"), filezoom.ErrBackendUnavailable)
	})

	t.Run("close unmounts everything", func(t *testing.T) {
		f := &flaky{Adapter: memory.New()}
		filezoom.RegisterDriver("flaky-close", func(filezoom.Descriptor) (filezoom.Backend, error) { return f, nil })

		reg := filezoom.NewRegistry(nil)
		_, err := reg.Mount(ctx, filezoom.Descriptor{ID: "f", Driver: "flaky-close"})
		require.NoError(t, err)
		require.NoError(t, reg.MountBackend("mem", memory.New()))

		require.NoError(t, reg.Close())
		assert.Empty(t, reg.Mounts())
		_, closes := f.counts()
		assert.Equal(t, 1, closes)
	})
}

func TestRegistryParse(t *testing.T) {
	reg := filezoom.NewRegistry(nil)
	require.NoError(t, reg.MountBackend("mem", memory.New()))

	p, err := reg.Parse("mem:/a/b")
	require.NoError(t, err)
	assert.Equal(t, mp("/a/b"), p)

	p, err = reg.Parse("mem:")
	require.NoError(t, err)
	assert.True(t, p.IsRoot())

	_, err = reg.Parse("no-colon")
	assert.ErrorIs(t, err, filezoom.ErrInvalidPath)
	_, err = reg.Parse("other:/a")
	assert.ErrorIs(t, err, filezoom.ErrInvalidPath)
}

func TestRegistryReconnect(t *testing.T) {
	ctx := context.Background()
	mount := func(t *testing.T, f *flaky) *filezoom.Registry {
		t.Helper()
		name := "flaky-" + strings.ReplaceAll(t.Name(), "/", "-")
		filezoom.RegisterDriver(name, func(filezoom.Descriptor) (filezoom.Backend, error) { return f, nil })
		reg := filezoom.NewRegistry(nil, fastRetry())
		_, err := reg.Mount(ctx, filezoom.Descriptor{ID: "f", Driver: name})
		require.NoError(t, err)
		return reg
	}

	t.Run("a dropped connection is restored transparently", func(t *testing.T) {
		f := &flaky{Adapter: memory.New(), drops: 1}
		f.WriteFile("x", []byte("x"))
		reg := mount(t, f)

		b, err := reg.Backend("f")
		require.NoError(t, err)
		_, err = b.Stat(ctx, filezoom.MustNormalize("/x", "f"))
		require.NoError(t, err)

		connects, _ := f.counts()
		assert.Equal(t, 2, connects)
		state, _ := reg.State("f")
		assert.Equal(t, filezoom.StateConnected, state)
	})

	t.Run("exhausted attempts leave the backend in error", func(t *testing.T) {
		f := &flaky{Adapter: memory.New(), drops: 100}
		reg := mount(t, f)

		b, err := reg.Backend("f")
		require.NoError(t, err)
		_, err = b.Stat(ctx, filezoom.Root("f"))
		assert.ErrorIs(t, err, filezoom.ErrConnectionLost)

		state, _ := reg.State("f")
		assert.Equal(t, filezoom.StateError, state)
		connects, _ := f.counts()
		assert.Equal(t, 3, connects)
	})

	t.Run("non-connection errors are not retried", func(t *testing.T) {
		f := &flaky{Adapter: memory.New()}
		reg := mount(t, f)

		err := reg.Do(ctx, "f", func(b filezoom.Backend) error {
			_, err := b.Stat(ctx, filezoom.MustNormalize("/missing", "f"))
			return err
		})
		assert.True(t, filezoom.IsNotFound(err))
		connects, _ := f.counts()
		assert.Equal(t, 1, connects)
	})
}

func TestBorrowedCapabilities(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	m.WriteFile("f", []byte("checksum me"))
	reg := filezoom.NewRegistry(nil)
	require.NoError(t, reg.MountBackend("mem", bare{m}))

	b, err := reg.Backend("mem")
	require.NoError(t, err)

	sl, ok := b.(filezoom.CanSymlink)
	require.True(t, ok)
	assert.True(t, filezoom.IsUnsupported(sl.Symlink(ctx, "f", mp("/l"))))
	_, err = sl.Readlink(ctx, mp("/f"))
	assert.True(t, filezoom.IsUnsupported(err))

	ts, ok := b.(filezoom.CanSetTimes)
	require.True(t, ok)
	assert.True(t, filezoom.IsUnsupported(ts.Chtimes(ctx, mp("/f"), time.Now())))

	cs, ok := b.(filezoom.CanChecksum)
	require.True(t, ok)
	sum, err := cs.Checksum(ctx, mp("/f"), filezoom.ChecksumXXHash)
	require.NoError(t, err)
	want, err := filezoom.CalculateChecksum(strings.NewReader("checksum me"), filezoom.ChecksumXXHash)
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	assert.ErrorIs(t, b.Rename(ctx, mp("/f"), filezoom.MustNormalize("/f", "other")), filezoom.ErrCrossBackendRename)
}

func TestRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("native", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		require.NoError(t, reg.MountBackend("mem", memory.New()))

		token, err := reg.Watch(ctx, filezoom.Root("mem"), time.Hour)
		require.NoError(t, err)
		assert.True(t, token.ActiveChangeCallbacks())
		require.NoError(t, reg.CreateFile(ctx, mp("/new")))
		assert.Eventually(t, token.HasChanged, time.Second, 5*time.Millisecond)
	})

	t.Run("polling fallback", func(t *testing.T) {
		reg := filezoom.NewRegistry(nil)
		require.NoError(t, reg.MountBackend("mem", bare{memory.New()}))

		token, err := reg.Watch(ctx, filezoom.Root("mem"), 10*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, token.HasChanged())
		require.NoError(t, reg.CreateDir(ctx, mp("/d")))
		assert.Eventually(t, token.HasChanged, time.Second, 5*time.Millisecond)
	})
}
