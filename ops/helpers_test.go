package ops_test

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/driver/memory"
	"github.com/gobeaver/filezoom/ops"
)

const wait = 5 * time.Second

func mp(raw string) filezoom.Path {
	return filezoom.MustNormalize(raw, "mem")
}

func ptr[T any](v T) *T {
	return &v
}

type fixture struct {
	reg *filezoom.Registry
	eng *ops.Engine
	mem *memory.Adapter
}

func testConfig() *filezoom.Config {
	cfg := filezoom.DefaultConfig()
	cfg.ChunkSize = 4
	cfg.EventBuffer = 4
	return cfg
}

func newFixture(t *testing.T, cfg *filezoom.Config, opts ...memory.Option) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg := filezoom.NewRegistry(cfg)
	mem := memory.New(opts...)
	require.NoError(t, reg.MountBackend("mem", mem))

	eng := ops.New(reg, cfg, ops.WithMetrics(false))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &fixture{reg: reg, eng: eng, mem: mem}
}

func (f *fixture) run(t *testing.T, spec ops.Spec) *ops.Report {
	t.Helper()
	h, err := f.eng.Submit(spec)
	require.NoError(t, err)
	return waitReport(t, h)
}

func waitReport(t *testing.T, h *ops.Handle) *ops.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	rep, err := h.Wait(ctx)
	require.NoError(t, err)
	return rep
}

// nextEvent reads the handle's stream until an event of type want arrives.
func nextEvent(t *testing.T, h *ops.Handle, want ops.EventType) ops.Event {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case ev, ok := <-h.Events():
			require.True(t, ok, "stream closed before %s", want)
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
		}
	}
}

func content(t *testing.T, m *memory.Adapter, rel string) string {
	t.Helper()
	data, ok := m.ReadFile(rel)
	require.True(t, ok, "missing %s", rel)
	return string(data)
}

// names lists a directory of m in sorted order.
func names(t *testing.T, m *memory.Adapter, dir string) []string {
	t.Helper()
	var out []string
	for e, err := range m.List(context.Background(), mp(dir)) {
		require.NoError(t, err)
		out = append(out, e.Name)
	}
	slices.Sort(out)
	return out
}

// gated blocks every read until the reading context ends.
type gated struct {
	*memory.Adapter
	once   sync.Once
	opened chan struct{}
}

func newGated() *gated {
	return &gated{Adapter: memory.New(), opened: make(chan struct{})}
}

func (g *gated) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	rc, err := g.Adapter.OpenRead(ctx, p)
	if err != nil {
		return nil, err
	}
	return &gatedReader{ctx: ctx, rc: rc, g: g}, nil
}

type gatedReader struct {
	ctx context.Context
	rc  io.ReadCloser
	g   *gated
}

func (r *gatedReader) Read([]byte) (int, error) {
	r.g.once.Do(func() { close(r.g.opened) })
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *gatedReader) Close() error {
	return r.rc.Close()
}

// shortSource serves the first n bytes of every file and then fails the
// read with end, as a connection cut mid-body does.
type shortSource struct {
	*memory.Adapter
	n   int
	end error
}

func (s *shortSource) OpenRead(ctx context.Context, p filezoom.Path) (io.ReadCloser, error) {
	rc, err := s.Adapter.OpenRead(ctx, p)
	if err != nil {
		return nil, err
	}
	return &shortReader{rc: rc, left: s.n, end: s.end}, nil
}

type shortReader struct {
	rc   io.ReadCloser
	left int
	end  error
}

func (r *shortReader) Read(b []byte) (int, error) {
	if r.left == 0 {
		return 0, r.end
	}
	if len(b) > r.left {
		b = b[:r.left]
	}
	n, err := r.rc.Read(b)
	r.left -= n
	return n, err
}

func (r *shortReader) Close() error {
	return r.rc.Close()
}

// endless serves files whose content never ends. Reads ignore the context,
// so only the engine's own checks can stop a copy.
type endless struct {
	*memory.Adapter
	once   sync.Once
	opened chan struct{}
}

func newEndless() *endless {
	return &endless{Adapter: memory.New(), opened: make(chan struct{})}
}

func (e *endless) OpenRead(context.Context, filezoom.Path) (io.ReadCloser, error) {
	e.once.Do(func() { close(e.opened) })
	return io.NopCloser(endlessReader{}), nil
}

type endlessReader struct{}

func (endlessReader) Read(b []byte) (int, error) {
	time.Sleep(time.Millisecond)
	for i := range b {
		b[i] = 'x'
	}
	return len(b), nil
}
