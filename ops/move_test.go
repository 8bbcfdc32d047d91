package ops_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/driver/memory"
	"github.com/gobeaver/filezoom/ops"
)

func TestMove(t *testing.T) {
	t.Run("same backend renames each top-level source once", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/x.txt", []byte("x"))
		f.mem.WriteFile("a/d/y.txt", []byte("y"))
		f.mem.WriteFile("a/d/deep/z.txt", []byte("z"))
		f.mem.ResetCalls()

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/x.txt"), mp("/a/d")},
			Destination: ptr(mp("/b")),
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 2, rep.Succeeded)
		assert.Len(t, f.mem.Calls("rename"), 2)
		assert.Empty(t, f.mem.Calls("open_read"))
		assert.Empty(t, f.mem.Calls("open_write"))
		assert.Equal(t, "z", content(t, f.mem, "b/d/deep/z.txt"))
		assert.False(t, f.mem.Exists("a/x.txt"))
		assert.False(t, f.mem.Exists("a/d"))
	})

	t.Run("renamed sources count one entry each without a listing", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/d/y.txt", []byte("y"))
		f.mem.WriteFile("a/d/deep/z.txt", []byte("z"))
		f.mem.ResetCalls()

		h, err := f.eng.Submit(ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
		})
		require.NoError(t, err)
		rep := waitReport(t, h)

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		p := h.Progress()
		assert.Equal(t, 1, p.EntriesTotal)
		assert.Equal(t, 1, p.EntriesDone)
		assert.Zero(t, p.BytesTotal)
		assert.Empty(t, f.mem.Calls("list"))
	})

	t.Run("merges into an existing directory", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/d/new", []byte("n"))
		f.mem.WriteFile("a/d/same", []byte("incoming"))
		f.mem.WriteFile("b/d/same", []byte("existing"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
			Conflict:    filezoom.AlwaysOverwrite,
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, "n", content(t, f.mem, "b/d/new"))
		assert.Equal(t, "incoming", content(t, f.mem, "b/d/same"))
		assert.False(t, f.mem.Exists("a/d"))
	})

	t.Run("a skipped child keeps the source directory", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/d/same", []byte("incoming"))
		f.mem.WriteFile("b/d/same", []byte("existing"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
			Conflict:    filezoom.NeverOverwrite,
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 2, rep.Skipped)
		assert.Equal(t, "incoming", content(t, f.mem, "a/d/same"))
		assert.Equal(t, "existing", content(t, f.mem, "b/d/same"))
	})

	t.Run("falls back to copy and delete without rename", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutRename())
		f.mem.WriteFile("a/d/y.txt", []byte("yyyyyyyy"))
		f.mem.WriteFile("a/d/z.txt", []byte("z"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, "yyyyyyyy", content(t, f.mem, "b/d/y.txt"))
		assert.Equal(t, "z", content(t, f.mem, "b/d/z.txt"))
		assert.False(t, f.mem.Exists("a/d"))
	})

	t.Run("aborted fallback leaves the source intact", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutRename())
		f.mem.WriteFile("a/d/y.txt", []byte("y"))
		f.mem.WriteFile("a/d/z.txt", []byte("z"))
		f.mem.Inject(memory.Fault{Op: "open_write", Path: "b/d/y.txt", Err: errors.New("quota")})

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
		})

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, "y", content(t, f.mem, "a/d/y.txt"))
		assert.Equal(t, "z", content(t, f.mem, "a/d/z.txt"))
		assert.Empty(t, f.mem.Calls("remove"))
	})

	t.Run("continuing fallback deletes only confirmed entries", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutRename())
		f.mem.WriteFile("a/d/y.txt", []byte("y"))
		f.mem.WriteFile("a/d/z.txt", []byte("z"))
		f.mem.Inject(memory.Fault{Op: "open_write", Path: "b/d/y.txt", Err: errors.New("quota")})

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
			ErrorPolicy: ops.ContinueCollectingErrors,
		})

		require.Equal(t, ops.Failed, rep.State)
		assert.True(t, f.mem.Exists("a/d/y.txt"))
		assert.False(t, f.mem.Exists("a/d/z.txt"))
		assert.True(t, f.mem.Exists("a/d"))
		assert.Equal(t, "z", content(t, f.mem, "b/d/z.txt"))
	})

	t.Run("excluded entries stay behind", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/d/keep.txt", []byte("k"))
		f.mem.WriteFile("a/d/stay.tmp", []byte("s"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
			Exclude:     []string{"*.tmp"},
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.True(t, f.mem.Exists("b/d/keep.txt"))
		assert.False(t, f.mem.Exists("b/d/stay.tmp"))
		assert.True(t, f.mem.Exists("a/d/stay.tmp"))
		assert.False(t, f.mem.Exists("a/d/keep.txt"))
	})

	t.Run("a source cut short is not deleted", func(t *testing.T) {
		for name, end := range map[string]error{
			"unexpected EOF": io.ErrUnexpectedEOF,
			"early EOF":      io.EOF,
		} {
			t.Run(name, func(t *testing.T) {
				f := newFixture(t, nil)
				src := &shortSource{Adapter: memory.New(), n: 4, end: end}
				require.NoError(t, f.reg.MountBackend("src", src))
				src.WriteFile("a/f", []byte("0123456789abcdef"))

				rep := f.run(t, ops.Spec{
					Kind:        ops.Move,
					Sources:     []filezoom.Path{filezoom.MustNormalize("/a/f", "src")},
					Destination: ptr(mp("/b")),
					ErrorPolicy: ops.ContinueCollectingErrors,
				})

				require.Equal(t, ops.Failed, rep.State)
				assert.Equal(t, 1, rep.Failed)
				assert.Zero(t, rep.Succeeded)
				if end == io.EOF {
					assert.ErrorIs(t, rep.Err(), filezoom.ErrSizeMismatch)
				} else {
					assert.ErrorIs(t, rep.Err(), io.ErrUnexpectedEOF)
				}
				assert.True(t, src.Exists("a/f"))
				assert.False(t, f.mem.Exists("b/f"))
			})
		}
	})

	t.Run("moves across backends", func(t *testing.T) {
		f := newFixture(t, nil)
		other := memory.New()
		require.NoError(t, f.reg.MountBackend("other", other))
		f.mem.WriteFile("a/f", []byte("cross"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Move,
			Sources:     []filezoom.Path{mp("/a/f")},
			Destination: ptr(filezoom.MustNormalize("/in", "other")),
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.False(t, f.mem.Exists("a/f"))
		data, ok := other.ReadFile("in/f")
		require.True(t, ok)
		assert.Equal(t, "cross", string(data))
	})
}
