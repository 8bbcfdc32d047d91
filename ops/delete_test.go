package ops_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/driver/memory"
	"github.com/gobeaver/filezoom/ops"
)

func TestDelete(t *testing.T) {
	t.Run("removes children before parents", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/a/b.txt", []byte("b"))
		f.mem.WriteFile("t/c.txt", []byte("c"))

		rep := f.run(t, ops.Spec{Kind: ops.Delete, Sources: []filezoom.Path{mp("/t")}, Recursive: true})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 4, rep.Succeeded)
		var order []string
		for _, c := range f.mem.Calls("remove") {
			order = append(order, c.Path)
		}
		require.Len(t, order, 4)
		assert.Less(t, slices.Index(order, "t/a/b.txt"), slices.Index(order, "t/a"))
		assert.Less(t, slices.Index(order, "t/a"), slices.Index(order, "t"))
		assert.Less(t, slices.Index(order, "t/c.txt"), slices.Index(order, "t"))
		assert.False(t, f.mem.Exists("t"))
	})

	t.Run("non-recursive delete of a full directory fails", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/x", []byte("x"))

		rep := f.run(t, ops.Spec{Kind: ops.Delete, Sources: []filezoom.Path{mp("/t")}})

		require.Equal(t, ops.Failed, rep.State)
		assert.ErrorIs(t, rep.Err(), filezoom.ErrNotEmpty)
		assert.Len(t, f.mem.Calls("remove"), 1)
		assert.True(t, f.mem.Exists("t/x"))
	})

	t.Run("excluded entries keep their ancestors", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/d/keep.lock", []byte("k"))
		f.mem.WriteFile("t/d/gone", []byte("g"))
		f.mem.WriteFile("t/other", []byte("o"))

		rep := f.run(t, ops.Spec{
			Kind:      ops.Delete,
			Sources:   []filezoom.Path{mp("/t")},
			Recursive: true,
			Exclude:   []string{"*.lock"},
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 2, rep.Succeeded)
		assert.Equal(t, 2, rep.Skipped)
		assert.True(t, f.mem.Exists("t/d/keep.lock"))
		assert.False(t, f.mem.Exists("t/d/gone"))
		assert.False(t, f.mem.Exists("t/other"))
	})

	t.Run("a failed entry keeps its ancestors", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/d/stuck", []byte("s"))
		f.mem.WriteFile("t/free", []byte("f"))
		f.mem.Inject(memory.Fault{Op: "remove", Path: "t/d/stuck", Err: filezoom.ErrPermissionDenied})

		rep := f.run(t, ops.Spec{Kind: ops.Delete, Sources: []filezoom.Path{mp("/t")}, Recursive: true})

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 1, rep.Failed)
		assert.True(t, f.mem.Exists("t/d"))
		assert.False(t, f.mem.Exists("t/free"))
		for _, c := range f.mem.Calls("remove") {
			assert.NotEqual(t, "t", c.Path)
			assert.NotEqual(t, "t/d", c.Path)
		}
	})
}

func TestChmod(t *testing.T) {
	t.Run("applies the mode to the tree", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/a", []byte("a"))
		f.mem.WriteFile("t/d/b", []byte("b"))
		f.mem.AddSymlink("t/link", "a")

		rep := f.run(t, ops.Spec{
			Kind:        ops.Chmod,
			Sources:     []filezoom.Path{mp("/t")},
			Recursive:   true,
			Permissions: &filezoom.Permissions{Mode: 0o700},
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 4, rep.Succeeded)
		assert.Equal(t, 1, rep.Skipped)
		assert.Equal(t, 0o700, int(f.mem.Mode("t/d/b").Perm()))
	})

	t.Run("applies owner and group", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/a", []byte("a"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Chmod,
			Sources:     []filezoom.Path{mp("/t/a")},
			Permissions: &filezoom.Permissions{Mode: 0o640, Owner: "alice", Group: "staff"},
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 1, rep.Succeeded)
		e, err := f.mem.Stat(t.Context(), mp("/t/a"))
		require.NoError(t, err)
		assert.Equal(t, filezoom.Permissions{Mode: 0o640, Owner: "alice", Group: "staff"}, *e.Perm)
	})

	t.Run("a failed chown fails the entry", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("t/a", []byte("a"))
		f.mem.Inject(memory.Fault{Op: "chown", Err: filezoom.ErrPermissionDenied})

		rep := f.run(t, ops.Spec{
			Kind:        ops.Chmod,
			Sources:     []filezoom.Path{mp("/t/a")},
			Permissions: &filezoom.Permissions{Mode: 0o640, Owner: "root"},
		})

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 1, rep.Failed)
		assert.ErrorIs(t, rep.Err(), filezoom.ErrPermissionDenied)
	})

	t.Run("unsupported counts as skipped", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutPermissions())
		f.mem.WriteFile("t/a", []byte("a"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Chmod,
			Sources:     []filezoom.Path{mp("/t/a")},
			Permissions: &filezoom.Permissions{Mode: 0o600},
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 1, rep.Skipped)
		assert.Zero(t, rep.Succeeded)
	})
}
