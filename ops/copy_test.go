package ops_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/driver/memory"
	"github.com/gobeaver/filezoom/ops"
)

func TestCopy(t *testing.T) {
	t.Run("copies a tree byte for byte", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/a.txt", []byte("hello world"))
		f.mem.WriteFile("src/dir/b.txt", []byte(strings.Repeat("x", 37)))
		f.mem.WriteFile("src/dir/empty.txt", nil)
		f.mem.MkdirAll("src/dir/sub")

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/a.txt"), mp("/src/dir")},
			Destination: ptr(mp("/dst")),
			Recursive:   true,
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, 5, rep.Succeeded)
		assert.Zero(t, rep.Failed)
		assert.Equal(t, int64(11+37), rep.BytesCopied)
		assert.Equal(t, "hello world", content(t, f.mem, "dst/a.txt"))
		assert.Equal(t, strings.Repeat("x", 37), content(t, f.mem, "dst/dir/b.txt"))
		assert.Equal(t, "", content(t, f.mem, "dst/dir/empty.txt"))
		assert.True(t, f.mem.Exists("dst/dir/sub"))
		assert.Equal(t, "hello world", content(t, f.mem, "src/a.txt"))
	})

	t.Run("mirrors sources below their common parent", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/f1", []byte("new f1"))
		f.mem.WriteFile("a/sub/f2", []byte("f2"))
		f.mem.WriteFile("b/f1", []byte("old"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/a/f1"), mp("/a/sub/f2")},
			Destination: ptr(mp("/b")),
			Conflict:    filezoom.AlwaysOverwrite,
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 2, rep.Succeeded)
		assert.Zero(t, rep.Skipped)
		assert.Zero(t, rep.Failed)
		assert.Equal(t, "new f1", content(t, f.mem, "b/f1"))
		assert.Equal(t, "f2", content(t, f.mem, "b/sub/f2"))
	})

	t.Run("non-recursive copy of a directory creates only the directory", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/d/file", []byte("x"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/d")},
			Destination: ptr(mp("/dst")),
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 1, rep.Succeeded)
		assert.True(t, f.mem.Exists("dst/d"))
		assert.False(t, f.mem.Exists("dst/d/file"))
	})

	t.Run("excluded names are left out", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/keep.txt", []byte("k"))
		f.mem.WriteFile("src/skip.tmp", []byte("s"))
		f.mem.WriteFile("src/cache/x", []byte("c"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src")},
			Destination: ptr(mp("/dst")),
			Recursive:   true,
			Exclude:     []string{"*.tmp", "cache"},
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.True(t, f.mem.Exists("dst/src/keep.txt"))
		assert.False(t, f.mem.Exists("dst/src/skip.tmp"))
		assert.False(t, f.mem.Exists("dst/src/cache"))
	})

	t.Run("preserves modes and times", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/f", []byte("x"))
		require.NoError(t, f.mem.SetPermissions(t.Context(), mp("/src/f"), filezoom.Permissions{Mode: 0o600}))

		rep := f.run(t, ops.Spec{
			Kind:          ops.Copy,
			Sources:       []filezoom.Path{mp("/src/f")},
			Destination:   ptr(mp("/dst")),
			PreserveTimes: true,
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 0o600, int(f.mem.Mode("dst/f").Perm()))
		assert.Len(t, f.mem.Calls("chtimes"), 1)
	})

	t.Run("preserves ownership where the backend allows", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/f", []byte("x"))
		require.NoError(t, f.mem.Chown(t.Context(), mp("/src/f"), "1000", "100"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/f")},
			Destination: ptr(mp("/dst")),
		})

		require.Equal(t, ops.Completed, rep.State)
		e, err := f.mem.Stat(t.Context(), mp("/dst/f"))
		require.NoError(t, err)
		require.NotNil(t, e.Perm)
		assert.Equal(t, "1000", e.Perm.Owner)
		assert.Equal(t, "100", e.Perm.Group)
	})

	t.Run("copies symlinks as links", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/target", []byte("t"))
		f.mem.AddSymlink("src/link", "target")

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/link")},
			Destination: ptr(mp("/dst")),
		})

		require.Equal(t, ops.Completed, rep.State)
		target, err := f.mem.Readlink(t.Context(), mp("/dst/link"))
		require.NoError(t, err)
		assert.Equal(t, "target", target)
	})

	t.Run("symlinks are skipped without support", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutSymlinks())
		f.mem.AddSymlink("src/link", "target")

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/link")},
			Destination: ptr(mp("/dst")),
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 1, rep.Skipped)
	})

	t.Run("verifies checksums", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/f", []byte("verify me please"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/f")},
			Destination: ptr(mp("/dst")),
			Verify:      true,
		})

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, "verify me please", content(t, f.mem, "dst/f"))
	})

	t.Run("failed stream leaves no partial file", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/big", []byte(strings.Repeat("b", 64)))
		f.mem.WriteFile("src/small", []byte("s"))
		boom := errors.New("disk on fire")
		f.mem.Inject(memory.Fault{Op: "open_read", Path: "src/big", Err: boom, AfterBytes: 10})

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/big"), mp("/src/small")},
			Destination: ptr(mp("/dst")),
		})

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 1, rep.Failed)
		assert.Equal(t, 1, rep.Succeeded)
		require.Len(t, rep.Failures, 1)
		assert.Equal(t, mp("/src/big"), rep.Failures[0].Path)
		assert.ErrorIs(t, rep.Err(), boom)
		assert.False(t, f.mem.Exists("dst/big"))
		assert.True(t, f.mem.Exists("dst/small"))
	})

	t.Run("a directory that cannot be listed counts once", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/a", []byte("a"))
		f.mem.WriteFile("src/d/x", []byte("x"))
		f.mem.Inject(memory.Fault{Op: "list", Path: "src/d", Err: filezoom.ErrPermissionDenied})

		h, err := f.eng.Submit(ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src")},
			Destination: ptr(mp("/dst")),
			Recursive:   true,
			ErrorPolicy: ops.ContinueCollectingErrors,
		})
		require.NoError(t, err)
		rep := waitReport(t, h)

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 2, rep.Succeeded)
		assert.Equal(t, 1, rep.Failed)
		require.Len(t, rep.Failures, 1)
		assert.Equal(t, mp("/src/d"), rep.Failures[0].Path)
		assert.ErrorIs(t, rep.Err(), filezoom.ErrTraversal)
		assert.Equal(t, 3, h.Progress().EntriesDone)
	})

	t.Run("abort policy stops at the first failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/a", []byte("a"))
		f.mem.WriteFile("src/b", []byte("b"))
		f.mem.Inject(memory.Fault{Op: "open_write", Path: "dst/a", Err: filezoom.ErrPermissionDenied})

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src/a"), mp("/src/b")},
			Destination: ptr(mp("/dst")),
			ErrorPolicy: ops.AbortOnFirstError,
		})

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 1, rep.Failed)
		assert.False(t, f.mem.Exists("dst/b"))
	})

	t.Run("progress totals come from the prescan", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("src/a", []byte("12345"))
		f.mem.WriteFile("src/b", []byte("678"))

		h, err := f.eng.Submit(ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/src")},
			Destination: ptr(mp("/dst")),
			Recursive:   true,
		})
		require.NoError(t, err)
		waitReport(t, h)

		p := h.Progress()
		assert.Equal(t, int64(8), p.BytesTotal)
		assert.Equal(t, int64(8), p.BytesDone)
		assert.Equal(t, 3, p.EntriesTotal)
		assert.Equal(t, 3, p.EntriesDone)
	})
}

func TestCopyConflicts(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/f1", []byte("incoming"))
		f.mem.WriteFile("b/f1", []byte("existing"))
		return f
	}
	spec := func(policy filezoom.Policy) ops.Spec {
		return ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/a/f1")},
			Destination: ptr(mp("/b")),
			Conflict:    policy,
		}
	}

	t.Run("failed overwrite keeps the existing file", func(t *testing.T) {
		f := setup(t)
		f.mem.Inject(memory.Fault{Op: "open_read", Path: "a/f1", Err: errors.New("disk on fire"), AfterBytes: 4})

		rep := f.run(t, spec(filezoom.AlwaysOverwrite))

		require.Equal(t, ops.Failed, rep.State)
		assert.Equal(t, 1, rep.Failed)
		assert.Equal(t, "existing", content(t, f.mem, "b/f1"))
		assert.Equal(t, []string{"f1"}, names(t, f.mem, "/b"))
	})

	t.Run("overwrite replaces through a temporary file", func(t *testing.T) {
		f := setup(t)
		f.mem.ResetCalls()

		rep := f.run(t, spec(filezoom.AlwaysOverwrite))

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, "incoming", content(t, f.mem, "b/f1"))
		assert.Equal(t, []string{"f1"}, names(t, f.mem, "/b"))
		renames := f.mem.Calls("rename")
		require.Len(t, renames, 1)
		assert.Equal(t, "b/f1", renames[0].To)
	})

	t.Run("overwrite without rename writes in place", func(t *testing.T) {
		f := newFixture(t, nil, memory.WithoutRename())
		f.mem.WriteFile("a/f1", []byte("incoming"))
		f.mem.WriteFile("b/f1", []byte("existing"))

		rep := f.run(t, spec(filezoom.AlwaysOverwrite))

		require.Equal(t, ops.Completed, rep.State, "%v", rep.Err())
		assert.Equal(t, "incoming", content(t, f.mem, "b/f1"))
		assert.Equal(t, []string{"f1"}, names(t, f.mem, "/b"))
		assert.Equal(t, int64(len("incoming")), rep.BytesCopied)
	})

	t.Run("never overwrite skips", func(t *testing.T) {
		f := setup(t)
		rep := f.run(t, spec(filezoom.NeverOverwrite))
		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 1, rep.Skipped)
		assert.Equal(t, "existing", content(t, f.mem, "b/f1"))
	})

	t.Run("auto rename finds a free name", func(t *testing.T) {
		f := setup(t)
		f.mem.WriteFile("b/f1 (1)", []byte("taken"))

		rep := f.run(t, spec(filezoom.AutoRename))
		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, "existing", content(t, f.mem, "b/f1"))
		assert.Equal(t, "taken", content(t, f.mem, "b/f1 (1)"))
		assert.Equal(t, "incoming", content(t, f.mem, "b/f1 (2)"))
	})

	t.Run("prompt pauses until resolved", func(t *testing.T) {
		f := setup(t)
		h, err := f.eng.Submit(spec(filezoom.PromptEachConflict))
		require.NoError(t, err)

		ev := nextEvent(t, h, ops.EventConflictPrompt)
		require.NotNil(t, ev.Conflict)
		assert.Equal(t, mp("/b/f1"), ev.Conflict.Existing.Path)
		assert.Equal(t, mp("/a/f1"), ev.Conflict.Incoming.Path)
		assert.False(t, ev.Conflict.TypeMismatch)
		assert.Equal(t, ops.Paused, h.State())

		require.NoError(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionOverwrite}))
		rep := waitReport(t, h)
		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, "incoming", content(t, f.mem, "b/f1"))
		assert.ErrorIs(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionSkip}), ops.ErrNoConflict)
	})

	t.Run("prompt answered with a rename", func(t *testing.T) {
		f := setup(t)
		h, err := f.eng.Submit(spec(filezoom.PromptEachConflict))
		require.NoError(t, err)

		nextEvent(t, h, ops.EventConflictPrompt)
		require.NoError(t, f.eng.ResolveConflict(h.ID(), filezoom.Decision{Action: filezoom.ActionRename, NewName: "chosen"}))
		rep := waitReport(t, h)
		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, "incoming", content(t, f.mem, "b/chosen"))
	})

	t.Run("invalid answers are rejected", func(t *testing.T) {
		f := setup(t)
		h, err := f.eng.Submit(spec(filezoom.PromptEachConflict))
		require.NoError(t, err)

		nextEvent(t, h, ops.EventConflictPrompt)
		assert.ErrorIs(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionMerge}), filezoom.ErrTypeMismatch)
		assert.ErrorIs(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionRename, NewName: "a/b"}), filezoom.ErrInvalidPath)
		require.NoError(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionSkip}))
		rep := waitReport(t, h)
		assert.Equal(t, 1, rep.Skipped)
	})

	t.Run("cancel decision ends the operation", func(t *testing.T) {
		f := setup(t)
		h, err := f.eng.Submit(spec(filezoom.PromptEachConflict))
		require.NoError(t, err)

		nextEvent(t, h, ops.EventConflictPrompt)
		require.NoError(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionCancel}))
		rep := waitReport(t, h)
		assert.Equal(t, ops.Cancelled, rep.State)
		assert.Equal(t, "existing", content(t, f.mem, "b/f1"))
	})

	t.Run("apply to all answers later conflicts", func(t *testing.T) {
		f := setup(t)
		f.mem.WriteFile("a/f2", []byte("incoming 2"))
		f.mem.WriteFile("b/f2", []byte("existing 2"))

		h, err := f.eng.Submit(ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/a/f1"), mp("/a/f2")},
			Destination: ptr(mp("/b")),
			Conflict:    filezoom.PromptEachConflict,
		})
		require.NoError(t, err)

		nextEvent(t, h, ops.EventConflictPrompt)
		require.NoError(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionOverwrite, ApplyToAll: true}))
		rep := waitReport(t, h)
		require.Equal(t, ops.Completed, rep.State)
		assert.Equal(t, 2, rep.Succeeded)
		assert.Equal(t, "incoming", content(t, f.mem, "b/f1"))
		assert.Equal(t, "incoming 2", content(t, f.mem, "b/f2"))
	})

	t.Run("type mismatch asks whatever the policy", func(t *testing.T) {
		for _, policy := range []filezoom.Policy{filezoom.AlwaysOverwrite, filezoom.NeverOverwrite, filezoom.AutoRename} {
			t.Run(policy.String(), func(t *testing.T) {
				f := newFixture(t, nil)
				f.mem.WriteFile("a/f1", []byte("file"))
				f.mem.MkdirAll("b/f1")

				h, err := f.eng.Submit(spec(policy))
				require.NoError(t, err)

				ev := nextEvent(t, h, ops.EventConflictPrompt)
				assert.True(t, ev.Conflict.TypeMismatch)
				require.NoError(t, h.Resolve(filezoom.Decision{Action: filezoom.ActionOverwrite}))

				rep := waitReport(t, h)
				require.Equal(t, ops.Completed, rep.State)
				assert.Equal(t, "file", content(t, f.mem, "b/f1"))
			})
		}
	})

	t.Run("directories merge", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mem.WriteFile("a/d/new", []byte("n"))
		f.mem.WriteFile("b/d/old", []byte("o"))

		rep := f.run(t, ops.Spec{
			Kind:        ops.Copy,
			Sources:     []filezoom.Path{mp("/a/d")},
			Destination: ptr(mp("/b")),
			Recursive:   true,
			Conflict:    filezoom.NeverOverwrite,
		})

		require.Equal(t, ops.Completed, rep.State)
		assert.True(t, f.mem.Exists("b/d/new"))
		assert.True(t, f.mem.Exists("b/d/old"))
	})
}
