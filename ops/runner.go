package ops

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/logging"
	"github.com/gobeaver/filezoom/internal/metrics"
)

// maxRenameCandidates bounds the search for a free name.
const maxRenameCandidates = 10000

// runner carries the per-run state of one operation. It is used only by
// the operation's own goroutine.
type runner struct {
	e   *Engine
	op  *operation
	ctx context.Context
	log *zap.Logger

	acquire func(context.Context) error
	release func()

	// first error that ended the run early
	stopErr  error
	applyAll *filezoom.Decision
	// backends whose Rename cannot replace a file
	noReplace map[filezoom.BackendID]bool
}

func (r *runner) execute() {
	switch r.op.spec.Kind {
	case Copy:
		r.copyAll()
	case Move:
		r.moveAll()
	case Delete:
		r.deleteAll()
	case Chmod:
		r.chmodAll()
	}
}

func (r *runner) stopped() bool {
	return r.stopErr != nil || r.ctx.Err() != nil
}

func (r *runner) cancelled(p filezoom.Path) error {
	return &filezoom.PathError{Op: r.op.spec.Kind.String(), Path: p, Err: fmt.Errorf("%w: %v", filezoom.ErrCancelled, context.Cause(r.ctx))}
}

func (r *runner) succeed(p filezoom.Path) {
	r.op.record(p, succeeded, nil)
	r.recordMetric(succeeded)
}

func (r *runner) skip(p filezoom.Path) {
	r.op.record(p, skipped, nil)
	r.recordMetric(skipped)
}

// fail records a failure. Errors caused by the operation's own cancellation
// are dropped: the run ends Cancelled and the entry is not counted.
func (r *runner) fail(p filezoom.Path, err error) {
	if r.ctx.Err() != nil && isCancellation(err) {
		return
	}
	r.op.record(p, failed, err)
	r.recordMetric(failed)
	r.log.Warn("entry failed", logging.Path(p), zap.Error(err))

	if r.stopErr == nil && (filezoom.IsFatal(err) || r.op.spec.EffectiveErrorPolicy() == AbortOnFirstError) {
		r.stopErr = err
	}
}

func (r *runner) recordMetric(res outcome) {
	if r.e.metrics {
		metrics.RecordEntry(r.op.spec.Kind.String(), res.String())
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, filezoom.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *runner) backend(p filezoom.Path) (filezoom.Backend, error) {
	return r.e.reg.Resolve(p)
}

// walk opens a walk with the spec's recursion and exclude patterns.
func (r *runner) walk(b filezoom.Backend, root filezoom.Path, order filezoom.Order, onExclude func(filezoom.Entry)) (*filezoom.Walker, error) {
	return filezoom.Walk(r.ctx, b, root, filezoom.WalkOptions{
		Recursive: r.op.spec.Recursive,
		Order:     order,
		Exclude:   r.op.spec.Exclude,
		OnExclude: onExclude,
	})
}

// prescan walks the sources to fill in progress totals. Failures only leave
// the totals short; the run reports them itself.
func (r *runner) prescan() {
	var (
		bytes   int64
		entries int
	)
	for _, src := range r.op.spec.Sources {
		b, err := r.backend(src)
		if err != nil {
			continue
		}
		if r.renames(src) {
			// one rename per source moves no bytes and never visits the subtree
			entries++
			continue
		}
		w, err := r.walk(b, src, filezoom.PreOrder, nil)
		if err != nil {
			continue
		}
		for e, err := range w.All() {
			if r.ctx.Err() != nil {
				return
			}
			if err != nil {
				continue
			}
			entries++
			if e.Kind == filezoom.KindFile && r.op.spec.Kind != Delete && r.op.spec.Kind != Chmod {
				bytes += e.Size
			}
		}
	}
	r.op.setTotals(bytes, entries)
}

// renames reports whether a move of src is expected to take the rename
// path instead of copying.
func (r *runner) renames(src filezoom.Path) bool {
	spec := r.op.spec
	return spec.Kind == Move && spec.Destination != nil &&
		src.Backend() == spec.Destination.Backend() && len(spec.Exclude) == 0
}

// ask pauses the operation on a prompt and waits for the answer. The
// worker slot is released while waiting.
func (r *runner) ask(existing, incoming filezoom.Entry) (filezoom.Decision, error) {
	prompt := &ConflictPrompt{
		Existing:     existing,
		Incoming:     incoming,
		TypeMismatch: filezoom.IsTypeMismatch(existing, incoming),
	}
	if !r.op.pause(prompt) {
		return filezoom.Decision{}, r.cancelled(incoming.Path)
	}
	r.log.Info("waiting for conflict decision", logging.Path(existing.Path))
	r.release()

	var d filezoom.Decision
	select {
	case d = <-r.op.decisions:
	case <-r.ctx.Done():
		return filezoom.Decision{}, r.cancelled(incoming.Path)
	case <-r.e.reg.Gone(existing.Path.Backend()):
		r.op.resume()
		return filezoom.Decision{}, &filezoom.PathError{Op: "resolve", Path: existing.Path, Err: filezoom.ErrBackendUnavailable}
	case <-r.e.reg.Gone(incoming.Path.Backend()):
		r.op.resume()
		return filezoom.Decision{}, &filezoom.PathError{Op: "resolve", Path: incoming.Path, Err: filezoom.ErrBackendUnavailable}
	}

	if err := r.acquire(r.ctx); err != nil {
		return filezoom.Decision{}, r.cancelled(incoming.Path)
	}
	r.op.resume()
	if d.Action == filezoom.ActionCancel {
		r.op.cancel()
		return filezoom.Decision{}, r.cancelled(incoming.Path)
	}
	return d, nil
}

// decide resolves a collision of incoming with the existing destination
// entry. A returned rename carries a free name in the existing entry's
// directory.
func (r *runner) decide(dst filezoom.Backend, existing, incoming filezoom.Entry) (filezoom.Decision, error) {
	mismatch := filezoom.IsTypeMismatch(existing, incoming)
	d := filezoom.Resolve(existing, incoming, r.op.spec.Conflict)
	answered := false

	if d.Action == filezoom.ActionAsk {
		if r.applyAll != nil && !mismatch {
			d = *r.applyAll
		} else {
			var err error
			if d, err = r.ask(existing, incoming); err != nil {
				return d, err
			}
			answered = true
			if d.ApplyToAll && !mismatch {
				keep := d
				r.applyAll = &keep
			}
		}
	}

	if d.Action != filezoom.ActionRename {
		return d, nil
	}
	dir := existing.Path.Parent()
	if answered {
		p, err := dir.Join(d.NewName)
		if err != nil {
			return d, err
		}
		if _, err := dst.Stat(r.ctx, p); err == nil {
			return d, &filezoom.PathError{Op: "rename", Path: p, Err: filezoom.ErrAlreadyExists}
		} else if !filezoom.IsNotFound(err) {
			return d, err
		}
		return d, nil
	}
	name, err := r.freeName(dst, dir, incoming.Name)
	if err != nil {
		return d, err
	}
	d.NewName = name
	return d, nil
}

func (r *runner) freeName(b filezoom.Backend, dir filezoom.Path, name string) (string, error) {
	for n := 1; n <= maxRenameCandidates; n++ {
		candidate := filezoom.RenameCandidate(name, n)
		p, err := dir.Join(candidate)
		if err != nil {
			return "", err
		}
		_, err = b.Stat(r.ctx, p)
		if filezoom.IsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", &filezoom.PathError{Op: "rename", Path: dir, Err: filezoom.ErrAlreadyExists}
}

// removeTree deletes p and everything below it, children first.
func (r *runner) removeTree(b filezoom.Backend, p filezoom.Path) error {
	w, err := filezoom.Walk(r.ctx, b, p, filezoom.WalkOptions{Recursive: true, Order: filezoom.PostOrder})
	if err != nil {
		return err
	}
	for e, err := range w.All() {
		if err != nil {
			return err
		}
		if err := b.Remove(r.ctx, e.Path); err != nil {
			return err
		}
	}
	return nil
}

// preserve copies metadata of src onto dst. Only missing capabilities are
// silent; other failures are logged and do not fail the entry.
func (r *runner) preserve(dst filezoom.Backend, src filezoom.Entry, to filezoom.Path) {
	if src.Perm != nil && src.Kind != filezoom.KindSymlink {
		err := dst.SetPermissions(r.ctx, to, filezoom.Permissions{Mode: src.Perm.Mode})
		if err != nil && !filezoom.IsUnsupported(err) {
			r.log.Warn("permissions not preserved", logging.Path(to), zap.Error(err))
		}
	}
	// best effort: ownership failures are only logged
	if src.Perm != nil {
		err := r.chown(dst, to, src.Perm.Owner, src.Perm.Group)
		if err != nil {
			r.log.Debug("ownership not preserved", logging.Path(to), zap.Error(err))
		}
	}
	if r.op.spec.PreserveTimes && src.ModTime != nil {
		ts, ok := dst.(filezoom.CanSetTimes)
		if !ok {
			return
		}
		if err := ts.Chtimes(r.ctx, to, *src.ModTime); err != nil && !filezoom.IsUnsupported(err) {
			r.log.Warn("modification time not preserved", logging.Path(to), zap.Error(err))
		}
	}
}
