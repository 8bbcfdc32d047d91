package ops

import (
	"errors"
	"fmt"

	"github.com/gobeaver/filezoom"
)

func (r *runner) moveAll() {
	spec := r.op.spec
	base, _ := filezoom.CommonParent(spec.Sources...)
	dst := *spec.Destination

	srcB, dstB, ok := r.endpoints(base, dst)
	if !ok {
		return
	}
	if err := dstB.Mkdir(r.ctx, dst, true); err != nil {
		r.fail(dst, err)
		return
	}
	for _, src := range spec.Sources {
		if r.stopped() {
			return
		}
		to, err := r.destination(dstB, base, dst, src)
		if err != nil {
			r.fail(src, err)
			continue
		}
		r.moveSource(srcB, dstB, src, to)
	}
}

func (r *runner) moveSource(srcB, dstB filezoom.Backend, src, to filezoom.Path) {
	r.op.setCurrent(src)
	if src.Backend() == to.Backend() {
		e, err := srcB.Stat(r.ctx, src)
		if err != nil {
			r.fail(src, err)
			return
		}
		// excluded names have to stay behind, which a rename cannot do
		if !e.IsDir() || len(r.op.spec.Exclude) == 0 {
			fallback, handled := r.renameEntry(srcB, e, to)
			if handled {
				return
			}
			to = fallback
		}
	}
	r.moveByCopy(srcB, dstB, src, to)
}

// renameEntry moves e to to with a single rename where the backend allows
// it. When it does not, renameEntry reports false with the path the copy
// fallback should write to.
func (r *runner) renameEntry(b filezoom.Backend, e filezoom.Entry, to filezoom.Path) (filezoom.Path, bool) {
	existing, err := b.Stat(r.ctx, to)
	if err != nil {
		if !filezoom.IsNotFound(err) {
			r.fail(e.Path, err)
			return to, true
		}
		return r.rename(b, e, to)
	}

	d, err := r.decide(b, existing, e)
	if err != nil {
		r.fail(e.Path, err)
		return to, true
	}
	switch d.Action {
	case filezoom.ActionSkip:
		r.skip(e.Path)
		return to, true
	case filezoom.ActionOverwrite:
		if err := r.removeTree(b, to); err != nil {
			r.fail(e.Path, err)
			return to, true
		}
		return r.rename(b, e, to)
	case filezoom.ActionRename:
		renamed, err := to.Parent().Join(d.NewName)
		if err != nil {
			r.fail(e.Path, err)
			return to, true
		}
		return r.rename(b, e, renamed)
	case filezoom.ActionMerge:
		r.mergeDir(b, e, to)
		return to, true
	}
	r.fail(e.Path, fmt.Errorf("unexpected decision %s for %s", d.Action, to))
	return to, true
}

func (r *runner) rename(b filezoom.Backend, e filezoom.Entry, to filezoom.Path) (filezoom.Path, bool) {
	if err := b.Rename(r.ctx, e.Path, to); err != nil {
		if filezoom.IsUnsupported(err) {
			return to, false
		}
		r.fail(e.Path, err)
		return to, true
	}
	r.succeed(e.Path)
	return to, true
}

// mergeDir moves the children of the directory e into the existing
// directory to, then removes e if nothing was left behind.
func (r *runner) mergeDir(b filezoom.Backend, e filezoom.Entry, to filezoom.Path) {
	var children []filezoom.Entry
	for child, err := range b.List(r.ctx, e.Path) {
		if err != nil {
			r.fail(e.Path, &filezoom.TraversalError{Path: e.Path, Err: err})
			return
		}
		children = append(children, child)
	}

	for _, child := range children {
		if r.stopped() {
			return
		}
		r.op.setCurrent(child.Path)
		childTo, err := to.Join(child.Name)
		if err != nil {
			r.fail(child.Path, err)
			continue
		}
		if fallback, handled := r.renameEntry(b, child, childTo); !handled {
			r.moveByCopy(b, b, child.Path, fallback)
		}
	}
	if r.stopped() {
		return
	}

	switch err := b.Remove(r.ctx, e.Path); {
	case err == nil:
		r.succeed(e.Path)
	case errors.Is(err, filezoom.ErrNotEmpty):
		r.skip(e.Path)
	default:
		r.fail(e.Path, err)
	}
}

// moveByCopy copies src to to and then deletes the source entries whose
// copies were confirmed. A copy that ended the run deletes nothing.
func (r *runner) moveByCopy(srcB, dstB filezoom.Backend, src, to filezoom.Path) {
	confirmed := make(map[filezoom.Path]bool)
	r.copyTree(srcB, dstB, src, to, confirmed)
	if r.stopped() {
		return
	}
	r.deleteConfirmed(srcB, src, confirmed)
}

// deleteConfirmed removes confirmed entries below root, children first. An
// entry that stays keeps every ancestor up to root.
func (r *runner) deleteConfirmed(b filezoom.Backend, root filezoom.Path, confirmed map[filezoom.Path]bool) {
	keep := make(map[filezoom.Path]bool)
	w, err := filezoom.Walk(r.ctx, b, root, filezoom.WalkOptions{Recursive: true, Order: filezoom.PostOrder})
	if err != nil {
		r.fail(root, err)
		return
	}
	for e, err := range w.All() {
		if err != nil {
			r.fail(e.Path, err)
			keepAncestors(keep, root, e.Path)
			if r.stopped() {
				return
			}
			continue
		}
		if r.stopped() {
			return
		}
		if !confirmed[e.Path] || keep[e.Path] {
			keepAncestors(keep, root, e.Path)
			continue
		}
		if err := b.Remove(r.ctx, e.Path); err != nil {
			r.fail(e.Path, err)
			keepAncestors(keep, root, e.Path)
		}
	}
}

// keepAncestors marks the directories between p and root, root included.
func keepAncestors(keep map[filezoom.Path]bool, root, p filezoom.Path) {
	for p != root && p.Within(root) && !p.IsRoot() {
		p = p.Parent()
		keep[p] = true
	}
}
