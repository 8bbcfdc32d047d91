package ops

import (
	"github.com/gobeaver/filezoom"
)

func (r *runner) deleteAll() {
	for _, src := range r.op.spec.Sources {
		if r.stopped() {
			return
		}
		b, err := r.backend(src)
		if err != nil {
			r.fail(src, err)
			continue
		}
		if !r.op.spec.Recursive {
			r.op.setCurrent(src)
			if err := b.Remove(r.ctx, src); err != nil {
				r.fail(src, err)
				continue
			}
			r.succeed(src)
			continue
		}
		r.deleteTree(b, src)
	}
}

// deleteTree removes root and everything below it, children first. A
// directory holding an excluded or undeletable entry is left in place and
// counted as skipped.
func (r *runner) deleteTree(b filezoom.Backend, root filezoom.Path) {
	keep := make(map[filezoom.Path]bool)
	w, err := r.walk(b, root, filezoom.PostOrder, func(e filezoom.Entry) {
		keepAncestors(keep, root, e.Path)
	})
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
		r.op.setCurrent(e.Path)
		if keep[e.Path] {
			keepAncestors(keep, root, e.Path)
			r.skip(e.Path)
			continue
		}
		if err := b.Remove(r.ctx, e.Path); err != nil {
			r.fail(e.Path, err)
			keepAncestors(keep, root, e.Path)
			continue
		}
		r.succeed(e.Path)
	}
}
