package filezoom

import (
	"context"
	"fmt"
	"iter"

	"github.com/gobwas/glob"
)

// Order selects when a directory is yielded relative to its descendants.
type Order int

const (
	// PreOrder yields a directory before anything below it.
	PreOrder Order = iota
	// PostOrder yields a directory after everything below it.
	PostOrder
)

// WalkOptions configures a Walker.
type WalkOptions struct {
	Recursive bool
	Order     Order

	// Exclude holds glob patterns matched against entry names. A matching
	// entry and its subtree are not yielded. The root is never excluded.
	Exclude []string
	// OnExclude is called for each excluded entry.
	OnExclude func(Entry)
}

// Walker produces a depth-first sequence of entries below a root.
//
// Symlinks are yielded as leaves and never followed, so a walk cannot
// cycle. When a directory cannot be listed the walker yields that directory
// with a *TraversalError and moves on to its siblings if the consumer keeps
// ranging; breaking out of the loop aborts the walk. In post-order the
// unlisted directory itself is not yielded afterwards.
type Walker struct {
	ctx     context.Context
	b       Backend
	root    Path
	opts    WalkOptions
	exclude []glob.Glob
	skip    bool
}

// Walk prepares a walk of root. Nothing is read until All is ranged over.
func Walk(ctx context.Context, b Backend, root Path, opts WalkOptions) (*Walker, error) {
	w := &Walker{ctx: ctx, b: b, root: root, opts: opts}
	for _, pattern := range opts.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		w.exclude = append(w.exclude, g)
	}
	return w, nil
}

// SkipDir prunes the directory most recently yielded in pre-order. It has
// no effect in post-order or for non-directories.
func (w *Walker) SkipDir() {
	w.skip = true
}

// All returns the walk as a sequence. Every range starts again at the root.
func (w *Walker) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := w.b.Stat(w.ctx, w.root)
		if err != nil {
			yield(Entry{Name: w.root.Base(), Path: w.root}, err)
			return
		}
		w.visit(root, yield)
	}
}

func (w *Walker) excluded(e Entry) bool {
	for _, g := range w.exclude {
		if g.Match(e.Name) {
			if w.opts.OnExclude != nil {
				w.opts.OnExclude(e)
			}
			return true
		}
	}
	return false
}

// visit reports false once the consumer has stopped.
func (w *Walker) visit(e Entry, yield func(Entry, error) bool) bool {
	if err := w.ctx.Err(); err != nil {
		yield(e, &PathError{Op: "walk", Path: e.Path, Err: fmt.Errorf("%w: %v", ErrCancelled, err)})
		return false
	}

	if w.opts.Order == PreOrder {
		w.skip = false
		if !yield(e, nil) {
			return false
		}
		if w.skip {
			w.skip = false
			return true
		}
	}

	if e.Kind == KindDirectory && w.opts.Recursive {
		for child, err := range w.b.List(w.ctx, e.Path) {
			if err != nil {
				return yield(e, &TraversalError{Path: e.Path, Err: err})
			}
			if w.excluded(child) {
				continue
			}
			if !w.visit(child, yield) {
				return false
			}
		}
	}

	if w.opts.Order == PostOrder {
		return yield(e, nil)
	}
	return true
}
