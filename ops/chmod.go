package ops

import (
	"go.uber.org/zap"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/logging"
)

func (r *runner) chmodAll() {
	perm := *r.op.spec.Permissions
	for _, src := range r.op.spec.Sources {
		if r.stopped() {
			return
		}
		b, err := r.backend(src)
		if err != nil {
			r.fail(src, err)
			continue
		}
		w, err := r.walk(b, src, filezoom.PreOrder, nil)
		if err != nil {
			r.fail(src, err)
			continue
		}
		for e, err := range w.All() {
			if err != nil {
				r.fail(e.Path, err)
				if r.stopped() {
					return
				}
				continue
			}
			if r.stopped() {
				return
			}
			r.op.setCurrent(e.Path)

			// modes of links are not portable
			if e.Kind == filezoom.KindSymlink {
				r.skip(e.Path)
				continue
			}
			if err := b.SetPermissions(r.ctx, e.Path, perm); err != nil {
				if filezoom.IsUnsupported(err) {
					r.skip(e.Path)
					continue
				}
				r.fail(e.Path, err)
				w.SkipDir()
				continue
			}
			if err := r.chown(b, e.Path, perm.Owner, perm.Group); err != nil {
				r.fail(e.Path, err)
				continue
			}
			r.succeed(e.Path)
		}
	}
}

// chown applies owner and group where the backend can. Missing support
// leaves ownership as it was.
func (r *runner) chown(b filezoom.Backend, p filezoom.Path, owner, group string) error {
	if owner == "" && group == "" {
		return nil
	}
	cb, ok := b.(filezoom.CanChown)
	if !ok {
		r.log.Debug("ownership not supported", logging.Path(p))
		return nil
	}
	err := cb.Chown(r.ctx, p, owner, group)
	if filezoom.IsUnsupported(err) {
		r.log.Debug("ownership not supported", logging.Path(p), zap.Error(err))
		return nil
	}
	return err
}
