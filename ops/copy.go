package ops

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/logging"
	"github.com/gobeaver/filezoom/internal/metrics"
)

const defaultChunkSize = 256 * 1024

// placed pairs a source directory with the directory created for it.
type placed struct {
	entry filezoom.Entry
	to    filezoom.Path
}

func (r *runner) endpoints(src, dst filezoom.Path) (filezoom.Backend, filezoom.Backend, bool) {
	sb, err := r.backend(src)
	if err != nil {
		r.fail(src, err)
		return nil, nil, false
	}
	db, err := r.backend(dst)
	if err != nil {
		r.fail(dst, err)
		return nil, nil, false
	}
	return sb, db, true
}

// destination maps a top-level source into dst and creates the missing
// directories above the result.
func (r *runner) destination(dstB filezoom.Backend, base, dst, src filezoom.Path) (filezoom.Path, error) {
	to, err := target(base, dst, src)
	if err != nil {
		return to, err
	}
	if parent := to.Parent(); parent != dst {
		if err := dstB.Mkdir(r.ctx, parent, true); err != nil {
			return to, err
		}
	}
	return to, nil
}

func (r *runner) copyAll() {
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
		r.copyTree(srcB, dstB, src, to, nil)
	}
}

// copyTree copies src to top. When confirmed is non-nil every source entry
// whose copy was verified in place is added to it.
func (r *runner) copyTree(srcB, dstB filezoom.Backend, src, top filezoom.Path, confirmed map[filezoom.Path]bool) {
	w, err := r.walk(srcB, src, filezoom.PreOrder, nil)
	if err != nil {
		r.fail(src, err)
		return
	}

	targets := make(map[filezoom.Path]filezoom.Path)
	var dirs []placed
	for e, err := range w.All() {
		if err != nil {
			// a directory created above was counted before its listing failed
			if _, ok := targets[e.Path]; ok {
				r.op.uncount(succeeded)
			}
			delete(confirmed, e.Path)
			r.fail(e.Path, err)
			if r.stopped() {
				break
			}
			continue
		}
		if r.stopped() {
			break
		}
		r.op.setCurrent(e.Path)

		to := top
		if e.Path != src {
			parent, ok := targets[e.Path.Parent()]
			if !ok {
				continue
			}
			if to, err = parent.Join(e.Name); err != nil {
				r.fail(e.Path, err)
				continue
			}
		}

		switch e.Kind {
		case filezoom.KindDirectory:
			to, ok, err := r.claimDir(dstB, e, to)
			if err != nil {
				r.fail(e.Path, err)
				w.SkipDir()
				continue
			}
			if !ok {
				r.skip(e.Path)
				w.SkipDir()
				continue
			}
			targets[e.Path] = to
			dirs = append(dirs, placed{entry: e, to: to})
			r.succeed(e.Path)
			if confirmed != nil {
				confirmed[e.Path] = true
			}

		case filezoom.KindFile:
			r.copyRegular(srcB, dstB, e, to, confirmed)

		case filezoom.KindSymlink:
			r.copySymlink(srcB, dstB, e, to, confirmed)

		default:
			r.log.Debug("special file skipped", logging.Path(e.Path))
			r.skip(e.Path)
		}
	}

	// deepest first, so restrictive modes do not block earlier children
	if r.ctx.Err() != nil {
		return
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		r.preserve(dstB, dirs[i].entry, dirs[i].to)
	}
}

// claimDir makes a directory at to for the incoming directory e, resolving
// a collision first. It reports false when the directory is skipped.
func (r *runner) claimDir(dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path) (filezoom.Path, bool, error) {
	existing, err := dstB.Stat(r.ctx, to)
	if err != nil {
		if !filezoom.IsNotFound(err) {
			return to, false, err
		}
		return to, true, r.mkdir(dstB, to)
	}

	d, err := r.decide(dstB, existing, e)
	if err != nil {
		return to, false, err
	}
	switch d.Action {
	case filezoom.ActionMerge:
		return to, true, nil
	case filezoom.ActionSkip:
		return to, false, nil
	case filezoom.ActionOverwrite:
		if err := r.removeTree(dstB, to); err != nil {
			return to, false, err
		}
		return to, true, r.mkdir(dstB, to)
	case filezoom.ActionRename:
		renamed, err := to.Parent().Join(d.NewName)
		if err != nil {
			return to, false, err
		}
		return renamed, true, r.mkdir(dstB, renamed)
	}
	return to, false, fmt.Errorf("unexpected decision %s for %s", d.Action, to)
}

func (r *runner) mkdir(b filezoom.Backend, p filezoom.Path) error {
	if err := b.Mkdir(r.ctx, p, false); err != nil && !filezoom.IsExist(err) {
		return err
	}
	return nil
}

// placement says how an incoming file or symlink lands at its target.
type placement int

const (
	placeSkip placement = iota
	placeCreate
	// placeReplace overwrites an existing regular file.
	placeReplace
)

// claim resolves a collision at to for an incoming file or symlink. It
// returns the path to write and how to write it.
func (r *runner) claim(dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path) (filezoom.Path, placement, error) {
	existing, err := dstB.Stat(r.ctx, to)
	if err != nil {
		if filezoom.IsNotFound(err) {
			return to, placeCreate, nil
		}
		return to, placeSkip, err
	}

	d, err := r.decide(dstB, existing, e)
	if err != nil {
		return to, placeSkip, err
	}
	switch d.Action {
	case filezoom.ActionSkip:
		return to, placeSkip, nil
	case filezoom.ActionOverwrite:
		switch {
		case existing.IsDir():
			err = r.removeTree(dstB, to)
		case existing.Kind == filezoom.KindSymlink || e.Kind == filezoom.KindSymlink:
			err = dstB.Remove(r.ctx, to)
		default:
			return to, placeReplace, nil
		}
		if err != nil {
			return to, placeSkip, err
		}
		return to, placeCreate, nil
	case filezoom.ActionRename:
		renamed, err := to.Parent().Join(d.NewName)
		if err != nil {
			return to, placeSkip, err
		}
		return renamed, placeCreate, nil
	}
	return to, placeSkip, fmt.Errorf("unexpected decision %s for %s", d.Action, to)
}

func (r *runner) copyRegular(srcB, dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path, confirmed map[filezoom.Path]bool) {
	to, how, err := r.claim(dstB, e, to)
	if err != nil {
		r.fail(e.Path, err)
		return
	}
	if how == placeSkip {
		r.skip(e.Path)
		return
	}

	var n int64
	if how == placeReplace && !r.noReplace[to.Backend()] {
		n, err = r.replaceFile(srcB, dstB, e, to)
	} else {
		n, err = r.transfer(srcB, dstB, e, to)
	}
	if err != nil {
		r.fail(e.Path, err)
		return
	}
	r.preserve(dstB, e, to)
	r.succeed(e.Path)

	if confirmed != nil {
		st, err := dstB.Stat(r.ctx, to)
		if err == nil && st.Kind == filezoom.KindFile && st.Size == n && n == e.Size {
			confirmed[e.Path] = true
		}
	}
}

func (r *runner) copySymlink(srcB, dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path, confirmed map[filezoom.Path]bool) {
	from, okFrom := srcB.(filezoom.CanSymlink)
	into, okInto := dstB.(filezoom.CanSymlink)
	if !okFrom || !okInto {
		r.skip(e.Path)
		return
	}
	link := e.LinkTarget
	if link == "" {
		var err error
		if link, err = from.Readlink(r.ctx, e.Path); err != nil {
			if filezoom.IsUnsupported(err) {
				r.skip(e.Path)
				return
			}
			r.fail(e.Path, err)
			return
		}
	}

	to, how, err := r.claim(dstB, e, to)
	if err != nil {
		r.fail(e.Path, err)
		return
	}
	if how == placeSkip {
		r.skip(e.Path)
		return
	}
	if err := into.Symlink(r.ctx, link, to); err != nil {
		if filezoom.IsUnsupported(err) {
			r.log.Debug("symlink skipped", logging.Path(e.Path), zap.Error(err))
			r.skip(e.Path)
			return
		}
		r.fail(e.Path, err)
		return
	}
	r.succeed(e.Path)
	if confirmed != nil {
		confirmed[e.Path] = true
	}
}

// replaceFile writes the new content next to the existing file at to and
// renames it over to, so a failed copy leaves the old file intact. Backends
// that cannot rename get the content written in place.
func (r *runner) replaceFile(srcB, dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path) (int64, error) {
	tmp, err := to.Parent().Join(tempName(to.Base()))
	if err != nil {
		return 0, err
	}
	n, err := r.transfer(srcB, dstB, e, tmp)
	if err != nil {
		return n, err
	}
	err = dstB.Rename(r.ctx, tmp, to)
	if err == nil {
		return n, nil
	}
	r.discard(dstB, tmp)
	if !filezoom.IsUnsupported(err) {
		return n, err
	}

	r.log.Debug("rename unsupported, overwriting in place", logging.Path(to))
	r.noReplace[to.Backend()] = true
	r.op.addBytes(-n)
	return r.transfer(srcB, dstB, e, to)
}

func tempName(base string) string {
	return "." + base + ".filezoom-" + uuid.NewString()[:8]
}

// discard removes a partial copy. The operation context may already be
// cancelled.
func (r *runner) discard(b filezoom.Backend, p filezoom.Path) {
	if err := b.Remove(context.WithoutCancel(r.ctx), p); err != nil && !filezoom.IsNotFound(err) {
		r.log.Warn("partial copy not removed", logging.Path(p), zap.Error(err))
	}
}

// transfer streams e into to and checks that the whole file arrived. On
// failure a stream that can abort is aborted, which keeps what was at to;
// otherwise the partial file is removed.
func (r *runner) transfer(srcB, dstB filezoom.Backend, e filezoom.Entry, to filezoom.Path) (int64, error) {
	rc, err := srcB.OpenRead(r.ctx, e.Path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	wc, err := dstB.OpenWrite(r.ctx, to, filezoom.WriteTruncate)
	if err != nil {
		return 0, err
	}

	var (
		w  io.Writer = wc
		hw *filezoom.HashingWriter
	)
	if r.op.spec.Verify {
		hw = filezoom.NewHashingWriter(wc)
		w = hw
	}

	written, err := r.stream(w, rc, e.Path, to)
	if err == nil && written != e.Size {
		err = &filezoom.PathError{Op: "copy", Path: e.Path, Err: fmt.Errorf("%w: read %d of %d bytes", filezoom.ErrSizeMismatch, written, e.Size)}
	}
	if err != nil {
		if a, ok := wc.(filezoom.Aborter); ok {
			if aerr := a.Abort(); aerr != nil {
				r.log.Warn("write not aborted", logging.Path(to), zap.Error(aerr))
			}
			return written, err
		}
		_ = wc.Close()
		r.discard(dstB, to)
		return written, err
	}
	if err := wc.Close(); err != nil {
		r.discard(dstB, to)
		return written, err
	}
	if hw != nil {
		if err := r.verify(dstB, to, hw.Sum()); err != nil {
			r.discard(dstB, to)
			return written, err
		}
	}
	return written, nil
}

// stream copies rd to w in chunks, checking for cancellation and for lost
// backends between chunks.
func (r *runner) stream(w io.Writer, rd io.Reader, from, to filezoom.Path) (int64, error) {
	size := r.e.cfg.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)

	var written int64
	for {
		if r.ctx.Err() != nil {
			return written, r.cancelled(from)
		}
		for _, p := range []filezoom.Path{from, to} {
			if !r.e.reg.Available(p.Backend()) {
				return written, &filezoom.PathError{Op: "copy", Path: p, Err: filezoom.ErrBackendUnavailable}
			}
		}

		n, err := rd.Read(buf)
		if err != nil && err != io.EOF {
			return written, &filezoom.PathError{Op: "read", Path: from, Err: err}
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &filezoom.PathError{Op: "write", Path: to, Err: werr}
			}
			written += int64(n)
			r.op.addBytes(int64(n))
			if r.e.metrics {
				metrics.RecordBytesCopied(int64(n))
			}
		}
		if err == io.EOF {
			return written, nil
		}
	}
}

func (r *runner) verify(dstB filezoom.Backend, to filezoom.Path, want string) error {
	cs, ok := dstB.(filezoom.CanChecksum)
	if !ok {
		return nil
	}
	got, err := cs.Checksum(r.ctx, to, filezoom.ChecksumXXHash)
	if err != nil {
		if filezoom.IsUnsupported(err) {
			return nil
		}
		return err
	}
	if got != want {
		return &filezoom.PathError{Op: "verify", Path: to, Err: filezoom.ErrChecksumMismatch}
	}
	return nil
}
