package local

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/gobeaver/filezoom"
)

// Watch implements filezoom.CanWatch using fsnotify. The token fires once
// on the first create, write, remove, rename or chmod inside the directory;
// the underlying watcher is released at that point or when ctx is done.
func (a *Adapter) Watch(ctx context.Context, p filezoom.Path) (filezoom.ChangeToken, error) {
	if err := checkCtx(ctx, "watch", p); err != nil {
		return nil, err
	}
	fullPath, err := a.full("watch", p)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &filezoom.PathError{Op: "watch", Path: p, Err: err}
	}
	if err := w.Add(fullPath); err != nil {
		w.Close()
		return nil, mapError("watch", p, err)
	}

	token := filezoom.NewCallbackChangeToken()
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op == 0 {
					continue
				}
				token.SignalChange()
				return
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
				// a dropped event means the view may be stale
				token.SignalChange()
				return
			}
		}
	}()
	return token, nil
}
