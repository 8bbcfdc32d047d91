package filezoom

import (
	"context"
)

// CreateFile creates an empty file at p. An existing node fails with
// ErrAlreadyExists.
func (r *Registry) CreateFile(ctx context.Context, p Path) error {
	b, err := r.Resolve(p)
	if err != nil {
		return err
	}
	if _, err := b.Stat(ctx, p); err == nil {
		return &PathError{Op: "create", Path: p, Err: ErrAlreadyExists}
	} else if !IsNotFound(err) {
		return err
	}
	w, err := b.OpenWrite(ctx, p, WriteTruncate)
	if err != nil {
		return err
	}
	return pathErr("create", p, w.Close())
}

// CreateDir creates a single directory at p. An existing node fails with
// ErrAlreadyExists.
func (r *Registry) CreateDir(ctx context.Context, p Path) error {
	b, err := r.Resolve(p)
	if err != nil {
		return err
	}
	return b.Mkdir(ctx, p, false)
}

// RenameInPlace gives p a new name inside the same directory and returns
// the new path. An existing target fails with ErrAlreadyExists.
func (r *Registry) RenameInPlace(ctx context.Context, p Path, newName string) (Path, error) {
	if p.IsRoot() {
		return Path{}, &PathError{Op: "rename", Path: p, Err: ErrInvalidPath}
	}
	target, err := p.Parent().Join(newName)
	if err != nil {
		return Path{}, err
	}
	b, err := r.Resolve(p)
	if err != nil {
		return Path{}, err
	}
	if _, err := b.Stat(ctx, target); err == nil {
		return Path{}, &PathError{Op: "rename", Path: target, Err: ErrAlreadyExists}
	} else if !IsNotFound(err) {
		return Path{}, err
	}
	if err := b.Rename(ctx, p, target); err != nil {
		return Path{}, err
	}
	return target, nil
}
