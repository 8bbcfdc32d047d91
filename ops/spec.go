// Package ops runs file operations (copy, move, delete, chmod) over mounted
// backends. Each submitted operation runs as its own task under a shared
// worker limit and reports progress, conflict prompts and its final report
// as events.
package ops

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/gobeaver/filezoom"
)

// Kind is the action an operation performs.
type Kind int

const (
	Copy Kind = iota
	Move
	Delete
	Chmod
)

func (k Kind) String() string {
	switch k {
	case Copy:
		return "copy"
	case Move:
		return "move"
	case Delete:
		return "delete"
	case Chmod:
		return "chmod"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrorPolicy decides whether a per-entry failure ends the operation.
type ErrorPolicy int

const (
	// DefaultErrorPolicy is AbortOnFirstError for Move and
	// ContinueCollectingErrors for everything else.
	DefaultErrorPolicy ErrorPolicy = iota
	AbortOnFirstError
	ContinueCollectingErrors
)

func (p ErrorPolicy) String() string {
	switch p {
	case AbortOnFirstError:
		return "abort"
	case ContinueCollectingErrors:
		return "continue"
	default:
		return "default"
	}
}

// ParseErrorPolicy reads the names produced by ErrorPolicy.String.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "default":
		return DefaultErrorPolicy, nil
	case "abort":
		return AbortOnFirstError, nil
	case "continue":
		return ContinueCollectingErrors, nil
	}
	return 0, fmt.Errorf("unknown error policy %q", s)
}

// Spec describes an operation to submit.
type Spec struct {
	Kind    Kind
	Sources []filezoom.Path
	// Destination is the directory the sources are mirrored into. It is
	// required for Copy and Move and must be nil otherwise.
	Destination *filezoom.Path
	Recursive   bool
	Conflict    filezoom.Policy
	ErrorPolicy ErrorPolicy

	// Permissions is applied by Chmod.
	Permissions *filezoom.Permissions
	// Exclude holds glob patterns for entry names left out of the walk.
	Exclude []string
	// Verify compares checksums of each copied file.
	Verify bool
	// PreserveTimes copies modification times where the destination can
	// set them.
	PreserveTimes bool
}

// EffectiveErrorPolicy resolves DefaultErrorPolicy for the spec's kind.
func (s Spec) EffectiveErrorPolicy() ErrorPolicy {
	if s.ErrorPolicy != DefaultErrorPolicy {
		return s.ErrorPolicy
	}
	if s.Kind == Move {
		return AbortOnFirstError
	}
	return ContinueCollectingErrors
}

var errSpec = errors.New("invalid operation spec")

// Validate checks the spec before submission.
func (s Spec) Validate() error {
	if s.Kind < Copy || s.Kind > Chmod {
		return fmt.Errorf("%w: unknown kind %d", errSpec, int(s.Kind))
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: no sources", errSpec)
	}
	base, ok := filezoom.CommonParent(s.Sources...)
	if !ok {
		return fmt.Errorf("%w: sources span several backends: %w", errSpec, filezoom.ErrInvalidPath)
	}
	for _, src := range s.Sources {
		if src.IsZero() {
			return fmt.Errorf("%w: empty source: %w", errSpec, filezoom.ErrInvalidPath)
		}
		if src.IsRoot() && (s.Kind == Move || s.Kind == Delete) {
			return &filezoom.PathError{Op: s.Kind.String(), Path: src, Err: filezoom.ErrInvalidPath}
		}
	}

	switch s.Kind {
	case Copy, Move:
		if s.Destination == nil || s.Destination.IsZero() {
			return fmt.Errorf("%w: %s needs a destination", errSpec, s.Kind)
		}
		dst := *s.Destination
		if dst == base {
			return &filezoom.PathError{Op: s.Kind.String(), Path: dst, Err: fmt.Errorf("%w: destination is the source directory", filezoom.ErrInvalidPath)}
		}
		for _, src := range s.Sources {
			if dst.Within(src) {
				return &filezoom.PathError{Op: s.Kind.String(), Path: dst, Err: fmt.Errorf("%w: destination inside source %s", filezoom.ErrInvalidPath, src)}
			}
		}
	default:
		if s.Destination != nil {
			return fmt.Errorf("%w: %s takes no destination", errSpec, s.Kind)
		}
	}

	if s.Kind == Chmod && s.Permissions == nil {
		return fmt.Errorf("%w: chmod needs permissions", errSpec)
	}
	for _, pattern := range s.Exclude {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("%w: exclude pattern %q: %v", errSpec, pattern, err)
		}
	}
	return nil
}

// target maps a source below the common parent of the sources into dst.
func target(base, dst, src filezoom.Path) (filezoom.Path, error) {
	rel, ok := src.RelTo(base)
	if !ok {
		return filezoom.Path{}, &filezoom.PathError{Op: "map", Path: src, Err: filezoom.ErrInvalidPath}
	}
	return dst.JoinRel(rel)
}
