package filezoom

import (
	"strings"
)

// BackendID names a mounted backend.
type BackendID string

// Path identifies a location inside one backend. It is an immutable value;
// two paths are equal when their backend and segments are equal, so Path is
// safe to compare with == and to use as a map key.
type Path struct {
	backend BackendID
	rel     string // segments joined by "/", empty for the root
}

const separator = "/"

// Root returns the root path of a backend.
func Root(id BackendID) Path {
	return Path{backend: id}
}

// Normalize parses raw into a Path on backend id.
//
// A single leading or trailing separator is accepted, "." segments are
// dropped and ".." removes the preceding segment. Empty segments, NUL bytes
// and ".." above the root fail with ErrInvalidPath.
func Normalize(raw string, id BackendID) (Path, error) {
	if id == "" || raw == "" || strings.ContainsRune(raw, 0) {
		return Path{}, &PathError{Op: "normalize", Path: Path{backend: id, rel: raw}, Err: ErrInvalidPath}
	}
	trimmed := strings.TrimPrefix(raw, separator)
	trimmed = strings.TrimSuffix(trimmed, separator)
	if trimmed == "" {
		return Root(id), nil
	}

	var segs []string
	for _, seg := range strings.Split(trimmed, separator) {
		switch seg {
		case "":
			return Path{}, &PathError{Op: "normalize", Path: Path{backend: id, rel: raw}, Err: ErrInvalidPath}
		case ".":
		case "..":
			if len(segs) == 0 {
				return Path{}, &PathError{Op: "normalize", Path: Path{backend: id, rel: raw}, Err: ErrInvalidPath}
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return Path{backend: id, rel: strings.Join(segs, separator)}, nil
}

// MustNormalize is like Normalize but panics on error. Intended for tests and
// constant paths.
func MustNormalize(raw string, id BackendID) Path {
	p, err := Normalize(raw, id)
	if err != nil {
		panic(err)
	}
	return p
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.Contains(name, separator) && !strings.ContainsRune(name, 0)
}

// Join returns the child named name under p.
func (p Path) Join(name string) (Path, error) {
	if !validName(name) {
		return Path{}, &PathError{Op: "join", Path: p, Err: ErrInvalidPath}
	}
	if p.rel == "" {
		return Path{backend: p.backend, rel: name}, nil
	}
	return Path{backend: p.backend, rel: p.rel + separator + name}, nil
}

// JoinRel joins a relative, already-clean multi-segment path under p.
// An empty rel returns p.
func (p Path) JoinRel(rel string) (Path, error) {
	if rel == "" {
		return p, nil
	}
	out := p
	for _, seg := range strings.Split(rel, separator) {
		var err error
		if out, err = out.Join(seg); err != nil {
			return Path{}, err
		}
	}
	return out, nil
}

// Backend returns the id of the backend the path belongs to.
func (p Path) Backend() BackendID { return p.backend }

// Rel returns the segments joined by "/" without a leading separator.
func (p Path) Rel() string { return p.rel }

// IsRoot reports whether p names the backend root.
func (p Path) IsRoot() bool { return p.rel == "" }

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool { return p == Path{} }

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	if p.rel == "" {
		return nil
	}
	return strings.Split(p.rel, separator)
}

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if i := strings.LastIndex(p.rel, separator); i >= 0 {
		return p.rel[i+1:]
	}
	return p.rel
}

// Parent returns the containing directory. The root is its own parent.
func (p Path) Parent() Path {
	if i := strings.LastIndex(p.rel, separator); i >= 0 {
		return Path{backend: p.backend, rel: p.rel[:i]}
	}
	return Root(p.backend)
}

// Within reports whether p equals ancestor or lies below it.
func (p Path) Within(ancestor Path) bool {
	if p.backend != ancestor.backend {
		return false
	}
	if ancestor.rel == "" || p.rel == ancestor.rel {
		return true
	}
	return strings.HasPrefix(p.rel, ancestor.rel+separator)
}

// RelTo returns p relative to ancestor, or false if p is not within it.
func (p Path) RelTo(ancestor Path) (string, bool) {
	if !p.Within(ancestor) {
		return "", false
	}
	if ancestor.rel == "" {
		return p.rel, true
	}
	return strings.TrimPrefix(strings.TrimPrefix(p.rel, ancestor.rel), separator), true
}

// String formats the path as "backend:/a/b".
func (p Path) String() string {
	return string(p.backend) + ":" + separator + p.rel
}

// CommonParent returns the deepest directory containing the parents of all
// paths. It returns false when paths is empty or spans several backends.
func CommonParent(paths ...Path) (Path, bool) {
	if len(paths) == 0 {
		return Path{}, false
	}
	common := paths[0].Parent()
	for _, p := range paths[1:] {
		if p.backend != common.backend {
			return Path{}, false
		}
		for !p.Parent().Within(common) {
			common = common.Parent()
		}
	}
	return common, true
}
