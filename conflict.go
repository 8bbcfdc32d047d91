package filezoom

import (
	"fmt"
	"path"
	"strings"
)

// Policy is the configured answer to destination name collisions.
type Policy int

const (
	AlwaysOverwrite Policy = iota
	NeverOverwrite
	AutoRename
	PromptEachConflict
)

func (p Policy) String() string {
	switch p {
	case AlwaysOverwrite:
		return "overwrite"
	case NeverOverwrite:
		return "skip"
	case AutoRename:
		return "rename"
	default:
		return "prompt"
	}
}

// ParsePolicy reads the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "overwrite":
		return AlwaysOverwrite, nil
	case "skip", "never":
		return NeverOverwrite, nil
	case "rename":
		return AutoRename, nil
	case "prompt", "ask":
		return PromptEachConflict, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

// Action is the outcome of a conflict.
type Action int

const (
	ActionOverwrite Action = iota
	ActionSkip
	ActionRename
	ActionAsk
	ActionMerge
	// ActionCancel is only valid as an answer to a prompt.
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionOverwrite:
		return "overwrite"
	case ActionSkip:
		return "skip"
	case ActionRename:
		return "rename"
	case ActionAsk:
		return "ask"
	case ActionMerge:
		return "merge"
	default:
		return "cancel"
	}
}

// Decision resolves one conflict. NewName is set for ActionRename. An
// answered prompt with ApplyToAll set is reused for later conflicts of the
// same operation, except type mismatches.
type Decision struct {
	Action     Action
	NewName    string
	ApplyToAll bool
}

// Resolve decides what to do when incoming collides with existing.
//
// A file meeting a directory always asks, whatever the policy. Two
// directories always merge. Other collisions follow the policy.
func Resolve(existing, incoming Entry, policy Policy) Decision {
	if existing.IsDir() != incoming.IsDir() {
		return Decision{Action: ActionAsk}
	}
	if existing.IsDir() {
		return Decision{Action: ActionMerge}
	}
	switch policy {
	case AlwaysOverwrite:
		return Decision{Action: ActionOverwrite}
	case NeverOverwrite:
		return Decision{Action: ActionSkip}
	case AutoRename:
		return Decision{Action: ActionRename, NewName: RenameCandidate(incoming.Name, 1)}
	default:
		return Decision{Action: ActionAsk}
	}
}

// IsTypeMismatch reports whether exactly one of the entries is a directory.
func IsTypeMismatch(existing, incoming Entry) bool {
	return existing.IsDir() != incoming.IsDir()
}

// RenameCandidate returns the n-th alternative for name: "a.txt" becomes
// "a (n).txt". Dot files and names without an extension get the suffix at
// the end.
func RenameCandidate(name string, n int) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

// Validate checks a decision supplied from outside against the conflict it
// answers.
func (d Decision) Validate(existing, incoming Entry) error {
	switch d.Action {
	case ActionOverwrite, ActionSkip, ActionCancel:
		return nil
	case ActionMerge:
		if !existing.IsDir() || !incoming.IsDir() {
			return fmt.Errorf("merge %s: %w", existing.Path, ErrTypeMismatch)
		}
		return nil
	case ActionRename:
		if !validName(d.NewName) {
			return &PathError{Op: "rename", Path: existing.Path, Err: ErrInvalidPath}
		}
		return nil
	default:
		return fmt.Errorf("decision %s cannot answer a conflict", d.Action)
	}
}
