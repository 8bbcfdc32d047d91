package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/ops"
)

// Prompter answers conflict prompts raised by a running operation.
type Prompter interface {
	Conflict(c *ops.ConflictPrompt) (filezoom.Decision, error)
}

// formPrompter asks on the terminal with a huh form.
type formPrompter struct{}

func (formPrompter) Conflict(c *ops.ConflictPrompt) (filezoom.Decision, error) {
	action := filezoom.ActionSkip
	applyAll := false
	newName := filezoom.RenameCandidate(c.Incoming.Name, 2)

	opts := []huh.Option[filezoom.Action]{
		huh.NewOption("Overwrite", filezoom.ActionOverwrite),
		huh.NewOption("Skip", filezoom.ActionSkip),
		huh.NewOption("Rename", filezoom.ActionRename),
	}
	if c.Existing.IsDir() && c.Incoming.IsDir() {
		opts = append(opts, huh.NewOption("Merge", filezoom.ActionMerge))
	}
	opts = append(opts, huh.NewOption("Cancel operation", filezoom.ActionCancel))

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[filezoom.Action]().
				Options(opts...).
				Value(&action),
			huh.NewConfirm().
				Title("Apply to all remaining conflicts?").
				Value(&applyAll),
		).
			Title("Conflict").
			Description(describeConflict(c)),
		huh.NewGroup(
			huh.NewInput().
				Title("New name").
				Value(&newName).
				Validate(func(v string) error {
					if strings.TrimSpace(v) == "" || strings.Contains(v, "/") {
						return fmt.Errorf("enter a plain file name")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return action != filezoom.ActionRename }),
	).WithShowHelp(true)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return filezoom.Decision{Action: filezoom.ActionCancel}, nil
		}
		return filezoom.Decision{}, err
	}

	d := filezoom.Decision{Action: action, ApplyToAll: applyAll}
	if action == filezoom.ActionRename {
		d.NewName = strings.TrimSpace(newName)
	}
	return d, nil
}

// skipPrompter answers every conflict with Skip. It is used when stdin is
// not a terminal.
type skipPrompter struct {
	out io.Writer
}

func (p skipPrompter) Conflict(c *ops.ConflictPrompt) (filezoom.Decision, error) {
	fmt.Fprintf(p.out, "skipping %s: destination exists (use --conflict to choose a policy)\n", c.Existing.Path)
	return filezoom.Decision{Action: filezoom.ActionSkip}, nil
}

func describeConflict(c *ops.ConflictPrompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s already exists.\n", c.Existing.Path)
	fmt.Fprintf(&b, "  existing: %s\n", describeEntry(c.Existing))
	fmt.Fprintf(&b, "  incoming: %s", describeEntry(c.Incoming))
	if c.TypeMismatch {
		b.WriteString("\nThe two entries are of different kinds.")
	}
	return b.String()
}

func describeEntry(e filezoom.Entry) string {
	parts := []string{e.Kind.String()}
	if e.Kind == filezoom.KindFile {
		parts = append(parts, humanize.IBytes(uint64(max(e.Size, 0))))
	}
	if e.ModTime != nil {
		parts = append(parts, "modified "+e.ModTime.Format(time.DateTime))
	}
	return strings.Join(parts, ", ")
}
