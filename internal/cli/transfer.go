package cli

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/ops"
)

type operationFlags struct {
	conflict      string
	onError       string
	exclude       []string
	verify        bool
	preserveTimes bool
	quiet         bool
}

func (f *operationFlags) register(cmd *cobra.Command, transfer bool) {
	if transfer {
		cmd.Flags().StringVar(&f.conflict, "conflict", "prompt", "Conflict policy: prompt, overwrite, skip, rename")
		cmd.Flags().BoolVar(&f.verify, "verify", false, "Compare checksums after each copied file")
		cmd.Flags().BoolVar(&f.preserveTimes, "preserve-times", false, "Keep modification times")
	}
	cmd.Flags().StringVar(&f.onError, "on-error", "default", "Error policy: default, abort, continue")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Glob patterns of names to leave alone")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not print progress")
}

func (f *operationFlags) apply(spec *ops.Spec) error {
	if f.conflict != "" {
		policy, err := filezoom.ParsePolicy(f.conflict)
		if err != nil {
			return err
		}
		spec.Conflict = policy
	}
	policy, err := ops.ParseErrorPolicy(f.onError)
	if err != nil {
		return err
	}
	spec.ErrorPolicy = policy
	spec.Exclude = f.exclude
	spec.Verify = f.verify
	spec.PreserveTimes = f.preserveTimes
	return nil
}

// NewCopyCommand creates the cp command
func NewCopyCommand(app *App) *cobra.Command {
	var flags operationFlags
	var recursive bool

	cmd := &cobra.Command{
		Use:   "cp SOURCE... DEST",
		Short: "Copy files and directories",
		Long: `Copies sources into DEST. Sources are mirrored under DEST relative to
their common parent directory. Copies between different backends stream the
content through this process.`,
		Example: `  # Copy a directory tree to an SFTP mount
  filezoom cp -r ./photos box:/backup

  # Overwrite without asking and verify every file
  filezoom cp --conflict overwrite --verify report.pdf s3:/docs`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := ops.Spec{Kind: ops.Copy, Recursive: recursive}
			return app.transfer(cmd.Context(), spec, &flags, args)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Copy directories recursively")
	flags.register(cmd, true)
	return cmd
}

// NewMoveCommand creates the mv command
func NewMoveCommand(app *App) *cobra.Command {
	var flags operationFlags

	cmd := &cobra.Command{
		Use:   "mv SOURCE... DEST",
		Short: "Move files and directories",
		Long: `Moves sources into DEST. Moves within one backend are renames; moves
across backends copy first and delete each source only after its copy is
confirmed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := ops.Spec{Kind: ops.Move, Recursive: true}
			return app.transfer(cmd.Context(), spec, &flags, args)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func (a *App) transfer(ctx context.Context, spec ops.Spec, flags *operationFlags, args []string) error {
	paths, err := a.paths(args)
	if err != nil {
		return err
	}
	dst := paths[len(paths)-1]
	spec.Sources = paths[:len(paths)-1]
	spec.Destination = &dst
	if err := flags.apply(&spec); err != nil {
		return err
	}
	return a.runOperation(ctx, spec, flags.quiet)
}

// NewRemoveCommand creates the rm command
func NewRemoveCommand(app *App) *cobra.Command {
	var flags operationFlags
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm PATH...",
		Short: "Delete files and directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := app.paths(args)
			if err != nil {
				return err
			}
			spec := ops.Spec{Kind: ops.Delete, Sources: paths, Recursive: recursive}
			if err := flags.apply(&spec); err != nil {
				return err
			}
			return app.runOperation(cmd.Context(), spec, flags.quiet)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete directories and their contents")
	flags.register(cmd, false)
	return cmd
}

// NewChmodCommand creates the chmod command
func NewChmodCommand(app *App) *cobra.Command {
	var flags operationFlags
	var recursive bool
	var owner, group string

	cmd := &cobra.Command{
		Use:   "chmod MODE PATH...",
		Short: "Change permissions",
		Example: `  filezoom chmod 644 box:/www/index.html
  filezoom chmod -R 755 ./bin`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			paths, err := app.paths(args[1:])
			if err != nil {
				return err
			}
			spec := ops.Spec{
				Kind:        ops.Chmod,
				Sources:     paths,
				Recursive:   recursive,
				Permissions: &filezoom.Permissions{Mode: mode, Owner: owner, Group: group},
			}
			if err := flags.apply(&spec); err != nil {
				return err
			}
			return app.runOperation(cmd.Context(), spec, flags.quiet)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "Change directories and their contents")
	cmd.Flags().StringVar(&owner, "owner", "", "New owner")
	cmd.Flags().StringVar(&group, "group", "", "New group")
	flags.register(cmd, false)
	return cmd
}

func parseMode(s string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid mode %q: want octal such as 644", s)
	}
	return fs.FileMode(n), nil
}

// runOperation submits spec, follows its events until it ends and prints
// the report.
func (a *App) runOperation(ctx context.Context, spec ops.Spec, quiet bool) error {
	h, err := a.Engine.Submit(spec)
	if err != nil {
		return err
	}
	defer h.Close()
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	var report *ops.Report
	for ev := range h.Events() {
		switch ev.Type {
		case ops.EventProgress:
			if !quiet && a.progress {
				a.printProgress(spec.Kind, ev.Progress)
			}
		case ops.EventConflictPrompt:
			a.clearProgress()
			a.answer(h, ev.Conflict)
		default:
			report = ev.Report
		}
	}
	if report == nil {
		if report, err = h.Wait(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	a.clearProgress()
	return a.printReport(report)
}

// answer asks until the engine accepts a decision.
func (a *App) answer(h *ops.Handle, c *ops.ConflictPrompt) {
	for {
		d, err := a.Prompter.Conflict(c)
		if err != nil {
			fmt.Fprintf(a.Err, "prompt: %v\n", err)
			h.Cancel()
			return
		}
		err = h.Resolve(d)
		if err == nil {
			return
		}
		if h.State() != ops.Paused {
			return
		}
		fmt.Fprintf(a.Err, "%v\n", err)
	}
}

func (a *App) printProgress(kind ops.Kind, p *ops.Progress) {
	line := fmt.Sprintf("%s %d", kind, p.EntriesDone)
	if p.EntriesTotal > 0 {
		line += fmt.Sprintf("/%d", p.EntriesTotal)
	}
	if p.BytesTotal > 0 || p.BytesDone > 0 {
		line += fmt.Sprintf(" %s", humanize.IBytes(uint64(p.BytesDone)))
		if p.BytesTotal > 0 {
			line += fmt.Sprintf("/%s", humanize.IBytes(uint64(p.BytesTotal)))
		}
	}
	if !p.Current.IsZero() {
		line += " " + p.Current.String()
	}
	fmt.Fprintf(a.Err, "\r\033[K%s", line)
}

func (a *App) clearProgress() {
	if a.progress {
		fmt.Fprint(a.Err, "\r\033[K")
	}
}

func (a *App) printReport(r *ops.Report) error {
	fmt.Fprintf(a.Out, "%s %s: %d succeeded, %d skipped, %d failed",
		r.Kind, r.State, r.Succeeded, r.Skipped, r.Failed)
	if r.BytesCopied > 0 {
		fmt.Fprintf(a.Out, ", %s", humanize.IBytes(uint64(r.BytesCopied)))
	}
	fmt.Fprintf(a.Out, " in %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(a.Err, "  %s: %v\n", f.Path, f.Err)
	}
	switch r.State {
	case ops.Completed:
		return nil
	case ops.Cancelled:
		return fmt.Errorf("%s cancelled", r.Kind)
	default:
		if err := r.Err(); err != nil {
			return fmt.Errorf("%s failed: %w", r.Kind, err)
		}
		return fmt.Errorf("%s failed", r.Kind)
	}
}
