package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gobeaver/filezoom"
)

// NewMountsCommand creates the mounts command
func NewMountsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "List mounted backends and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDRIVER\tSTATE\tMODE\tERROR")
			for _, m := range app.Registry.Mounts() {
				mode := "rw"
				if m.ReadOnly {
					mode = "ro"
				}
				errText := ""
				if m.Err != nil {
					errText = m.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Driver, m.State, mode, errText)
			}
			return w.Flush()
		},
	}
}

// NewListCommand creates the ls command
func NewListCommand(app *App) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := "."
			if len(args) == 1 {
				arg = args[0]
			}
			p, err := app.path(arg)
			if err != nil {
				return err
			}
			return app.list(cmd.Context(), app.Out, p, long)
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show kind, permissions, size and modification time")
	return cmd
}

func (a *App) list(ctx context.Context, out io.Writer, p filezoom.Path, long bool) error {
	b, err := a.Registry.Resolve(p)
	if err != nil {
		return err
	}
	e, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	entries := []filezoom.Entry{e}
	if e.IsDir() {
		entries = entries[:0]
		for e, err := range b.List(ctx, p) {
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(x, y filezoom.Entry) int {
		if x.IsDir() != y.IsDir() {
			if x.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(x.Name, y.Name)
	})

	if !long {
		for _, e := range entries {
			name := e.Name
			if e.IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		mode := "-"
		if e.Perm != nil {
			mode = e.Perm.Mode.String()
		}
		size := "-"
		if e.Kind == filezoom.KindFile {
			size = humanize.IBytes(uint64(max(e.Size, 0)))
		}
		mtime := "-"
		if e.ModTime != nil {
			mtime = e.ModTime.Format(time.DateTime)
		}
		name := e.Name
		if e.Kind == filezoom.KindSymlink && e.LinkTarget != "" {
			name += " -> " + e.LinkTarget
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t %s\t\n", e.Kind, mode, size, mtime, name)
	}
	return w.Flush()
}

// NewWatchCommand creates the watch command
func NewWatchCommand(app *App) *cobra.Command {
	var interval time.Duration
	var long bool

	cmd := &cobra.Command{
		Use:   "watch PATH",
		Short: "Print a directory listing every time it changes",
		Long: `Lists PATH and lists it again after every change until interrupted.
Backends without change notifications are polled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.path(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := app.list(ctx, app.Out, p, long); err != nil {
				return err
			}
			var listErr error
			filezoom.OnChange(ctx, func() (filezoom.ChangeToken, error) {
				if listErr != nil {
					return nil, listErr
				}
				return app.Registry.Watch(ctx, p, interval)
			}, func() {
				fmt.Fprintf(app.Out, "--- %s changed at %s\n", p, time.Now().Format(time.TimeOnly))
				listErr = app.list(ctx, app.Out, p, long)
			})
			if listErr != nil && ctx.Err() == nil {
				return listErr
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval for backends without change notifications")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Long listing format")
	return cmd
}
