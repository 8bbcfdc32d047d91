package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filezoom",
		Short: "Copy, move and manage files across local and remote backends",
		Long: `filezoom works on files across mounted backends: the local disk,
SFTP servers, S3 buckets and zip archives.

Paths are written as "id:/path" for a mounted backend. Plain paths refer to
the local disk. Mounts are read from a YAML file (--mounts).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.flags.mountsFile, "mounts", "", "YAML file with mount descriptors")
	flags.StringVar(&app.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&app.flags.logFormat, "log-format", "", "Log format: console or json")
	flags.StringVar(&app.flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(NewMountsCommand(app))
	rootCmd.AddCommand(NewListCommand(app))
	rootCmd.AddCommand(NewCopyCommand(app))
	rootCmd.AddCommand(NewMoveCommand(app))
	rootCmd.AddCommand(NewRemoveCommand(app))
	rootCmd.AddCommand(NewChmodCommand(app))
	rootCmd.AddCommand(NewMkdirCommand(app))
	rootCmd.AddCommand(NewTouchCommand(app))
	rootCmd.AddCommand(NewRenameCommand(app))
	rootCmd.AddCommand(NewWatchCommand(app))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{}
	rootCmd := NewRootCommand(app)
	err := rootCmd.ExecuteContext(ctx)
	if cerr := app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
