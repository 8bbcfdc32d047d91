package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMkdirCommand creates the mkdir command
func NewMkdirCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir PATH...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := app.paths(args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := app.Registry.CreateDir(cmd.Context(), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewTouchCommand creates the touch command
func NewTouchCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "touch PATH...",
		Short: "Create empty files",
		Long:  `Creates empty files. Existing files are an error and are left untouched.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := app.paths(args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := app.Registry.CreateFile(cmd.Context(), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewRenameCommand creates the rename command
func NewRenameCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rename PATH NEW_NAME",
		Short: "Rename an entry within its directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.path(args[0])
			if err != nil {
				return err
			}
			renamed, err := app.Registry.RenameInPlace(cmd.Context(), p, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Out, renamed)
			return nil
		},
	}
}
