package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import path...",
		Short: "Store an environment declared in CUE",
		Long: `Parse CUE environment files and store the environment and its resources.

Re-importing an environment replaces its resources and keeps its status.`,
		Example: `  activator import ./environments/dev`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id, err := a.importFiles(ctx, args)
			if err != nil {
				return err
			}

			env, err := a.store.GetEnvironment(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(env)
			}
			fmt.Printf("✓ Imported %s (%s), status %s\n", env.ID, env.Name, env.Status)
			return nil
		},
	}

	return cmd
}
