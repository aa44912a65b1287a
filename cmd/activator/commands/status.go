package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/activation/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [environment]",
		Short: "Show environment status",
		Long: `Without an argument, list every stored environment with its status.
With an environment ID, show its status and the latest status history.`,
		Example: `  activator status
  activator status env-dev --limit 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				envs, err := store.ListEnvironments(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(envs)
				}
				printEnvironments(envs)
				return nil
			}

			env, err := store.GetEnvironment(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := store.StatusHistory(ctx, env.ID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"environment": env,
					"history":     history,
				})
			}

			fmt.Printf("%s (%s): %s %d%%\n", env.ID, env.Name, env.Status, env.Percent)
			if env.Message != "" {
				fmt.Printf("  %s\n", env.Message)
			}
			if len(history) > 0 {
				fmt.Println()
				printHistory(history)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of history entries to show (0 for all)")

	return cmd
}

func printEnvironments(envs []*stores.Environment) {
	if len(envs) == 0 {
		fmt.Println("No environments")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPERCENT\tUPDATED")
	for _, env := range envs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			env.ID, env.Name, env.Status, env.Percent, env.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printHistory(history []stores.StatusRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tPERCENT\tMESSAGE")
	for _, rec := range history {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n",
			rec.RecordedAt.Format("15:04:05.000"), rec.Status, rec.Percent, rec.Message)
	}
	w.Flush()
}
