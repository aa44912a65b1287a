package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/activation/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate CUE environment files",
		Long: `Validate CUE environment declarations without touching the database.

This command checks:
  - CUE syntax validity
  - Conformance to the #Environment and #Resource schemas
  - Resource IDs, types and dependency references`,
		Example: `  # Validate the .cue files in the current directory
  activator validate

  # Validate specific files
  activator validate env.cue resources.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}

			log.Info().Strs("paths", args).Msg("Validating configuration")

			parsed, err := config.NewCUEParser().Parse(cmd.Context(), args)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(parsed); err != nil {
					return err
				}
			} else {
				for _, verr := range parsed.Errors {
					fmt.Fprintf(os.Stderr, "✗ %s\n", verr.Error())
				}
			}

			if err := parsed.Err(); err != nil {
				return err
			}
			if err := parsed.ToResourceGraph().Validate(); err != nil {
				return err
			}

			if !jsonOutput {
				fmt.Printf("✓ %s is valid: %d resources in %d files\n",
					parsed.DisplayName(), len(parsed.Resources), len(parsed.SourceFiles))
			}
			return nil
		},
	}

	return cmd
}
