package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/activation/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		writeSettings bool
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the activator database",
		Long: `Create the SQLite database and apply every pending migration.

With --write-settings the default settings are written to activator.yaml
(or the --config path) so they can be edited.`,
		Example: `  # Create ./activator.db
  activator init

  # Also write the default settings file
  activator init --write-settings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if writeSettings {
				path := configPath
				if path == "" {
					path = config.DefaultSettingsFile
				}
				if err := writeDefaultSettings(path, force); err != nil {
					return err
				}
				fmt.Printf("✓ Wrote settings: %s\n", path)
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			log.Info().Str("path", settings.Store.Path).Msg("Initializing database")

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("database health check failed: %w", err)
			}

			fmt.Printf("✓ Database ready: %s\n", settings.Store.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&writeSettings, "write-settings", false, "write the default settings file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	return cmd
}

func writeDefaultSettings(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("settings file %s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(config.DefaultSettings())
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
