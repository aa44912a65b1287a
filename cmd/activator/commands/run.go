package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/activation/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		files        []string
		serveMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "run STEP [environment]",
		Short: "Run a lifecycle step on an environment",
		Long: `Plan a lifecycle step, start it on the workflow engine and wait until it ends.

The environment status moves to the in-progress status of the step and its
percent follows the finished tasks. On success it reaches the step's done
status; on the first failed task it becomes FAILED with a diagnostic naming
the step, the resource and the task.`,
		Example: `  # Activate a stored environment
  activator run ACTIVATE env-dev

  # Import and start in one go
  activator run START --file ./environments/dev

  # Expose Prometheus metrics while running
  activator run STOP env-dev --metrics`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			step, err := engine.ParseStep(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			environmentID, err := a.environmentID(ctx, args[1:], files)
			if err != nil {
				return err
			}

			if a.policies != nil && a.settings.Policy.Watch && len(a.settings.Policy.Paths) > 0 {
				if err := a.policies.Watch(ctx, a.settings.Policy.Paths); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}

			if serveMetrics {
				stop := startMetricsServer(a.tel.Metrics.NewMetricsServer())
				defer stop()
			}

			log.Info().
				Str("environment_id", environmentID).
				Str("step", step.String()).
				Msg("Running lifecycle step")

			outcome, err := a.orch.RunToCompletion(ctx, environmentID, step)
			if outcome == nil {
				return err
			}
			if err != nil {
				log.Warn().Err(err).Msg("Workflow engine reported an error")
			}

			if jsonOutput {
				if err := printJSON(outcome); err != nil {
					return err
				}
			} else if outcome.Succeeded() {
				fmt.Printf("✓ %s %s: %s\n", step, environmentID, outcome.Status)
			} else {
				fmt.Printf("✗ %s %s: %s (%d%%)\n  %s\n", step, environmentID, outcome.Status, outcome.Percent, outcome.Message)
			}

			if !outcome.Succeeded() {
				return errors.New(outcome.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "CUE files to import before running")
	cmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve Prometheus metrics while the step runs")

	return cmd
}

// startMetricsServer serves srv in the background and returns its shutdown func.
func startMetricsServer(srv *http.Server) func() {
	if srv == nil {
		log.Warn().Msg("Metrics are disabled in the settings")
		return func() {}
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}
}
