// Command activator-runner serves command handlers over stdin/stdout. It
// maps each lifecycle step to a shell command and runs it per resource.
//
// The command sees the resource in RESOURCE_ID, RESOURCE_TYPE,
// RESOURCE_NAME, ENVIRONMENT_ID, STEP and LABEL_<KEY>. Lines it prints as
// "PROGRESS <n>" are reported as percent complete. A step without a
// command succeeds immediately.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/handlers/protocol"
)

const version = "1.0.0"

// runnerConfig is the steps file of the runner.
type runnerConfig struct {
	Shell   string            `yaml:"shell"`
	Timeout time.Duration     `yaml:"timeout"`
	Steps   map[string]string `yaml:"steps"`
}

func main() {
	// stdout carries the protocol; everything else goes to stderr
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Runner failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	var stepsFile string

	cmd := &cobra.Command{
		Use:   "activator-runner",
		Short: "Serve lifecycle steps as shell commands",
		Example: `  # steps.yaml
  #   steps:
  #     ACTIVATE: cf push "$RESOURCE_NAME"
  #     DELETE: cf delete -f "$RESOURCE_NAME"
  activator-runner --steps steps.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(stepsFile)
			if err != nil {
				return err
			}
			r := &runner{config: cfg, logger: logger}
			return protocol.Serve(cmd.Context(), os.Stdin, os.Stdout,
				map[string]string{"runner": "activator-runner", "runner_version": version}, r.handle)
		},
	}

	cmd.Flags().StringVarP(&stepsFile, "steps", "s", "", "YAML file mapping lifecycle steps to shell commands")
	_ = cmd.MarkFlagRequired("steps")

	return cmd
}

func loadConfig(path string) (*runnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps file: %w", err)
	}

	cfg := &runnerConfig{Shell: "/bin/sh"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse steps file %s: %w", path, err)
	}

	steps := make(map[string]string, len(cfg.Steps))
	for name, command := range cfg.Steps {
		step, err := engine.ParseStep(name)
		if err != nil {
			return nil, err
		}
		steps[step.String()] = command
	}
	cfg.Steps = steps
	return cfg, nil
}

type runner struct {
	config *runnerConfig
	logger zerolog.Logger
}

func (r *runner) handle(ctx context.Context, cmd *protocol.CommandMessage, progress protocol.ProgressFunc) error {
	script, ok := r.config.Steps[cmd.Step]
	if !ok || strings.TrimSpace(script) == "" {
		r.logger.Debug().Str("step", cmd.Step).Str("resource_id", cmd.Resource.ID).Msg("No command for step")
		return nil
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	sh := exec.CommandContext(ctx, r.config.Shell, "-c", script)
	sh.Env = append(os.Environ(), resourceEnv(cmd)...)
	sh.Stderr = os.Stderr

	stdout, err := sh.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open command output: %w", err)
	}

	start := time.Now()
	if err := sh.Start(); err != nil {
		return &protocol.ErrorMessage{Code: "EXEC_FAILED", Message: err.Error()}
	}
	scanProgress(stdout, progress)

	if err := sh.Wait(); err != nil {
		r.logger.Warn().
			Err(err).
			Str("step", cmd.Step).
			Str("resource_id", cmd.Resource.ID).
			Dur("duration", time.Since(start)).
			Msg("Command failed")
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &protocol.ErrorMessage{
				Code:    "EXIT_STATUS",
				Message: fmt.Sprintf("%s command exited with status %d", cmd.Step, exitErr.ExitCode()),
			}
		}
		return &protocol.ErrorMessage{Code: "EXEC_FAILED", Message: err.Error()}
	}

	r.logger.Info().
		Str("step", cmd.Step).
		Str("resource_id", cmd.Resource.ID).
		Dur("duration", time.Since(start)).
		Msg("Command finished")
	return nil
}

// resourceEnv exposes the command's resource to the shell.
func resourceEnv(cmd *protocol.CommandMessage) []string {
	env := []string{
		"RESOURCE_ID=" + cmd.Resource.ID,
		"RESOURCE_TYPE=" + cmd.Resource.Type,
		"RESOURCE_NAME=" + cmd.Resource.Name,
		"ENVIRONMENT_ID=" + cmd.Resource.EnvironmentID,
		"STEP=" + cmd.Step,
	}

	keys := make([]string, 0, len(cmd.Resource.Labels))
	for k := range cmd.Resource.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(k))
		env = append(env, "LABEL_"+name+"="+cmd.Resource.Labels[k])
	}
	return env
}

// scanProgress forwards "PROGRESS <n>" lines and ignores the rest.
func scanProgress(r io.Reader, progress protocol.ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "PROGRESS" {
			continue
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			progress(n, strings.Join(fields[2:], " "))
		}
	}
}
