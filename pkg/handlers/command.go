package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/handlers/protocol"
)

// maxStderrTail is how much runner stderr is kept for diagnostics.
const maxStderrTail = 512

// CommandConfig describes a handler whose work runs in an external
// runner process speaking the JSON-lines protocol.
type CommandConfig struct {
	Name           string                 `yaml:"name" validate:"required"`
	Types          []engine.ResourceType  `yaml:"types" validate:"required,min=1"`
	Steps          []engine.LifecycleStep `yaml:"steps" validate:"required,min=1"`
	Path           string                 `yaml:"path" validate:"required"`
	Args           []string               `yaml:"args"`
	Env            map[string]string      `yaml:"env"`
	Dir            string                 `yaml:"dir"`
	StartupTimeout time.Duration          `yaml:"startup_timeout" validate:"gte=0"`
	CommandTimeout time.Duration          `yaml:"command_timeout" validate:"gte=0"`
}

// Command is an asynchronous handler that starts one runner process per
// task, sends it the task as a CMD and waits for DONE or ERROR. EVENT
// percentages become task progress.
type Command struct {
	*Async

	config CommandConfig
	logger zerolog.Logger
}

// NewCommand creates a runner-backed handler.
func NewCommand(cfg CommandConfig, logger zerolog.Logger) (*Command, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("command handler name is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("command handler %s has no path", cfg.Name)
	}

	c := &Command{
		config: cfg,
		logger: logger.With().Str("component", "command-handler").Str("handler", cfg.Name).Logger(),
	}
	c.Async = NewAsync(cfg.Name, engine.Registration{Types: cfg.Types, Steps: cfg.Steps}, c.execute, logger)
	return c, nil
}

func (c *Command) execute(ctx context.Context, resource *engine.Resource, progress ProgressFunc) error {
	step, ok := engine.StepFromContext(ctx)
	if !ok {
		return fmt.Errorf("no lifecycle step for %s", resource.Ref())
	}

	cmd := exec.CommandContext(ctx, c.config.Path, c.config.Args...)
	cmd.Dir = c.config.Dir
	cmd.Env = append(os.Environ(), c.environ()...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runner %s: %w", c.config.Path, err)
	}

	logger := c.logger.With().
		Int("pid", cmd.Process.Pid).
		Str("resource_id", resource.ID).
		Str("step", step.String()).
		Logger()

	client := protocol.NewClient(stdin, stdout)
	runErr := c.converse(ctx, client, step, resource, progress)

	_ = client.Close()
	var runnerErr *protocol.ErrorMessage
	if runErr != nil && !errors.As(runErr, &runnerErr) {
		// The runner may not be reading stdin any more.
		_ = cmd.Process.Kill()
	}
	if waitErr := cmd.Wait(); waitErr != nil && runErr == nil {
		logger.Warn().Err(waitErr).Msg("Runner exited abnormally after completing")
	}

	if runErr != nil && errors.Is(runErr, protocol.ErrRunnerExited) {
		if tail := stderrTail(stderr.String()); tail != "" {
			runErr = fmt.Errorf("%w: %s", runErr, tail)
		}
	}
	return runErr
}

func (c *Command) converse(ctx context.Context, client *protocol.Client, step engine.LifecycleStep, resource *engine.Resource, progress ProgressFunc) error {
	ready, err := client.Handshake(ctx, c.config.StartupTimeout)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("runner_version", ready.Version).Int("runner_pid", ready.PID).Msg("Runner ready")

	msg := &protocol.CommandMessage{
		ID:   uuid.New().String(),
		Step: step.String(),
		Resource: protocol.Resource{
			ID:            resource.ID,
			Type:          string(resource.Type),
			Name:          resource.Name,
			EnvironmentID: resource.EnvironmentID,
			DependsOn:     resource.DependsOn,
			Labels:        resource.Labels,
		},
		Timeout:  int(c.config.CommandTimeout / time.Second),
		Metadata: map[string]string{"protocol": protocol.Version},
	}

	_, err = client.Execute(ctx, msg, func(event *protocol.EventMessage) {
		if event.Percent != nil {
			progress(*event.Percent)
		}
	})
	return err
}

// environ returns the configured environment in a stable order.
func (c *Command) environ() []string {
	keys := make([]string, 0, len(c.config.Env))
	for k := range c.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + c.config.Env[k]
	}
	return out
}

// stderrTail returns the last line of runner stderr, bounded in size.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}
