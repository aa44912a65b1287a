package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DriverConfig bounds the poll loop of one task.
type DriverConfig struct {
	// PollInterval is the fixed sleep between polls.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// MaxAttempts is the maximum number of polls. Zero means unbounded.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// Timeout is the maximum elapsed wall-clock time. Zero means unbounded.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DefaultDriverConfig returns the default poll bounds.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		PollInterval: 5 * time.Second,
		MaxAttempts:  120,
		Timeout:      10 * time.Minute,
	}
}

// Validate requires a positive interval and at least one bound, so every
// poll loop is paired with a hard limit.
func (c DriverConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %s", c.PollInterval)
	}
	if c.MaxAttempts < 0 || c.Timeout < 0 {
		return fmt.Errorf("poll bounds must not be negative")
	}
	if c.MaxAttempts == 0 && c.Timeout == 0 {
		return fmt.Errorf("either max attempts or timeout must be set")
	}
	return nil
}

// DriveResult is the outcome of driving one task to a terminal status.
type DriveResult struct {
	// Status is always terminal.
	Status TaskStatus

	// Attempts is the number of polls performed.
	Attempts int

	// Err classifies failures: TASK_TIMEOUT or HANDLER_FAILED. Nil on success.
	Err error
}

// TimedOut returns true when the task was failed by the driver's bounds.
func (r DriveResult) TimedOut() bool {
	return errors.Is(r.Err, ErrTaskTimeout)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TaskDriver runs the start-then-poll protocol against a handler.
type TaskDriver struct {
	config DriverConfig
	logger zerolog.Logger
	sleep  SleepFunc
	now    func() time.Time
}

// DriverOption configures a TaskDriver.
type DriverOption func(*TaskDriver)

// WithClock replaces the clock and sleep function, mainly for tests.
func WithClock(now func() time.Time, sleep SleepFunc) DriverOption {
	return func(d *TaskDriver) {
		if now != nil {
			d.now = now
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewTaskDriver creates a driver with the given bounds.
func NewTaskDriver(cfg DriverConfig, logger zerolog.Logger, opts ...DriverOption) (*TaskDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	d := &TaskDriver{
		config: cfg,
		logger: logger.With().Str("component", "task-driver").Logger(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the driver bounds.
func (d *TaskDriver) Config() DriverConfig {
	return d.config
}

// Drive starts the work and polls until the status is terminal, the poll
// budget is exhausted or ctx is cancelled. The returned status is always
// terminal: a stuck STARTED status would deadlock the plan's join.
// The context handed to the handler is cancelled when Drive returns, so
// timed out or abandoned work is released.
func (d *TaskDriver) Drive(ctx context.Context, handler Handler, resource *Resource, step LifecycleStep) DriveResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := d.logger.With().
		Str("handler", handler.Name()).
		Str("resource_id", resource.ID).
		Str("resource_type", string(resource.Type)).
		Str("step", step.String()).
		Logger()

	startedAt := d.now()
	status := d.safeStart(ctx, handler, resource, step)
	if !status.IsStarted() {
		status = status.Fail(fmt.Sprintf("handler %s returned no status", handler.Name()))
	}

	attempts := 0
	for !status.IsComplete() {
		if d.config.MaxAttempts > 0 && attempts >= d.config.MaxAttempts {
			return d.timeout(logger, status, attempts, d.now().Sub(startedAt))
		}
		if d.config.Timeout > 0 && d.now().Sub(startedAt) >= d.config.Timeout {
			return d.timeout(logger, status, attempts, d.now().Sub(startedAt))
		}

		if err := d.sleep(ctx, d.config.PollInterval); err != nil {
			logger.Warn().Err(err).Int("attempts", attempts).Msg("Task polling cancelled")
			failed := status.Fail(fmt.Sprintf("cancelled after %d poll attempts", attempts))
			return DriveResult{
				Status:   failed,
				Attempts: attempts,
				Err: NewRuntimeError("task cancelled", err).
					WithCode(ErrCodeTaskTimeout).
					WithResource(resource.ID).
					WithOperation(step.String()),
			}
		}

		attempts++
		next := d.safePoll(ctx, handler, status)
		if !next.IsStarted() {
			next = status.Fail(fmt.Sprintf("handler %s lost the task status", handler.Name()))
		}
		status = next
	}

	if status.Failed() {
		logger.Error().
			Str("error", status.Error).
			Int("attempts", attempts).
			Msg("Task failed")
		return DriveResult{
			Status:   status,
			Attempts: attempts,
			Err: NewRuntimeError(status.Error, nil).
				WithCode(ErrCodeHandlerFailed).
				WithResource(resource.ID).
				WithOperation(step.String()),
		}
	}

	logger.Debug().
		Int("attempts", attempts).
		Dur("duration", status.Duration()).
		Msg("Task finished")

	return DriveResult{Status: status, Attempts: attempts}
}

func (d *TaskDriver) timeout(logger zerolog.Logger, status TaskStatus, attempts int, elapsed time.Duration) DriveResult {
	msg := fmt.Sprintf("timed out after %d poll attempts (%s)", attempts, elapsed.Round(time.Millisecond))
	logger.Warn().
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("Task timed out")
	return DriveResult{
		Status:   status.Fail(msg),
		Attempts: attempts,
		Err:      NewRuntimeError(msg, nil).WithCode(ErrCodeTaskTimeout),
	}
}

// safeStart converts panics into a failed status.
func (d *TaskDriver) safeStart(ctx context.Context, handler Handler, resource *Resource, step LifecycleStep) (status TaskStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = TaskStatus{Title: fmt.Sprintf("%s %s", step, resource.Ref())}.
				Fail(fmt.Sprintf("handler %s panicked on start: %v", handler.Name(), r))
		}
	}()
	return handler.Start(ContextWithStep(ctx, step), resource)
}

// safePoll converts panics into a failed status.
func (d *TaskDriver) safePoll(ctx context.Context, handler Handler, current TaskStatus) (status TaskStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = current.Fail(fmt.Sprintf("handler %s panicked on poll: %v", handler.Name(), r))
		}
	}()
	return handler.Poll(ctx, current)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
