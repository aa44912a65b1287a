package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the driver sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestDriver(t *testing.T, cfg DriverConfig, clock *fakeClock) *TaskDriver {
	t.Helper()
	driver, err := NewTaskDriver(cfg, zerolog.Nop(), WithClock(clock.Now, clock.Sleep))
	require.NoError(t, err)
	return driver
}

func startedForever() func(context.Context, *Resource) TaskStatus {
	return func(_ context.Context, res *Resource) TaskStatus {
		return NewTaskStatus("stop " + res.Ref())
	}
}

func TestDriverConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultDriverConfig().Validate())
	assert.Error(t, DriverConfig{}.Validate())
	assert.Error(t, DriverConfig{PollInterval: time.Second}.Validate())
	assert.Error(t, DriverConfig{PollInterval: time.Second, MaxAttempts: -1}.Validate())
	assert.NoError(t, DriverConfig{PollInterval: time.Second, Timeout: time.Minute}.Validate())
}

func TestTaskDriver_ImmediateSuccess(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DefaultDriverConfig(), clock)
	h := newStub("ok", allTypes, StepActivate)

	res := &Resource{ID: "app", Type: ResourceTypeApplication}
	result := driver.Drive(context.Background(), h, res, StepActivate)

	assert.True(t, result.Status.Succeeded())
	assert.NoError(t, result.Err)
	assert.Equal(t, 0, result.Attempts)
	assert.Empty(t, clock.sleeps)
}

func TestTaskDriver_PollsUntilTerminal(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DriverConfig{PollInterval: time.Second, MaxAttempts: 10}, clock)

	h := newStub("slow", allTypes, StepActivate)
	h.start = func(_ context.Context, res *Resource) TaskStatus { return NewTaskStatus("slow") }
	polls := 0
	h.poll = func(_ context.Context, s TaskStatus) TaskStatus {
		polls++
		if polls == 3 {
			return s.Succeed()
		}
		return s.WithProgress(polls * 30)
	}

	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepActivate)

	assert.True(t, result.Status.Succeeded())
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clock.sleeps)
}

// A handler for App/STOP that never completes times out after two polls
// with a five minute backoff each.
func TestTaskDriver_TimeoutAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DriverConfig{PollInterval: 5 * time.Minute, MaxAttempts: 2}, clock)

	h := newStub("app-stop", []ResourceType{ResourceTypeApplication}, StepStop)
	h.start = startedForever()

	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepStop)

	require.True(t, result.Status.Failed())
	assert.Equal(t, "timed out after 2 poll attempts (10m0s)", result.Status.Error)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, h.pollCount())
	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute}, clock.sleeps)
	assert.True(t, result.TimedOut())
	assert.True(t, errors.Is(result.Err, ErrTaskTimeout))
	assert.False(t, result.Status.EndedAt.IsZero())
}

func TestTaskDriver_TimeoutByElapsedTime(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DriverConfig{PollInterval: time.Minute, Timeout: 3 * time.Minute}, clock)

	h := newStub("stuck", allTypes, StepStart)
	h.start = startedForever()

	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepStart)

	require.True(t, result.TimedOut())
	assert.Equal(t, 3, result.Attempts)
	assert.True(t, strings.HasPrefix(result.Status.Error, "timed out after 3 poll attempts"))
}

func TestTaskDriver_HandlerFailure(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DefaultDriverConfig(), clock)

	h := newStub("broken", allTypes, StepActivate)
	h.start = func(_ context.Context, res *Resource) TaskStatus {
		return NewTaskStatus("broken")
	}
	h.poll = func(_ context.Context, s TaskStatus) TaskStatus {
		return s.Fail("quota exceeded")
	}

	result := driver.Drive(context.Background(), h, &Resource{ID: "db", Type: ResourceTypeService}, StepActivate)

	assert.True(t, result.Status.Failed())
	assert.Equal(t, "quota exceeded", result.Status.Error)
	assert.True(t, errors.Is(result.Err, ErrHandlerFailure))
	assert.False(t, result.TimedOut())
}

func TestTaskDriver_RecoversPanics(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DefaultDriverConfig(), clock)
	res := &Resource{ID: "app", Type: ResourceTypeApplication}

	onStart := newStub("panics-on-start", allTypes, StepActivate)
	onStart.start = func(context.Context, *Resource) TaskStatus { panic("boom") }

	result := driver.Drive(context.Background(), onStart, res, StepActivate)
	require.True(t, result.Status.Failed())
	assert.Contains(t, result.Status.Error, "panicked on start: boom")

	onPoll := newStub("panics-on-poll", allTypes, StepActivate)
	onPoll.start = startedForever()
	onPoll.poll = func(context.Context, TaskStatus) TaskStatus { panic("kaboom") }

	result = driver.Drive(context.Background(), onPoll, res, StepActivate)
	require.True(t, result.Status.Failed())
	assert.Contains(t, result.Status.Error, "panicked on poll: kaboom")
}

func TestTaskDriver_NotStartedStatusFails(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DefaultDriverConfig(), clock)

	h := newStub("lazy", allTypes, StepActivate)
	h.start = func(context.Context, *Resource) TaskStatus { return TaskStatus{} }

	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepActivate)
	assert.True(t, result.Status.Failed())
	assert.Contains(t, result.Status.Error, "returned no status")
}

func TestTaskDriver_Cancellation(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DefaultDriverConfig(), clock)

	h := newStub("stuck", allTypes, StepActivate)
	h.start = startedForever()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := driver.Drive(ctx, h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepActivate)
	assert.True(t, result.Status.Failed())
	assert.Contains(t, result.Status.Error, "cancelled")
	assert.Equal(t, 0, h.pollCount())
}

func TestTaskDriver_FirstTerminalWins(t *testing.T) {
	clock := newFakeClock()
	driver := newTestDriver(t, DriverConfig{PollInterval: time.Second, MaxAttempts: 5}, clock)

	h := newStub("flappy", allTypes, StepActivate)
	h.start = startedForever()
	h.poll = func(_ context.Context, s TaskStatus) TaskStatus {
		done := s.Succeed()
		// Attempted regression is refused by the snapshot itself
		return done.Fail("late failure")
	}

	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepActivate)
	assert.True(t, result.Status.Succeeded())
	assert.Equal(t, 1, result.Attempts)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestTaskDriver_StartSeesStep(t *testing.T) {
	var seen LifecycleStep
	var ok bool
	h := newStub("app", allTypes, StepFirstStart)
	h.start = func(ctx context.Context, res *Resource) TaskStatus {
		seen, ok = StepFromContext(ctx)
		return NewTaskStatus("first start " + res.Ref()).Succeed()
	}

	driver := newTestDriver(t, DefaultDriverConfig(), newFakeClock())
	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepFirstStart)

	require.NoError(t, result.Err)
	if !ok || seen != StepFirstStart {
		t.Errorf("Expected handler to see FIRSTSTART in context, got: %v (%v)", seen, ok)
	}

	_, ok = StepFromContext(context.Background())
	assert.False(t, ok)
}

func TestTaskDriver_TimeoutCancelsHandlerContext(t *testing.T) {
	var startCtx context.Context
	h := newStub("stuck", allTypes, StepStop)
	h.start = func(ctx context.Context, res *Resource) TaskStatus {
		startCtx = ctx
		return NewTaskStatus("stop " + res.Ref())
	}

	driver := newTestDriver(t, DriverConfig{PollInterval: time.Second, MaxAttempts: 1}, newFakeClock())
	result := driver.Drive(context.Background(), h, &Resource{ID: "app", Type: ResourceTypeApplication}, StepStop)

	require.True(t, result.TimedOut())
	require.NotNil(t, startCtx)
	if startCtx.Err() == nil {
		t.Fatal("Expected handler context to be cancelled once the drive returned")
	}
}
