package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid log level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unsupported exporter to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected out-of-range sampling rate to fail validation")
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("driver").
		WithEnvironment("env-1").
		WithResource("app", "application").
		Info("driving task")

	out := buf.String()
	for _, want := range []string{`"component":"driver"`, `"environment_id":"env-1"`, `"resource_id":"app"`, `"resource_type":"application"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log line to contain %s, got: %s", want, out)
		}
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// A disabled logger must accept calls.
	logger.Info("nothing")
}

func TestSyncPublisherDeliversInline(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	require.NoError(t, ep.PublishTaskStarted("inst-1", "7", "app", "ACTIVATE"))
	require.NoError(t, ep.PublishTaskFailed("inst-1", "7", "app", "boom", true))

	require.Len(t, got, 2)
	assert.Equal(t, EventTypeTaskStarted, got[0].Type)
	assert.Equal(t, EventTypeTaskTimedOut, got[1].Type)
	assert.Equal(t, EventLevelError, got[1].Level)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestPublisherFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var errorsOnly, envOnly []Event
	ep.Subscribe(func(e Event) { errorsOnly = append(errorsOnly, e) }, FilterByLevel(EventLevelError))
	ep.Subscribe(func(e Event) { envOnly = append(envOnly, e) }, FilterByEnvironmentID("env-2"))

	_ = ep.PublishEnvironmentStatus("env-1", "ACTIVATING", "started", 0)
	_ = ep.PublishEnvironmentStatus("env-2", "FAILED", "boom", 50)
	_ = ep.PublishPlanGenerated("env-2", "ACTIVATE", 4, 3)

	assert.Len(t, errorsOnly, 1)
	assert.Len(t, envOnly, 2)

	ep.AddFilter(FilterByType(EventTypePlanGenerated))
	_ = ep.PublishEnvironmentStatus("env-2", "ACTIVATED", "done", 100)
	assert.Len(t, envOnly, 2, "global filter should drop non-plan events")
}

func TestAsyncPublisherDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByInstanceID("inst-9"))

	for i := 0; i < 5; i++ {
		require.NoError(t, ep.Publish(Event{Type: EventTypeInstanceStarted, InstanceID: "inst-9"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count)

	assert.Error(t, ep.Publish(Event{Type: EventTypeInstanceStarted}))
}

func TestAsyncPublisherRequiresBuffer(t *testing.T) {
	_, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true})
	assert.Error(t, err)
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, ep.Publish(Event{Type: EventTypeTaskStarted}))
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", ListenAddress: ":0"})
	require.NoError(t, err)

	m.RecordTask("ACTIVATE", "application", "succeeded", time.Second, false)
	m.RecordTask("ACTIVATE", "application", "failed", 2*time.Second, true)
	m.RecordPolls("cf", 3)
	m.RecordPolls("cf", 0)
	m.RecordStatusTransition("ACTIVATED")
	m.RecordError("configuration", "AMBIGUOUS_HANDLER")
	m.RecordPlanGenerated("ACTIVATE", "ok", 4)
	m.InstanceStarted()
	m.InstanceStarted()
	m.InstanceFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksExecuted.WithLabelValues("ACTIVATE", "application", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskTimeouts.WithLabelValues("ACTIVATE", "application")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.taskPolls.WithLabelValues("cf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues("AMBIGUOUS_HANDLER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeInstances))

	srv := m.NewMetricsServer()
	require.NotNil(t, srv)
	assert.Equal(t, ":0", srv.Addr)
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordTask("ACTIVATE", "application", "succeeded", time.Second, true)
	m.RecordPolls("cf", 1)
	m.RecordStatusTransition("FAILED")
	m.RecordError("runtime", "")
	m.InstanceStarted()
	m.InstanceFinished()

	assert.Nil(t, m.Registry())
	assert.Nil(t, m.NewMetricsServer())
}

func TestNoopTracerSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "activator", "dev", "test")
	require.NoError(t, err)

	ctx, span := tracer.StartTaskSpan(context.Background(), "inst", "1", "app", "application", "ACTIVATE")
	RecordSuccess(span)
	span.End()

	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "plan")
	require.NotNil(t, op.Logger)
	op.End(nil)

	tel := Nop()
	op = StartOperation(tel.WithContext(context.Background()), "plan")
	require.NotNil(t, op.Span)
	op.End(assert.AnError)
	assert.Same(t, tel, FromTelemetryContext(tel.WithContext(context.Background())))
}
