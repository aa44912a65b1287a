package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the activator.
// A disabled Metrics value is safe to use; every method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansGenerated *prometheus.CounterVec
	planTasks      *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskTimeouts  *prometheus.CounterVec
	taskPolls     *prometheus.CounterVec

	// Environment metrics
	statusTransitions *prometheus.CounterVec
	activeInstances   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_generated_total",
				Help:      "Total number of activation plans generated",
			},
			[]string{"step", "outcome"},
		),
		planTasks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_tasks",
				Help:      "Number of tasks per generated plan",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"step"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of activation tasks driven to a terminal status",
			},
			[]string{"step", "resource_type", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of activation tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"step", "resource_type"},
		),
		taskTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_timeouts_total",
				Help:      "Total number of activation tasks failed by poll bounds",
			},
			[]string{"step", "resource_type"},
		),
		taskPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_polls_total",
				Help:      "Total number of handler polls",
			},
			[]string{"handler"},
		),

		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_status_transitions_total",
				Help:      "Total number of environment status updates by target status",
			},
			[]string{"status"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Current number of running process instances",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.plansGenerated,
		m.planTasks,
		m.tasksExecuted,
		m.taskDuration,
		m.taskTimeouts,
		m.taskPolls,
		m.statusTransitions,
		m.activeInstances,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPlanGenerated records a plan generation attempt.
func (m *Metrics) RecordPlanGenerated(step, outcome string, tasks int) {
	if m.plansGenerated == nil {
		return
	}
	m.plansGenerated.WithLabelValues(step, outcome).Inc()
	if outcome == "ok" {
		m.planTasks.WithLabelValues(step).Observe(float64(tasks))
	}
}

// RecordTask records a task driven to a terminal status.
func (m *Metrics) RecordTask(step, resourceType, outcome string, duration time.Duration, timedOut bool) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(step, resourceType, outcome).Inc()
	m.taskDuration.WithLabelValues(step, resourceType).Observe(duration.Seconds())
	if timedOut {
		m.taskTimeouts.WithLabelValues(step, resourceType).Inc()
	}
}

// RecordPolls adds the number of polls performed against a handler.
func (m *Metrics) RecordPolls(handler string, polls int) {
	if m.taskPolls == nil || polls <= 0 {
		return
	}
	m.taskPolls.WithLabelValues(handler).Add(float64(polls))
}

// RecordStatusTransition records an environment status update.
func (m *Metrics) RecordStatusTransition(status string) {
	if m.statusTransitions == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

// InstanceStarted increments the running instance gauge.
func (m *Metrics) InstanceStarted() {
	if m.activeInstances == nil {
		return
	}
	m.activeInstances.Inc()
}

// InstanceFinished decrements the running instance gauge.
func (m *Metrics) InstanceFinished() {
	if m.activeInstances == nil {
		return
	}
	m.activeInstances.Dec()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns an HTTP server exposing the metrics endpoint,
// or nil when metrics are disabled. The caller runs and shuts it down.
func (m *Metrics) NewMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
