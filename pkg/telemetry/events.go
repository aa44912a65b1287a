package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted during activation.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// EnvironmentID is the associated environment, if applicable.
	EnvironmentID string `json:"environment_id,omitempty"`

	// InstanceID is the associated process instance, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// TaskID is the associated engine task, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// ResourceID is the associated resource, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for activation events.
const (
	EventTypeInstanceStarted          = "instance.started"
	EventTypeInstanceCompleted        = "instance.completed"
	EventTypeInstanceFailed           = "instance.failed"
	EventTypeTaskStarted              = "task.started"
	EventTypeTaskCompleted            = "task.completed"
	EventTypeTaskFailed               = "task.failed"
	EventTypeTaskTimedOut             = "task.timed_out"
	EventTypeEnvironmentStatusChanged = "environment.status_changed"
	EventTypePlanGenerated            = "plan.generated"
	EventTypePolicyViolation          = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// In synchronous mode subscribers run on the publishing goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(instanceID, taskID, resourceID, step string) error {
	return ep.Publish(Event{
		Type:       EventTypeTaskStarted,
		Source:     "activation",
		InstanceID: instanceID,
		TaskID:     taskID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Task %s started: %s on resource %s", taskID, step, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"step": step,
		},
	})
}

// PublishTaskCompleted publishes a task completed event.
func (ep *EventPublisher) PublishTaskCompleted(instanceID, taskID, resourceID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeTaskCompleted,
		Source:     "activation",
		InstanceID: instanceID,
		TaskID:     taskID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Task %s completed for resource %s", taskID, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event. Timeouts get their own type.
func (ep *EventPublisher) PublishTaskFailed(instanceID, taskID, resourceID, reason string, timedOut bool) error {
	eventType := EventTypeTaskFailed
	if timedOut {
		eventType = EventTypeTaskTimedOut
	}
	return ep.Publish(Event{
		Type:       eventType,
		Source:     "activation",
		InstanceID: instanceID,
		TaskID:     taskID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Task %s failed for resource %s: %s", taskID, resourceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishEnvironmentStatus publishes an environment status change event.
func (ep *EventPublisher) PublishEnvironmentStatus(environmentID, status, message string, percent int) error {
	level := EventLevelInfo
	if status == "FAILED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:          EventTypeEnvironmentStatusChanged,
		Source:        "activation",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("Environment %s is %s: %s", environmentID, status, message),
		Level:         level,
		Data: map[string]interface{}{
			"status":  status,
			"percent": percent,
		},
	})
}

// PublishPlanGenerated publishes a plan generated event.
func (ep *EventPublisher) PublishPlanGenerated(environmentID, step string, tasks, tiers int) error {
	return ep.Publish(Event{
		Type:          EventTypePlanGenerated,
		Source:        "planner",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("Plan for %s on environment %s: %d tasks in %d tiers", step, environmentID, tasks, tiers),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"step":  step,
			"tasks": tasks,
			"tiers": tiers,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(environmentID, step string, violations []string) error {
	return ep.Publish(Event{
		Type:          EventTypePolicyViolation,
		Source:        "policy_engine",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("Policy denied %s on environment %s (%d violations)", step, environmentID, len(violations)),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"step":       step,
			"violations": violations,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByInstanceID creates a filter that only allows events for a specific process instance.
func FilterByInstanceID(instanceID string) EventFilter {
	return func(event Event) bool {
		return event.InstanceID == instanceID
	}
}

// FilterByEnvironmentID creates a filter that only allows events for a specific environment.
func FilterByEnvironmentID(environmentID string) EventFilter {
	return func(event Event) bool {
		return event.EnvironmentID == environmentID
	}
}
