package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// stubHandler is a configurable Handler for tests.
type stubHandler struct {
	Registration
	name  string
	start func(ctx context.Context, res *Resource) TaskStatus
	poll  func(ctx context.Context, status TaskStatus) TaskStatus

	mu      sync.Mutex
	started []string
	polls   int
}

func newStub(name string, types []ResourceType, steps ...LifecycleStep) *stubHandler {
	return &stubHandler{
		Registration: Registration{Types: types, Steps: steps},
		name:         name,
	}
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Start(ctx context.Context, res *Resource) TaskStatus {
	h.mu.Lock()
	h.started = append(h.started, res.ID)
	h.mu.Unlock()
	if h.start != nil {
		return h.start(ctx, res)
	}
	return NewTaskStatus(h.name + " " + res.Ref()).Succeed()
}

func (h *stubHandler) Poll(ctx context.Context, status TaskStatus) TaskStatus {
	h.mu.Lock()
	h.polls++
	h.mu.Unlock()
	if h.poll != nil {
		return h.poll(ctx, status)
	}
	return status
}

func (h *stubHandler) startedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.started))
	copy(out, h.started)
	return out
}

func (h *stubHandler) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

// allTypes accepts every resource type.
var allTypes = []ResourceType{
	ResourceTypeOrganization,
	ResourceTypeSpace,
	ResourceTypeApplication,
	ResourceTypeRoute,
	ResourceTypeService,
	ResourceTypeSubscription,
}

// sampleGraph is Org -> Space -> App, Space -> MySQLService.
func sampleGraph() *ResourceGraph {
	return &ResourceGraph{
		EnvironmentID: "env-1",
		Resources: []Resource{
			{ID: "org", Type: ResourceTypeOrganization, Name: "acme"},
			{ID: "space", Type: ResourceTypeSpace, Name: "dev", DependsOn: []string{"org"}},
			{ID: "app", Type: ResourceTypeApplication, Name: "shop", DependsOn: []string{"space"}},
			{ID: "mysql", Type: ResourceTypeService, Name: "MySQLService", DependsOn: []string{"space"}},
		},
	}
}

func newTestRegistry(handlers ...Handler) *Registry {
	return NewRegistry(zerolog.Nop(), handlers...)
}

func newTestBuilder(handlers ...Handler) *DAGBuilder {
	return NewDAGBuilder(newTestRegistry(handlers...), zerolog.Nop())
}

// universal accepts every type for every step.
func universal() *stubHandler {
	return newStub("universal", allTypes, AllSteps()...)
}

// recordingSignaler is an ExecutionSignaler that records signals.
type recordingSignaler struct {
	mu         sync.Mutex
	executions map[string]*Execution
	signals    []recordedSignal
	findErr    error
	signalErr  error
}

type recordedSignal struct {
	executionID string
	token       string
	vars        map[string]interface{}
}

func newRecordingSignaler() *recordingSignaler {
	return &recordingSignaler{executions: make(map[string]*Execution)}
}

func (s *recordingSignaler) add(instanceID, activityID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[instanceID+"/"+activityID] = &Execution{
		ID:                executionID,
		ProcessInstanceID: instanceID,
		ActivityID:        activityID,
	}
}

func (s *recordingSignaler) FindExecution(_ context.Context, instanceID, activityID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.executions[instanceID+"/"+activityID], nil
}

func (s *recordingSignaler) Signal(_ context.Context, executionID, token string, vars map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalErr != nil {
		return s.signalErr
	}
	s.signals = append(s.signals, recordedSignal{executionID: executionID, token: token, vars: vars})
	return nil
}

func (s *recordingSignaler) signalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}
