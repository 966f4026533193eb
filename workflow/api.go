package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
	"github.com/objectql/objectos-sub008/events"
	"github.com/objectql/objectos-sub008/rules"
	"github.com/objectql/objectos-sub008/storage"
	"github.com/objectql/objectos-sub008/types"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultSystemPrincipal triggers escalation transitions.
	DefaultSystemPrincipal = "system"
	// EscalationComment is recorded on history entries written by escalations.
	EscalationComment = "escalated after timeout"

	tracerName = "github.com/objectql/objectos-sub008/workflow"
)

// errStaleEscalation marks an escalation whose instance has moved on.
var errStaleEscalation = errors.New("escalation no longer applies")

// Option configures a WorkflowAPI.
type Option func(*WorkflowAPI)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *WorkflowAPI) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(a *WorkflowAPI) {
		a.bus = bus
	}
}

// WithTaskRouter sets the router consulted by CompleteTask.
func WithTaskRouter(router TaskRouter) Option {
	return func(a *WorkflowAPI) {
		a.router = router
	}
}

// WithTracer sets the tracer. Defaults to the global otel provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *WorkflowAPI) {
		a.tracer = tracer
	}
}

// WithSystemPrincipal sets the principal recorded on escalations.
func WithSystemPrincipal(principal string) Option {
	return func(a *WorkflowAPI) {
		if principal != "" {
			a.systemPrincipal = principal
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *WorkflowAPI) {
		if now != nil {
			a.now = now
		}
	}
}

// WorkflowAPI owns the lifecycle of workflow instances and their tasks.
// Operations on one instance are serialized; different instances proceed
// independently.
type WorkflowAPI struct {
	engine          *Engine
	storage         storage.Storage
	generate        generator.Generator
	bus             *events.EventBus
	ownsBus         bool
	router          TaskRouter
	logger          *zap.Logger
	tracer          trace.Tracer
	systemPrincipal string
	now             func() time.Time

	locks       *instanceLocks
	timers      *timerRegistry
	definitions map[string]types.WorkflowDefinition
	mu          sync.RWMutex
}

// NewWorkflowAPI creates a WorkflowAPI. store defaults to in-memory storage
// and engine to an Engine with expression guards enabled.
func NewWorkflowAPI(generate generator.Generator, store storage.Storage, engine *Engine, opts ...Option) (*WorkflowAPI, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	a := &WorkflowAPI{
		storage:         store,
		generate:        generate,
		engine:          engine,
		logger:          zap.NewNop(),
		systemPrincipal: DefaultSystemPrincipal,
		now:             func() time.Time { return time.Now().UTC() },
		locks:           newInstanceLocks(),
		timers:          newTimerRegistry(),
		definitions:     make(map[string]types.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.storage == nil {
		a.storage = storage.NewMemoryStorage()
	}
	if a.engine == nil {
		a.engine = NewEngine(rules.NewExprEvaluator(), a.logger)
	}
	if a.bus == nil {
		a.bus = events.NewEventBus(events.WithLogger(a.logger))
		a.ownsBus = true
	}
	if a.router == nil {
		a.router = DefaultTaskRouter()
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	return a, nil
}

// Engine returns the engine used to evaluate guards and run actions.
func (a *WorkflowAPI) Engine() *Engine {
	return a.engine
}

// SetTaskRouter replaces the router consulted by CompleteTask.
func (a *WorkflowAPI) SetTaskRouter(router TaskRouter) {
	if router == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.router = router
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (a *WorkflowAPI) SubscribeEvent(eventType string, handler events.EventHandler) events.Subscription {
	return a.bus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a subscription made with SubscribeEvent.
func (a *WorkflowAPI) UnsubscribeEvent(sub events.Subscription) bool {
	return a.bus.Unsubscribe(sub)
}

// Close stops all escalation timers and waits for running escalations.
func (a *WorkflowAPI) Close() error {
	a.timers.stop()
	if a.ownsBus {
		a.bus.Stop()
	}
	return nil
}

// RegisterWorkflow validates and stores a definition. An empty version is
// stored as "1"; an already registered (name, version) pair is rejected.
func (a *WorkflowAPI) RegisterWorkflow(ctx context.Context, def types.WorkflowDefinition) error {
	def, _ = deepcopy.Copy(def).(types.WorkflowDefinition)
	if def.Version == "" {
		def.Version = "1"
	}
	if def.InitialState == "" {
		for _, s := range def.States {
			if s.Initial {
				def.InitialState = s.Name
				break
			}
		}
	}
	violations := append(ValidateDefinition(def), a.engine.CheckExpressions(def)...)
	if err := invalidDefinition(def.Name, violations); err != nil {
		return err
	}

	if err := a.storage.SaveDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrDefinitionExists) {
			return &Error{
				Kind:       KindInvalidDefinition,
				Definition: def.Name,
				Violations: []string{fmt.Sprintf("version %q is already registered", def.Version)},
				Cause:      err,
			}
		}
		return fmt.Errorf("failed to save definition: %w", err)
	}

	a.mu.Lock()
	a.definitions[definitionKey(def.Name, def.Version)] = def
	a.mu.Unlock()

	a.logger.Info("Workflow registered",
		zap.String("definition", def.Name),
		zap.String("version", def.Version),
		zap.Int("states", len(def.States)))
	return nil
}

// GetDefinition returns a registered definition; an empty version selects
// the latest.
func (a *WorkflowAPI) GetDefinition(ctx context.Context, name, version string) (types.WorkflowDefinition, error) {
	if version != "" {
		a.mu.RLock()
		def, ok := a.definitions[definitionKey(name, version)]
		a.mu.RUnlock()
		if ok {
			return def, nil
		}
	}

	def, err := a.storage.GetDefinition(ctx, name, version)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return types.WorkflowDefinition{}, &Error{Kind: KindDefinitionNotFound, Definition: name, Cause: err}
		}
		return types.WorkflowDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	a.mu.Lock()
	a.definitions[definitionKey(def.Name, def.Version)] = def
	a.mu.Unlock()
	return def, nil
}

// ListDefinitions returns the latest version of every registered definition.
func (a *WorkflowAPI) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return a.storage.ListDefinitions(ctx)
}

func definitionKey(name, version string) string {
	return name + "@" + version
}

// StartWorkflow creates an instance of the latest version of definitionName
// in its initial state and runs that state's enter actions. No history entry
// is written. If an enter action fails the instance is kept with status error.
func (a *WorkflowAPI) StartWorkflow(ctx context.Context, definitionName string, initialData map[string]interface{}, startedBy string) (inst types.WorkflowInstance, err error) {
	ctx, span := a.tracer.Start(ctx, "workflow.StartWorkflow", trace.WithAttributes(
		attribute.String("workflow.definition", definitionName),
		attribute.String("workflow.started_by", startedBy),
	))
	defer func() { endSpan(span, err) }()

	def, err := a.GetDefinition(ctx, definitionName, "")
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	initial, ok := def.State(def.InitialState)
	if !ok {
		return types.WorkflowInstance{}, &Error{Kind: KindInvalidDefinition, Definition: def.Name,
			Violations: []string{fmt.Sprintf("initial state %q is not declared", def.InitialState)}}
	}

	rawID, err := a.generate.NextID()
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	id := strconv.FormatUint(rawID, 10)
	span.SetAttributes(attribute.String("workflow.instance_id", id))

	data, _ := deepcopy.Copy(initialData).(map[string]interface{})
	if data == nil {
		data = make(map[string]interface{})
	}
	now := a.now()
	inst = types.WorkflowInstance{
		ID:                id,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		CurrentState:      def.InitialState,
		Status:            types.StatusRunning,
		Data:              data,
		StartedBy:         startedBy,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	unlock, err := a.locks.lock(ctx, id)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	defer unlock()

	if err := a.storage.SaveInstance(ctx, inst); err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to save instance: %w", err)
	}

	ec := a.newExecutionContext(inst, &def, "", startedBy, nil)
	ec.ToState = def.InitialState
	if runErr := a.engine.RunActions(ctx, initial.OnEnterActions, ec); runErr != nil {
		a.failStart(ctx, inst, runErr)
		return types.WorkflowInstance{}, runErr
	}

	patch := types.InstancePatch{Data: ec.Data(), UpdatedAt: a.now()}
	if initial.Final {
		status := types.StatusCompleted
		completedAt := patch.UpdatedAt
		patch.Status = &status
		patch.CompletedBy = &startedBy
		patch.CompletedAt = &completedAt
	}
	inst, err = a.storage.UpdateInstance(ctx, id, patch)
	if err != nil {
		a.cancelTaskIDs(ctx, ec.created, "start failed")
		return types.WorkflowInstance{}, fmt.Errorf("failed to update instance: %w", err)
	}

	a.logger.Info("Workflow started",
		zap.String("instance_id", id),
		zap.String("definition", def.Name),
		zap.String("version", def.Version),
		zap.String("started_by", startedBy))
	a.publishEvent(ctx, events.WorkflowStarted, id, map[string]interface{}{
		"definition": def.Name,
		"version":    def.Version,
		"state":      inst.CurrentState,
		"startedBy":  startedBy,
	})
	if inst.Status == types.StatusCompleted {
		a.publishEvent(ctx, events.WorkflowCompleted, id, map[string]interface{}{"state": inst.CurrentState})
	}
	return inst, nil
}

// failStart records a failed initial entry as status error.
func (a *WorkflowAPI) failStart(ctx context.Context, inst types.WorkflowInstance, cause error) {
	status := types.StatusError
	msg := cause.Error()
	if _, err := a.storage.UpdateInstance(ctx, inst.ID, types.InstancePatch{
		Status:    &status,
		Error:     &msg,
		UpdatedAt: a.now(),
	}); err != nil {
		a.logger.Error("Failed to record start error", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	a.cancelPendingTasks(ctx, inst.ID, "start failed")
	a.logger.Warn("Workflow start failed", zap.String("instance_id", inst.ID), zap.Error(cause))
	a.publishEvent(ctx, events.WorkflowError, inst.ID, map[string]interface{}{
		"state": inst.CurrentState,
		"error": msg,
	})
}

// GetInstance returns an instance by id.
func (a *WorkflowAPI) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	return a.loadInstance(ctx, instanceID)
}

// QueryWorkflows returns instances matching filter.
func (a *WorkflowAPI) QueryWorkflows(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	return a.storage.QueryInstances(ctx, filter)
}

// GetAvailableTransitions lists the transitions declared on the instance's
// current state without evaluating guards. Instances that are no longer
// running have none.
func (a *WorkflowAPI) GetAvailableTransitions(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := a.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.StatusRunning {
		return []string{}, nil
	}
	def, err := a.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	state, ok := def.State(inst.CurrentState)
	if !ok {
		return []string{}, nil
	}
	return state.TransitionNames(), nil
}

// ExecuteTransition fires transitionName on the instance. Guards, exit
// actions, transition actions and enter actions run in that order while the
// instance lock is held; the instance is only written if all of them succeed.
// payload["comment"] becomes the history comment, every other key is merged
// into the instance data.
func (a *WorkflowAPI) ExecuteTransition(ctx context.Context, instanceID, transitionName, triggeredBy string, payload map[string]interface{}) (inst types.WorkflowInstance, err error) {
	ctx, span := a.tracer.Start(ctx, "workflow.ExecuteTransition", trace.WithAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.transition", transitionName),
		attribute.String("workflow.triggered_by", triggeredBy),
	))
	defer func() { endSpan(span, err) }()

	unlock, err := a.locks.lock(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	defer unlock()

	return a.executeLocked(ctx, instanceID, transitionName, triggeredBy, payload, nil)
}

// executeLocked runs a transition; the caller holds the instance lock. When
// expect is set the transition only runs if the instance is still where the
// escalation was scheduled.
func (a *WorkflowAPI) executeLocked(ctx context.Context, instanceID, transitionName, triggeredBy string, payload map[string]interface{}, expect *escalation) (types.WorkflowInstance, error) {
	inst, err := a.loadInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.Status != types.StatusRunning {
		return types.WorkflowInstance{}, &Error{Kind: KindInvalidState, InstanceID: instanceID, Status: string(inst.Status)}
	}
	if expect != nil && (inst.CurrentState != expect.state || len(inst.History) != expect.sequence) {
		return types.WorkflowInstance{}, errStaleEscalation
	}

	def, err := a.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return types.WorkflowInstance{}, err
	}

	ec := a.newExecutionContext(inst, &def, transitionName, triggeredBy, payload)
	eval, err := a.engine.EvaluateTransition(ctx, &def, inst.CurrentState, transitionName, ec)
	if eval.Transition == nil && err == nil {
		return types.WorkflowInstance{}, &Error{
			Kind:       KindTransitionNotFound,
			InstanceID: instanceID,
			State:      inst.CurrentState,
			Transition: transitionName,
		}
	}
	if err != nil || !eval.Allowed {
		a.logger.Info("Transition rejected",
			zap.String("instance_id", instanceID),
			zap.String("transition", transitionName),
			zap.String("guard", eval.FailedGuard),
			zap.Error(err))
		return types.WorkflowInstance{}, guardError(instanceID, transitionName, eval, err)
	}
	ec.ToState = eval.TargetState

	source, _ := def.State(inst.CurrentState)
	target, _ := def.State(eval.TargetState)

	stale, err := a.pendingTaskIDs(ctx, instanceID, inst.CurrentState)
	if err != nil {
		return types.WorkflowInstance{}, err
	}

	for _, step := range [][]types.ActionRef{source.OnExitActions, eval.Transition.Actions, target.OnEnterActions} {
		if err := a.engine.RunActions(ctx, step, ec); err != nil {
			a.cancelTaskIDs(ctx, ec.created, "transition failed")
			a.logger.Warn("Transition failed",
				zap.String("instance_id", instanceID),
				zap.String("transition", transitionName),
				zap.Error(err))
			return types.WorkflowInstance{}, err
		}
	}

	now := a.now()
	entry := types.StateHistoryEntry{
		FromState:      inst.CurrentState,
		ToState:        eval.TargetState,
		TransitionName: transitionName,
		TriggeredBy:    triggeredBy,
		Timestamp:      now,
		Comment:        ec.Comment,
	}
	patch := types.InstancePatch{
		CurrentState:  &entry.ToState,
		Data:          ec.Data(),
		AppendHistory: []types.StateHistoryEntry{entry},
		UpdatedAt:     now,
	}
	if target.Final {
		status := types.StatusCompleted
		patch.Status = &status
		patch.CompletedBy = &triggeredBy
		patch.CompletedAt = &now
	}

	updated, err := a.storage.UpdateInstance(ctx, instanceID, patch)
	if err != nil {
		a.cancelTaskIDs(ctx, ec.created, "transition failed")
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return types.WorkflowInstance{}, &Error{Kind: KindInstanceNotFound, InstanceID: instanceID, Cause: err}
		}
		return types.WorkflowInstance{}, fmt.Errorf("failed to update instance: %w", err)
	}

	a.timers.cancel(instanceID)
	a.cancelTaskIDs(ctx, stale, "state exited")
	if updated.Status == types.StatusCompleted {
		a.cancelPendingTasks(ctx, instanceID, "workflow completed")
	} else if eval.Transition.TimeoutMs > 0 && eval.Transition.OnTimeoutTransition != "" {
		a.scheduleEscalation(instanceID, escalation{
			state:      updated.CurrentState,
			sequence:   len(updated.History),
			transition: eval.Transition.OnTimeoutTransition,
			deadline:   now.Add(time.Duration(eval.Transition.TimeoutMs) * time.Millisecond),
		})
	}

	a.logger.Info("Transition committed",
		zap.String("instance_id", instanceID),
		zap.String("transition", transitionName),
		zap.String("from", entry.FromState),
		zap.String("to", entry.ToState),
		zap.String("triggered_by", triggeredBy))
	a.publishEvent(ctx, events.StateChanged, instanceID, map[string]interface{}{
		"from":        entry.FromState,
		"to":          entry.ToState,
		"transition":  transitionName,
		"triggeredBy": triggeredBy,
	})
	if updated.Status == types.StatusCompleted {
		a.publishEvent(ctx, events.WorkflowCompleted, instanceID, map[string]interface{}{
			"state":       updated.CurrentState,
			"completedBy": triggeredBy,
		})
	}
	return updated, nil
}

// AbortWorkflow stops a running instance without running any actions.
func (a *WorkflowAPI) AbortWorkflow(ctx context.Context, instanceID, abortedBy string) (inst types.WorkflowInstance, err error) {
	ctx, span := a.tracer.Start(ctx, "workflow.AbortWorkflow", trace.WithAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.aborted_by", abortedBy),
	))
	defer func() { endSpan(span, err) }()

	unlock, err := a.locks.lock(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	defer unlock()

	current, err := a.loadInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if current.Status != types.StatusRunning {
		return types.WorkflowInstance{}, &Error{Kind: KindInvalidState, InstanceID: instanceID, Status: string(current.Status)}
	}

	now := a.now()
	status := types.StatusAborted
	inst, err = a.storage.UpdateInstance(ctx, instanceID, types.InstancePatch{
		Status:      &status,
		AbortedAt:   &now,
		CompletedBy: &abortedBy,
		UpdatedAt:   now,
	})
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to update instance: %w", err)
	}

	a.timers.cancel(instanceID)
	a.cancelPendingTasks(ctx, instanceID, "workflow aborted")

	a.logger.Info("Workflow aborted", zap.String("instance_id", instanceID), zap.String("aborted_by", abortedBy))
	a.publishEvent(ctx, events.WorkflowAborted, instanceID, map[string]interface{}{
		"state":     inst.CurrentState,
		"abortedBy": abortedBy,
	})
	return inst, nil
}

// RestoreTimers re-arms escalation timers of running instances, typically
// after a restart. Deadlines are measured from the last history entry.
func (a *WorkflowAPI) RestoreTimers(ctx context.Context) (int, error) {
	running, err := a.storage.QueryInstances(ctx, types.InstanceFilter{Status: types.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to query running instances: %w", err)
	}

	restored := 0
	for _, inst := range running {
		if len(inst.History) == 0 {
			continue
		}
		last := inst.History[len(inst.History)-1]
		if last.ToState != inst.CurrentState {
			continue
		}
		def, err := a.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
		if err != nil {
			a.logger.Warn("Skipping timer restore", zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		source, ok := def.State(last.FromState)
		if !ok {
			continue
		}
		tr, ok := source.Transition(last.TransitionName)
		if !ok || tr.TimeoutMs <= 0 || tr.OnTimeoutTransition == "" {
			continue
		}
		a.scheduleEscalation(inst.ID, escalation{
			state:      inst.CurrentState,
			sequence:   len(inst.History),
			transition: tr.OnTimeoutTransition,
			deadline:   last.Timestamp.Add(time.Duration(tr.TimeoutMs) * time.Millisecond),
		})
		restored++
	}
	a.logger.Info("Escalation timers restored", zap.Int("count", restored))
	return restored, nil
}

func (a *WorkflowAPI) scheduleEscalation(instanceID string, esc escalation) {
	a.timers.schedule(instanceID, &esc, func(fired escalation) {
		a.escalate(instanceID, fired)
	})
}

// escalate fires the timeout transition through the locked path. It does
// nothing if the instance has left the state the timer was armed for.
func (a *WorkflowAPI) escalate(instanceID string, esc escalation) {
	ctx := context.Background()
	unlock, err := a.locks.lock(ctx, instanceID)
	if err != nil {
		return
	}
	defer unlock()

	inst, err := a.executeLocked(ctx, instanceID, esc.transition, a.systemPrincipal,
		map[string]interface{}{"comment": EscalationComment}, &esc)
	switch {
	case errors.Is(err, errStaleEscalation), errors.Is(err, ErrInvalidState):
		a.logger.Debug("Escalation skipped", zap.String("instance_id", instanceID), zap.String("state", esc.state))
		return
	case err != nil:
		a.logger.Warn("Escalation failed",
			zap.String("instance_id", instanceID),
			zap.String("transition", esc.transition),
			zap.Error(err))
		return
	}

	a.logger.Info("Workflow escalated",
		zap.String("instance_id", instanceID),
		zap.String("from", esc.state),
		zap.String("to", inst.CurrentState))
	a.publishEvent(ctx, events.Escalated, instanceID, map[string]interface{}{
		"from":       esc.state,
		"to":         inst.CurrentState,
		"transition": esc.transition,
	})
}

// loadInstance maps storage lookups to InstanceNotFound.
func (a *WorkflowAPI) loadInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	inst, err := a.storage.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return types.WorkflowInstance{}, &Error{Kind: KindInstanceNotFound, InstanceID: instanceID, Cause: err}
		}
		return types.WorkflowInstance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func (a *WorkflowAPI) newExecutionContext(inst types.WorkflowInstance, def *types.WorkflowDefinition, transition, triggeredBy string, payload map[string]interface{}) *ExecutionContext {
	ec := NewExecutionContext(inst.ID, inst.Data, a.logger)
	ec.DefinitionName = def.Name
	ec.Definition = def
	ec.FromState = inst.CurrentState
	ec.Transition = transition
	ec.TriggeredBy = triggeredBy
	ec.Sequence = len(inst.History)
	if transition != "" {
		ec.Sequence++
	}
	ec.tasks = a
	for k, v := range payload {
		if k == "comment" {
			ec.Comment, _ = v.(string)
			continue
		}
		ec.SetData(k, deepcopy.Copy(v))
	}
	return ec
}

// publishEvent hands an event to the bus without blocking on delivery.
func (a *WorkflowAPI) publishEvent(ctx context.Context, eventType, instanceID string, data map[string]interface{}) {
	if !a.bus.HasSubscribers(eventType) {
		return
	}
	err := a.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		Timestamp:  a.now(),
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		a.logger.Warn("Failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// newTaskID returns a random task id.
func newTaskID() string {
	return uuid.NewString()
}
