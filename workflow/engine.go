package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/objectql/objectos-sub008/rules"
	"github.com/objectql/objectos-sub008/types"
	"go.uber.org/zap"
)

// Evaluation is the outcome of Engine.EvaluateTransition. An unknown
// transition yields Allowed=false with Transition nil and FailedGuard empty.
type Evaluation struct {
	Allowed     bool
	FailedGuard string
	TargetState string
	Transition  *types.TransitionConfig
}

// Engine evaluates guards and runs actions. It holds no per-instance state
// and is safe to share between instances.
type Engine struct {
	guards    map[string]Guard
	actions   map[string]Action
	evaluator rules.Evaluator
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewEngine creates an Engine. A nil evaluator disables expression guards.
func NewEngine(evaluator rules.Evaluator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		guards:    make(map[string]Guard),
		actions:   make(map[string]Action),
		evaluator: evaluator,
		logger:    logger,
	}
}

// RegisterGuard registers a guard. Registering an existing name replaces it.
func (e *Engine) RegisterGuard(name string, guard Guard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.guards[name]; exists {
		e.logger.Debug("Guard re-registered", zap.String("guard", name))
	}
	e.guards[name] = guard
}

// RegisterGuardFunc registers a function as a guard.
func (e *Engine) RegisterGuardFunc(name string, fn func(ctx context.Context, ec *ExecutionContext) (bool, error)) {
	e.RegisterGuard(name, GuardFunc(fn))
}

// RegisterAction registers an action. Registering an existing name replaces it.
func (e *Engine) RegisterAction(name string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.actions[name]; exists {
		e.logger.Debug("Action re-registered", zap.String("action", name))
	}
	e.actions[name] = action
}

// RegisterActionFunc registers a function as an action.
func (e *Engine) RegisterActionFunc(name string, fn func(ctx context.Context, ec *ExecutionContext) error) {
	e.RegisterAction(name, ActionFunc(fn))
}

// HasGuard reports whether a guard function is registered under name.
func (e *Engine) HasGuard(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.guards[name]
	return ok
}

// HasAction reports whether an action is registered under name.
func (e *Engine) HasAction(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.actions[name]
	return ok
}

// EvaluateTransition checks the guards of transitionName on currentState in
// declared order and stops at the first one that does not pass. A guard that
// returns an error is reported as the failed guard and the error is returned
// alongside the evaluation.
func (e *Engine) EvaluateTransition(ctx context.Context, def *types.WorkflowDefinition, currentState, transitionName string, ec *ExecutionContext) (Evaluation, error) {
	state, ok := def.State(currentState)
	if !ok {
		return Evaluation{}, nil
	}
	transition, ok := state.Transition(transitionName)
	if !ok {
		return Evaluation{}, nil
	}

	result := Evaluation{TargetState: transition.Target, Transition: transition}
	for _, ref := range transition.Guards {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		passed, err := e.checkGuard(ctx, ref, ec)
		if err != nil {
			result.FailedGuard = ref.Name
			return result, err
		}
		if !passed {
			result.FailedGuard = ref.Name
			return result, nil
		}
	}
	result.Allowed = true
	return result, nil
}

// CheckExpressions compiles every guard expression of def when the
// evaluator supports compilation, and returns one violation per failure.
func (e *Engine) CheckExpressions(def types.WorkflowDefinition) []string {
	compiler, ok := e.evaluator.(interface{ Compile(string) error })
	if !ok {
		return nil
	}
	var violations []string
	for _, state := range def.States {
		for _, tr := range state.Transitions {
			for _, g := range tr.Guards {
				if g.Expression == "" {
					continue
				}
				if err := compiler.Compile(g.Expression); err != nil {
					violations = append(violations, fmt.Sprintf("state %q: transition %q: guard %q: invalid expression: %v",
						state.Name, tr.Name, g.Name, err))
				}
			}
		}
	}
	return violations
}

func (e *Engine) checkGuard(ctx context.Context, ref types.GuardRef, ec *ExecutionContext) (bool, error) {
	e.mu.RLock()
	guard, ok := e.guards[ref.Name]
	e.mu.RUnlock()

	ec.withParams(ref.Params)
	defer ec.withParams(nil)

	if ok {
		return guard.Check(ctx, ec)
	}
	if ref.Expression != "" && e.evaluator != nil {
		passed, err := e.evaluator.Evaluate(ref.Expression, ec.env())
		if err != nil {
			return false, fmt.Errorf("failed to evaluate guard expression '%s': %w", ref.Expression, err)
		}
		return passed, nil
	}
	return false, fmt.Errorf("%w: %s", ErrGuardNotRegistered, ref.Name)
}

// RunActions runs actions one after another in declared order and stops at
// the first failure, which is returned as an ActionFailed error.
func (e *Engine) RunActions(ctx context.Context, actions []types.ActionRef, ec *ExecutionContext) error {
	for _, ref := range actions {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindActionFailed, InstanceID: ec.InstanceID, Action: ref.Name, Cause: err}
		}

		e.mu.RLock()
		action, ok := e.actions[ref.Name]
		e.mu.RUnlock()
		if !ok {
			return &Error{Kind: KindActionFailed, InstanceID: ec.InstanceID, Action: ref.Name, Cause: ErrActionNotRegistered}
		}

		if err := e.runAction(ctx, action, ref, ec); err != nil {
			return &Error{Kind: KindActionFailed, InstanceID: ec.InstanceID, Action: ref.Name, Cause: err}
		}
	}
	return nil
}

// runAction turns a panicking action into an error.
func (e *Engine) runAction(ctx context.Context, action Action, ref types.ActionRef, ec *ExecutionContext) (err error) {
	ec.withParams(ref.Params)
	defer ec.withParams(nil)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action panicked", zap.String("action", ref.Name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic occurred: %v", r)
		}
	}()
	return action.Execute(ctx, ec)
}

// guardError builds the GuardRejected error for a failed evaluation.
func guardError(instanceID, transition string, eval Evaluation, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return &Error{
		Kind:       KindGuardRejected,
		InstanceID: instanceID,
		Transition: transition,
		Guard:      eval.FailedGuard,
		Cause:      cause,
	}
}
