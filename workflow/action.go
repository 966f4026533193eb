package workflow

import "context"

// Guard decides whether a transition may fire.
type Guard interface {
	Check(ctx context.Context, ec *ExecutionContext) (bool, error)
}

// GuardFunc is a function adapter for Guard.
type GuardFunc func(ctx context.Context, ec *ExecutionContext) (bool, error)

// Check implements the Guard interface.
func (f GuardFunc) Check(ctx context.Context, ec *ExecutionContext) (bool, error) {
	return f(ctx, ec)
}

// Action is a side effect run on state exit, on a transition, or on state entry.
type Action interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, ec *ExecutionContext) error

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}
