package workflow

import (
	"context"
	"fmt"

	"github.com/mohae/deepcopy"
	"github.com/objectql/objectos-sub008/types"
	"go.uber.org/zap"
)

// TaskCreator creates tasks on behalf of actions.
type TaskCreator interface {
	CreateTask(ctx context.Context, task types.WorkflowTask) (types.WorkflowTask, error)
}

// ExecutionContext is handed to every guard and action of one transition.
// Data is a private copy of the instance payload; it is written back only if
// the transition commits.
type ExecutionContext struct {
	InstanceID     string
	DefinitionName string
	Definition     *types.WorkflowDefinition
	FromState      string
	ToState        string
	Transition     string
	TriggeredBy    string
	Comment        string
	// Sequence is the history length the instance will have once the
	// transition commits.
	Sequence int
	Logger   *zap.Logger

	data    map[string]interface{}
	params  map[string]interface{}
	tasks   TaskCreator
	created []string
}

// NewExecutionContext copies data so that guards and actions never touch
// the caller's map.
func NewExecutionContext(instanceID string, data map[string]interface{}, logger *zap.Logger) *ExecutionContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied, _ := deepcopy.Copy(data).(map[string]interface{})
	if copied == nil {
		copied = make(map[string]interface{})
	}
	return &ExecutionContext{
		InstanceID: instanceID,
		Logger:     logger.With(zap.String("instance_id", instanceID)),
		data:       copied,
	}
}

// Get returns a data value.
func (c *ExecutionContext) Get(key string) (interface{}, bool) {
	v, ok := c.data[key]
	return v, ok
}

// GetString returns a data value as a string, or "" if absent or not a string.
func (c *ExecutionContext) GetString(key string) string {
	s, _ := c.data[key].(string)
	return s
}

// SetData records a data value.
func (c *ExecutionContext) SetData(key string, value interface{}) {
	c.data[key] = value
}

// Data exposes the working copy of the payload.
func (c *ExecutionContext) Data() map[string]interface{} {
	return c.data
}

// Params returns the parameters of the guard or action currently running.
func (c *ExecutionContext) Params() map[string]interface{} {
	if c.params == nil {
		return map[string]interface{}{}
	}
	return c.params
}

// Param returns a single parameter of the current guard or action.
func (c *ExecutionContext) Param(key string) (interface{}, bool) {
	v, ok := c.params[key]
	return v, ok
}

// State returns the config of the state being entered, or nil.
func (c *ExecutionContext) State() *types.StateConfig {
	if c.Definition == nil {
		return nil
	}
	state, _ := c.Definition.State(c.ToState)
	return state
}

// CreateTask creates a task owned by this instance and the entered state.
// Tasks created by a transition that later fails are cancelled.
func (c *ExecutionContext) CreateTask(ctx context.Context, task types.WorkflowTask) (types.WorkflowTask, error) {
	if c.tasks == nil {
		return types.WorkflowTask{}, fmt.Errorf("no task store attached to instance %s", c.InstanceID)
	}
	task.InstanceID = c.InstanceID
	if task.StateName == "" {
		task.StateName = c.ToState
	}
	created, err := c.tasks.CreateTask(ctx, task)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	c.created = append(c.created, created.ID)
	return created, nil
}

// env is the variable scope for expression guards.
func (c *ExecutionContext) env() map[string]interface{} {
	env := make(map[string]interface{}, len(c.data)+len(c.params)+4)
	for k, v := range c.data {
		env[k] = v
	}
	for k, v := range c.params {
		env[k] = v
	}
	env["triggeredBy"] = c.TriggeredBy
	env["fromState"] = c.FromState
	env["toState"] = c.ToState
	env["transition"] = c.Transition
	return env
}

func (c *ExecutionContext) withParams(params map[string]interface{}) {
	c.params = params
}
