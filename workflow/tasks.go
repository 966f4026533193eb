package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohae/deepcopy"
	"github.com/objectql/objectos-sub008/events"
	"github.com/objectql/objectos-sub008/storage"
	"github.com/objectql/objectos-sub008/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Decision keys read by the default task router.
const (
	DecisionTransition = "transition"
	DecisionApproved   = "approved"

	TransitionApprove = "approve"
	TransitionReject  = "reject"
)

// RouteContext describes a task that has just been completed.
type RouteContext struct {
	Instance   types.WorkflowInstance
	Definition *types.WorkflowDefinition
	Task       types.WorkflowTask
}

// TaskRouter decides which transition, if any, a completed task fires.
// It runs while the instance lock is held.
type TaskRouter interface {
	RouteTask(ctx context.Context, rc RouteContext) (string, error)
}

// TaskRouterFunc is a function adapter for TaskRouter.
type TaskRouterFunc func(ctx context.Context, rc RouteContext) (string, error)

// RouteTask implements the TaskRouter interface.
func (f TaskRouterFunc) RouteTask(ctx context.Context, rc RouteContext) (string, error) {
	return f(ctx, rc)
}

// DefaultTaskRouter routes by the task decision: an explicit "transition"
// wins, otherwise "approved" selects approve or reject. Without either no
// transition fires.
func DefaultTaskRouter() TaskRouter {
	return TaskRouterFunc(func(ctx context.Context, rc RouteContext) (string, error) {
		return TransitionFromDecision(rc.Task.Decision), nil
	})
}

// TransitionFromDecision applies the default routing rules to a decision.
func TransitionFromDecision(decision map[string]interface{}) string {
	if name, ok := decision[DecisionTransition].(string); ok && name != "" {
		return name
	}
	if approved, ok := decision[DecisionApproved].(bool); ok {
		if approved {
			return TransitionApprove
		}
		return TransitionReject
	}
	return ""
}

// CreateTask stores a pending task for a running instance. ID, status and
// creation time are assigned here; StateName defaults to the current state.
func (a *WorkflowAPI) CreateTask(ctx context.Context, task types.WorkflowTask) (types.WorkflowTask, error) {
	if task.InstanceID == "" {
		return types.WorkflowTask{}, errors.New("task instance ID is required")
	}
	inst, err := a.loadInstance(ctx, task.InstanceID)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	if inst.Status != types.StatusRunning {
		return types.WorkflowTask{}, &Error{Kind: KindInvalidState, InstanceID: inst.ID, Status: string(inst.Status)}
	}

	if task.ID == "" {
		task.ID = newTaskID()
	}
	if task.StateName == "" {
		task.StateName = inst.CurrentState
	}
	task.Data, _ = deepcopy.Copy(task.Data).(map[string]interface{})
	task.Status = types.TaskPending
	task.CreatedAt = a.now()
	task.CompletedAt = nil
	task.CompletedBy = ""
	task.Decision = nil

	if err := a.storage.SaveTask(ctx, task); err != nil {
		return types.WorkflowTask{}, fmt.Errorf("failed to save task: %w", err)
	}

	a.logger.Debug("Task created",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("assigned_to", task.AssignedTo))
	a.publishEvent(ctx, events.TaskCreated, task.InstanceID, map[string]interface{}{
		"taskId":     task.ID,
		"name":       task.Name,
		"assignedTo": task.AssignedTo,
		"state":      task.StateName,
	})
	return task, nil
}

// GetTask returns a task by id.
func (a *WorkflowAPI) GetTask(ctx context.Context, taskID string) (types.WorkflowTask, error) {
	task, err := a.storage.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return types.WorkflowTask{}, &Error{Kind: KindTaskNotFound, TaskID: taskID, Cause: err}
		}
		return types.WorkflowTask{}, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// GetInstanceTasks returns every task of an instance in creation order.
func (a *WorkflowAPI) GetInstanceTasks(ctx context.Context, instanceID string) ([]types.WorkflowTask, error) {
	if _, err := a.loadInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return a.storage.QueryTasks(ctx, types.TaskFilter{InstanceID: instanceID})
}

// QueryTasks returns tasks matching filter, e.g. the pending tasks of one
// assignee.
func (a *WorkflowAPI) QueryTasks(ctx context.Context, filter types.TaskFilter) ([]types.WorkflowTask, error) {
	return a.storage.QueryTasks(ctx, filter)
}

// CompleteTask records a decision on a pending task and fires the transition
// chosen by the task router. If that transition fails the task is returned
// to pending and the error is reported.
func (a *WorkflowAPI) CompleteTask(ctx context.Context, taskID, completedBy string, decision map[string]interface{}) (inst types.WorkflowInstance, err error) {
	ctx, span := a.tracer.Start(ctx, "workflow.CompleteTask", trace.WithAttributes(
		attribute.String("workflow.task_id", taskID),
		attribute.String("workflow.completed_by", completedBy),
	))
	defer func() { endSpan(span, err) }()

	task, err := a.GetTask(ctx, taskID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	span.SetAttributes(attribute.String("workflow.instance_id", task.InstanceID))

	unlock, err := a.locks.lock(ctx, task.InstanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent completion may have won.
	task, err = a.GetTask(ctx, taskID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if task.Status != types.TaskPending {
		return types.WorkflowInstance{}, &Error{Kind: KindInvalidState, TaskID: taskID, InstanceID: task.InstanceID, Status: string(task.Status)}
	}
	inst, err = a.loadInstance(ctx, task.InstanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.Status != types.StatusRunning {
		return types.WorkflowInstance{}, &Error{Kind: KindInvalidState, InstanceID: inst.ID, Status: string(inst.Status)}
	}

	decision, _ = deepcopy.Copy(decision).(map[string]interface{})
	if decision == nil {
		decision = make(map[string]interface{})
	}
	now := a.now()
	status := types.TaskCompleted
	completed, err := a.storage.UpdateTask(ctx, taskID, types.TaskPatch{
		Status:      &status,
		Decision:    decision,
		CompletedAt: &now,
		CompletedBy: &completedBy,
	})
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to update task: %w", err)
	}

	def, err := a.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		a.reopenTask(ctx, taskID)
		return types.WorkflowInstance{}, err
	}

	a.mu.RLock()
	router := a.router
	a.mu.RUnlock()

	transition, err := router.RouteTask(ctx, RouteContext{Instance: inst, Definition: &def, Task: completed})
	if err != nil {
		a.reopenTask(ctx, taskID)
		return types.WorkflowInstance{}, fmt.Errorf("failed to route task %s: %w", taskID, err)
	}

	if transition != "" {
		inst, err = a.executeLocked(ctx, inst.ID, transition, completedBy, decision, nil)
		if err != nil {
			a.reopenTask(ctx, taskID)
			return types.WorkflowInstance{}, err
		}
	} else {
		inst, err = a.loadInstance(ctx, inst.ID)
		if err != nil {
			return types.WorkflowInstance{}, err
		}
	}

	a.logger.Info("Task completed",
		zap.String("task_id", taskID),
		zap.String("instance_id", inst.ID),
		zap.String("completed_by", completedBy),
		zap.String("transition", transition))
	a.publishEvent(ctx, events.TaskCompleted, inst.ID, map[string]interface{}{
		"taskId":      taskID,
		"completedBy": completedBy,
		"transition":  transition,
	})
	return inst, nil
}

// reopenTask undoes a completion whose transition did not commit.
func (a *WorkflowAPI) reopenTask(ctx context.Context, taskID string) {
	status := types.TaskPending
	if _, err := a.storage.UpdateTask(ctx, taskID, types.TaskPatch{Status: &status, ClearCompletion: true}); err != nil {
		a.logger.Error("Failed to reopen task", zap.String("task_id", taskID), zap.Error(err))
	}
}

// ReassignTask hands a pending task to another assignee. The task keeps its
// status; the previous assignee and the reason are recorded in its data.
func (a *WorkflowAPI) ReassignTask(ctx context.Context, taskID, assignee, reassignedBy, reason string) (types.WorkflowTask, error) {
	if assignee == "" {
		return types.WorkflowTask{}, errors.New("assignee is required")
	}
	task, err := a.GetTask(ctx, taskID)
	if err != nil {
		return types.WorkflowTask{}, err
	}

	unlock, err := a.locks.lock(ctx, task.InstanceID)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	defer unlock()

	task, err = a.GetTask(ctx, taskID)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	if task.Status != types.TaskPending {
		return types.WorkflowTask{}, &Error{Kind: KindInvalidState, TaskID: taskID, InstanceID: task.InstanceID, Status: string(task.Status)}
	}

	updated, err := a.storage.UpdateTask(ctx, taskID, types.TaskPatch{
		AssignedTo: &assignee,
		Data: map[string]interface{}{
			"delegatedFrom":    task.AssignedTo,
			"delegatedBy":      reassignedBy,
			"delegationReason": reason,
		},
	})
	if err != nil {
		return types.WorkflowTask{}, fmt.Errorf("failed to update task: %w", err)
	}

	a.logger.Info("Task reassigned",
		zap.String("task_id", taskID),
		zap.String("from", task.AssignedTo),
		zap.String("to", assignee),
		zap.String("by", reassignedBy))
	a.publishEvent(ctx, events.TaskReassigned, task.InstanceID, map[string]interface{}{
		"taskId": taskID,
		"from":   task.AssignedTo,
		"to":     assignee,
		"by":     reassignedBy,
		"reason": reason,
	})
	return updated, nil
}

// CancelTask cancels a pending task. It does not take the instance lock, so
// task routers may call it while a completion is in progress.
func (a *WorkflowAPI) CancelTask(ctx context.Context, taskID, reason string) (types.WorkflowTask, error) {
	task, err := a.GetTask(ctx, taskID)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	if task.Status != types.TaskPending {
		return types.WorkflowTask{}, &Error{Kind: KindInvalidState, TaskID: taskID, InstanceID: task.InstanceID, Status: string(task.Status)}
	}
	status := types.TaskCancelled
	updated, err := a.storage.UpdateTask(ctx, taskID, types.TaskPatch{
		Status: &status,
		Data:   map[string]interface{}{"cancelReason": reason},
	})
	if err != nil {
		return types.WorkflowTask{}, fmt.Errorf("failed to update task: %w", err)
	}
	a.publishEvent(ctx, events.TaskCancelled, task.InstanceID, map[string]interface{}{
		"taskId": taskID,
		"reason": reason,
	})
	return updated, nil
}

// pendingTaskIDs lists the pending tasks an instance holds in state.
func (a *WorkflowAPI) pendingTaskIDs(ctx context.Context, instanceID, state string) ([]string, error) {
	tasks, err := a.storage.QueryTasks(ctx, types.TaskFilter{
		InstanceID: instanceID,
		Status:     types.TaskPending,
		StateName:  state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// cancelTaskIDs cancels the listed tasks that are still pending. Failures
// are logged; the owning operation has already succeeded or failed.
func (a *WorkflowAPI) cancelTaskIDs(ctx context.Context, ids []string, reason string) {
	for _, id := range ids {
		if _, err := a.CancelTask(ctx, id, reason); err != nil && !errors.Is(err, ErrInvalidState) {
			a.logger.Warn("Failed to cancel task", zap.String("task_id", id), zap.Error(err))
		}
	}
}

// cancelPendingTasks cancels every pending task of an instance.
func (a *WorkflowAPI) cancelPendingTasks(ctx context.Context, instanceID, reason string) {
	ids, err := a.pendingTaskIDs(ctx, instanceID, "")
	if err != nil {
		a.logger.Warn("Failed to list pending tasks", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	a.cancelTaskIDs(ctx, ids, reason)
}
