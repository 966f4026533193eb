package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/objectql/objectos-sub008/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFromDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision map[string]interface{}
		want     string
	}{
		{"Approved", map[string]interface{}{"approved": true}, "approve"},
		{"Rejected", map[string]interface{}{"approved": false}, "reject"},
		{"ExplicitTransitionWins", map[string]interface{}{"approved": true, "transition": "request_changes"}, "request_changes"},
		{"NoDecision", map[string]interface{}{"note": "seen"}, ""},
		{"Nil", nil, ""},
		{"NonBoolApproved", map[string]interface{}{"approved": "yes"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TransitionFromDecision(tt.decision))
		})
	}
}

// submittedDocument starts a document and moves it to pending_approval with
// one review task for manager.
func submittedDocument(t *testing.T, api *WorkflowAPI) (types.WorkflowInstance, types.WorkflowTask) {
	t.Helper()
	ctx := context.Background()
	inst, err := api.StartWorkflow(ctx, "document_review", completeDocument, "z")
	require.NoError(t, err)
	inst, err = api.ExecuteTransition(ctx, inst.ID, "submit", "z", nil)
	require.NoError(t, err)
	task, err := api.CreateTask(ctx, types.WorkflowTask{InstanceID: inst.ID, Name: "review", AssignedTo: "manager"})
	require.NoError(t, err)
	return inst, task
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	api := newDocumentAPI(t)
	inst, task := submittedDocument(t, api)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, "pending_approval", task.StateName)
	assert.False(t, task.CreatedAt.IsZero())

	tasks, err := api.GetInstanceTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	_, err = api.CreateTask(ctx, types.WorkflowTask{InstanceID: "missing"})
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = api.AbortWorkflow(ctx, inst.ID, "admin")
	require.NoError(t, err)
	_, err = api.CreateTask(ctx, types.WorkflowTask{InstanceID: inst.ID, AssignedTo: "x"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = api.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCompleteTask(t *testing.T) {
	ctx := context.Background()

	t.Run("ApprovalFiresTransition", func(t *testing.T) {
		api := newDocumentAPI(t)
		inst, task := submittedDocument(t, api)

		done, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"approved": true, "comment": "ok"})
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, done.Status)
		assert.Equal(t, "approved", done.CurrentState)
		assert.Equal(t, "manager", done.CompletedBy)
		assert.Equal(t, "ok", done.History[len(done.History)-1].Comment)

		stored, err := api.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCompleted, stored.Status)
		assert.Equal(t, "manager", stored.CompletedBy)
		assert.Equal(t, true, stored.Decision["approved"])
		assert.Equal(t, inst.ID, stored.InstanceID)
	})

	t.Run("RejectionFiresReject", func(t *testing.T) {
		api := newDocumentAPI(t)
		_, task := submittedDocument(t, api)

		done, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"approved": false})
		require.NoError(t, err)
		assert.Equal(t, "rejected", done.CurrentState)
	})

	t.Run("NoDecisionNoTransition", func(t *testing.T) {
		api := newDocumentAPI(t)
		inst, task := submittedDocument(t, api)

		after, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"note": "read"})
		require.NoError(t, err)
		assert.Equal(t, inst.CurrentState, after.CurrentState)
		assert.Len(t, after.History, len(inst.History))
	})

	t.Run("FailedTransitionReopensTask", func(t *testing.T) {
		api := newDocumentAPI(t)
		inst, task := submittedDocument(t, api)

		_, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"transition": "escalate"})
		require.ErrorIs(t, err, ErrTransitionNotFound)

		reopened, err := api.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, reopened.Status)
		assert.Nil(t, reopened.CompletedAt)
		assert.Empty(t, reopened.CompletedBy)
		assert.Nil(t, reopened.Decision)

		after, err := api.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "pending_approval", after.CurrentState)
	})

	t.Run("RouterErrorReopensTask", func(t *testing.T) {
		api := newDocumentAPI(t, WithTaskRouter(TaskRouterFunc(func(ctx context.Context, rc RouteContext) (string, error) {
			return "", errors.New("router offline")
		})))
		_, task := submittedDocument(t, api)

		_, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"approved": true})
		assert.ErrorContains(t, err, "router offline")

		reopened, err := api.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, reopened.Status)
	})

	t.Run("CompletedTwice", func(t *testing.T) {
		api := newDocumentAPI(t)
		_, task := submittedDocument(t, api)

		_, err := api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"note": "first"})
		require.NoError(t, err)
		_, err = api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"approved": true})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("Missing", func(t *testing.T) {
		api := newDocumentAPI(t)
		_, err := api.CompleteTask(ctx, "missing", "manager", nil)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestPendingTasksCancelledOnExit(t *testing.T) {
	ctx := context.Background()
	api := newDocumentAPI(t)
	inst, task := submittedDocument(t, api)

	second, err := api.CreateTask(ctx, types.WorkflowTask{InstanceID: inst.ID, Name: "second opinion", AssignedTo: "director"})
	require.NoError(t, err)

	_, err = api.CompleteTask(ctx, task.ID, "manager", map[string]interface{}{"approved": true})
	require.NoError(t, err)

	other, err := api.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, other.Status)
}

func TestTasksCreatedByFailedTransitionAreCancelled(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.Engine().RegisterGuardFunc("has_required_fields", hasRequiredFields)
	api.Engine().RegisterActionFunc("assign_reviewer", func(ctx context.Context, ec *ExecutionContext) error {
		_, err := ec.CreateTask(ctx, types.WorkflowTask{Name: "review", AssignedTo: "manager"})
		return err
	})
	api.Engine().RegisterActionFunc("fail", func(ctx context.Context, ec *ExecutionContext) error {
		return errors.New("audit log unavailable")
	})

	def := documentDefinition()
	def.States[1].OnEnterActions = []types.ActionRef{{Name: "assign_reviewer"}, {Name: "fail"}}
	require.NoError(t, api.RegisterWorkflow(ctx, def))

	inst, err := api.StartWorkflow(ctx, def.Name, completeDocument, "z")
	require.NoError(t, err)
	_, err = api.ExecuteTransition(ctx, inst.ID, "submit", "z", nil)
	require.ErrorIs(t, err, ErrActionFailed)

	tasks, err := api.GetInstanceTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskCancelled, tasks[0].Status)
	assert.Equal(t, "pending_approval", tasks[0].StateName)
}

func TestReassignTask(t *testing.T) {
	ctx := context.Background()
	api := newDocumentAPI(t)
	inst, task := submittedDocument(t, api)

	moved, err := api.ReassignTask(ctx, task.ID, "deputy", "manager", "on leave")
	require.NoError(t, err)
	assert.Equal(t, "deputy", moved.AssignedTo)
	assert.Equal(t, types.TaskPending, moved.Status)
	assert.Equal(t, "manager", moved.Data["delegatedFrom"])
	assert.Equal(t, "manager", moved.Data["delegatedBy"])
	assert.Equal(t, "on leave", moved.Data["delegationReason"])

	after, err := api.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.CurrentState, after.CurrentState)
	assert.Len(t, after.History, len(inst.History))

	inbox, err := api.QueryTasks(ctx, types.TaskFilter{AssignedTo: "deputy", Status: types.TaskPending})
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	_, err = api.ReassignTask(ctx, task.ID, "", "manager", "")
	assert.Error(t, err)

	_, err = api.CompleteTask(ctx, task.ID, "deputy", map[string]interface{}{"approved": true})
	require.NoError(t, err)
	_, err = api.ReassignTask(ctx, task.ID, "someone", "manager", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}
