package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/objectql/objectos-sub008/notification"
	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"go.uber.org/zap"
)

// Service runs approval chains. It opens rounds through the request_approval
// action and advances them as the orchestrator's task router.
type Service struct {
	api      *workflow.WorkflowAPI
	notifier *notification.Service
	logger   *zap.Logger
}

// NewService creates an approval service, registers its action on the API's
// engine and installs it as the API's task router. notifier may be nil.
func NewService(api *workflow.WorkflowAPI, notifier *notification.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{api: api, notifier: notifier, logger: logger}
	api.Engine().RegisterAction(ActionName, workflow.ActionFunc(s.requestApproval))
	api.SetTaskRouter(s)
	return s
}

// requestApproval opens a new round on the state being entered.
func (s *Service) requestApproval(ctx context.Context, ec *workflow.ExecutionContext) error {
	var (
		chain types.ApprovalChain
		err   error
	)
	if raw, ok := ec.Param(ParamChain); ok {
		chain, err = ParseChain(raw)
	} else if ec.Definition != nil {
		chain, err = ChainFor(ec.Definition, ec.ToState)
	} else {
		err = ErrNoChain
	}
	if err != nil {
		return err
	}

	ec.Logger.Info("Approval requested",
		zap.String("state", ec.ToState),
		zap.Int("round", ec.Sequence),
		zap.Int("levels", len(chain.Levels)))
	return s.openLevel(ctx, ec.CreateTask, chain, ec.Sequence, 0, 0, notification.Vars(ec))
}

type createFunc func(ctx context.Context, task types.WorkflowTask) (types.WorkflowTask, error)

// openLevel creates the tasks of one level: every approver's at once for
// parallel levels, otherwise the approver at position. If any creation fails
// the tasks it already created are cancelled.
func (s *Service) openLevel(ctx context.Context, create createFunc, chain types.ApprovalChain, round, level, position int, vars map[string]interface{}) error {
	lvl := chain.Levels[level]
	positions := []int{position}
	if lvl.Parallel {
		positions = positions[:0]
		for i := range lvl.Approvers {
			positions = append(positions, i)
		}
	}

	var created []string
	for _, pos := range positions {
		approver := lvl.Approvers[pos]
		name := chain.TaskName
		if name == "" {
			name = fmt.Sprintf("Approval level %d", lvl.Level)
		}
		task, err := create(ctx, types.WorkflowTask{
			Name:        name,
			Description: chain.TaskDescription,
			AssignedTo:  approver,
			Approval:    &types.ApprovalRef{Round: round, Level: level, Position: pos},
		})
		if err != nil {
			s.cancelCreated(ctx, created)
			return fmt.Errorf("failed to create approval task for %s: %w", approver, err)
		}
		created = append(created, task.ID)
		s.notify(ctx, chain, approver, "Approval requested: {{taskName}}",
			"{{taskName}} is waiting for your decision.", vars, task)
	}
	return nil
}

func (s *Service) cancelCreated(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := s.api.CancelTask(ctx, id, "approval level could not be opened"); err != nil && !errors.Is(err, workflow.ErrInvalidState) {
			s.logger.Warn("Failed to cancel approval task", zap.String("task_id", id), zap.Error(err))
		}
	}
}

// RouteTask implements workflow.TaskRouter. Tasks outside a chain fall back
// to the default decision rules.
func (s *Service) RouteTask(ctx context.Context, rc workflow.RouteContext) (string, error) {
	task := rc.Task
	if task.Approval == nil {
		return workflow.TransitionFromDecision(task.Decision), nil
	}
	if name, ok := task.Decision[workflow.DecisionTransition].(string); ok && name != "" {
		return name, nil
	}
	approved, ok := task.Decision[workflow.DecisionApproved].(bool)
	if !ok {
		return "", fmt.Errorf("approval task %s needs an %q decision", task.ID, workflow.DecisionApproved)
	}

	chain, err := ChainFor(rc.Definition, task.StateName)
	if err != nil {
		return "", err
	}
	ref := *task.Approval
	if ref.Level >= len(chain.Levels) {
		return "", fmt.Errorf("approval task %s refers to level %d of a %d level chain", task.ID, ref.Level+1, len(chain.Levels))
	}

	logger := s.logger.With(
		zap.String("instance_id", rc.Instance.ID),
		zap.String("task_id", task.ID),
		zap.Int("round", ref.Round),
		zap.Int("level", chain.Levels[ref.Level].Level))

	if !approved {
		logger.Info("Approval rejected", zap.String("by", task.CompletedBy))
		return chain.RejectTransition, nil
	}

	level := chain.Levels[ref.Level]
	siblings, err := s.levelTasks(ctx, rc.Instance.ID, task.StateName, ref)
	if err != nil {
		return "", err
	}

	if level.Required {
		if !level.Parallel && ref.Position+1 < len(level.Approvers) {
			logger.Info("Approval passed to next approver")
			return "", s.openLevel(ctx, s.createFor(rc.Instance.ID, task.StateName), chain, ref.Round, ref.Level, ref.Position+1, s.vars(rc))
		}
		if approvedCount(siblings) < len(level.Approvers) {
			logger.Debug("Waiting for remaining approvers")
			return "", nil
		}
	}

	if ref.Level+1 < len(chain.Levels) {
		for _, t := range siblings {
			if t.Status == types.TaskPending {
				if _, err := s.api.CancelTask(ctx, t.ID, "approval level completed"); err != nil && !errors.Is(err, workflow.ErrInvalidState) {
					return "", err
				}
			}
		}
		logger.Info("Approval level completed")
		return "", s.openLevel(ctx, s.createFor(rc.Instance.ID, task.StateName), chain, ref.Round, ref.Level+1, 0, s.vars(rc))
	}

	logger.Info("Approval chain completed")
	return chain.ApproveTransition, nil
}

// levelTasks returns the tasks of one level of one round.
func (s *Service) levelTasks(ctx context.Context, instanceID, state string, ref types.ApprovalRef) ([]types.WorkflowTask, error) {
	tasks, err := s.api.QueryTasks(ctx, types.TaskFilter{InstanceID: instanceID, StateName: state})
	if err != nil {
		return nil, fmt.Errorf("failed to query approval tasks: %w", err)
	}
	var out []types.WorkflowTask
	for _, t := range tasks {
		if t.Approval != nil && t.Approval.Round == ref.Round && t.Approval.Level == ref.Level {
			out = append(out, t)
		}
	}
	return out, nil
}

func approvedCount(tasks []types.WorkflowTask) int {
	n := 0
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			continue
		}
		if ok, _ := t.Decision[workflow.DecisionApproved].(bool); ok {
			n++
		}
	}
	return n
}

func (s *Service) createFor(instanceID, state string) createFunc {
	return func(ctx context.Context, task types.WorkflowTask) (types.WorkflowTask, error) {
		task.InstanceID = instanceID
		task.StateName = state
		return s.api.CreateTask(ctx, task)
	}
}

func (s *Service) vars(rc workflow.RouteContext) map[string]interface{} {
	vars := make(map[string]interface{}, len(rc.Instance.Data)+3)
	for k, v := range rc.Instance.Data {
		vars[k] = v
	}
	vars["instanceId"] = rc.Instance.ID
	vars["definition"] = rc.Instance.DefinitionName
	vars["state"] = rc.Instance.CurrentState
	return vars
}

// Delegate hands a pending approval task to another approver. It is not a
// decision and does not advance the chain.
func (s *Service) Delegate(ctx context.Context, taskID, to, by, reason string) (types.WorkflowTask, error) {
	task, err := s.api.ReassignTask(ctx, taskID, to, by, reason)
	if err != nil {
		return types.WorkflowTask{}, err
	}

	inst, err := s.api.GetInstance(ctx, task.InstanceID)
	if err != nil {
		s.logger.Warn("Delegation notice skipped", zap.String("task_id", taskID), zap.Error(err))
		return task, nil
	}
	def, err := s.api.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		s.logger.Warn("Delegation notice skipped", zap.String("task_id", taskID), zap.Error(err))
		return task, nil
	}
	chain, err := ChainFor(&def, task.StateName)
	if err != nil {
		return task, nil
	}

	vars := s.vars(workflow.RouteContext{Instance: inst})
	vars["delegatedBy"] = by
	vars["delegationReason"] = reason
	s.notify(ctx, chain, to, "Approval delegated: {{taskName}}",
		"{{delegatedBy}} delegated {{taskName}} to you. {{delegationReason}}", vars, task)
	return task, nil
}

func (s *Service) notify(ctx context.Context, chain types.ApprovalChain, recipient, subject, message string, vars map[string]interface{}, task types.WorkflowTask) {
	if s.notifier == nil || chain.Channel == "" {
		return
	}
	s.notifier.Send(ctx, notification.Config{
		Channel:    chain.Channel,
		Recipients: []string{recipient},
		Subject:    subject,
		Message:    message,
		Data: map[string]interface{}{
			"taskId":   task.ID,
			"taskName": task.Name,
		},
	}, vars)
}
