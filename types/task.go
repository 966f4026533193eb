package types

import (
	"time"

	"github.com/mohae/deepcopy"
)

// TaskStatus is the status of a human task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// WorkflowTask is one pending human decision point of an instance.
type WorkflowTask struct {
	ID          string                 `json:"id"`
	InstanceID  string                 `json:"instanceId"`
	StateName   string                 `json:"stateName,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	AssignedTo  string                 `json:"assignedTo"`
	Status      TaskStatus             `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Decision    map[string]interface{} `json:"decision,omitempty"`
	Approval    *ApprovalRef           `json:"approval,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	CompletedBy string                 `json:"completedBy,omitempty"`
}

// ApprovalRef ties a task to its position in an approval chain. Round
// identifies one entry into the approval state; Level and Position index the
// chain's levels and the level's approvers.
type ApprovalRef struct {
	Round    int `json:"round"`
	Level    int `json:"level"`
	Position int `json:"position"`
}

// TaskPatch is a partial update applied by Storage.UpdateTask.
type TaskPatch struct {
	AssignedTo  *string
	Status      *TaskStatus
	Data        map[string]interface{}
	Decision    map[string]interface{}
	CompletedAt *time.Time
	CompletedBy *string
	// ClearCompletion resets CompletedAt, CompletedBy and Decision.
	ClearCompletion bool
}

// Apply mutates task with the patch. Data keys are merged.
func (p TaskPatch) Apply(task *WorkflowTask) {
	if p.AssignedTo != nil {
		task.AssignedTo = *p.AssignedTo
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if len(p.Data) > 0 {
		if task.Data == nil {
			task.Data = make(map[string]interface{}, len(p.Data))
		}
		for k, v := range p.Data {
			task.Data[k] = v
		}
	}
	if p.ClearCompletion {
		task.CompletedAt = nil
		task.CompletedBy = ""
		task.Decision = nil
	}
	if p.Decision != nil {
		task.Decision = p.Decision
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		task.CompletedAt = &t
	}
	if p.CompletedBy != nil {
		task.CompletedBy = *p.CompletedBy
	}
}

// TaskFilter selects tasks in Storage.QueryTasks. Results are ordered by
// creation time.
type TaskFilter struct {
	InstanceID string
	AssignedTo string
	Status     TaskStatus
	StateName  string
}

// Matches reports whether task satisfies the filter.
func (f TaskFilter) Matches(task *WorkflowTask) bool {
	if f.InstanceID != "" && task.InstanceID != f.InstanceID {
		return false
	}
	if f.AssignedTo != "" && task.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.StateName != "" && task.StateName != f.StateName {
		return false
	}
	return true
}

// Clone returns a deep copy of t.
func (t *WorkflowTask) Clone() *WorkflowTask {
	c := *t
	c.Data = copyMap(t.Data)
	c.Decision = copyMap(t.Decision)
	if t.Approval != nil {
		a := *t.Approval
		c.Approval = &a
	}
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c, _ := deepcopy.Copy(m).(map[string]interface{})
	return c
}
