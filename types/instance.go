package types

import "time"

// Status is the lifecycle status of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusError
}

// WorkflowInstance represents one running execution of a definition.
type WorkflowInstance struct {
	ID                string                 `json:"id"`
	DefinitionName    string                 `json:"definitionName"`
	DefinitionVersion string                 `json:"definitionVersion"`
	CurrentState      string                 `json:"currentState"`
	Status            Status                 `json:"status"`
	Data              map[string]interface{} `json:"data"`
	History           []StateHistoryEntry    `json:"history"`
	StartedBy         string                 `json:"startedBy"`
	StartedAt         time.Time              `json:"startedAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	CompletedBy       string                 `json:"completedBy,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	AbortedAt         *time.Time             `json:"abortedAt,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// StateHistoryEntry records one committed transition.
type StateHistoryEntry struct {
	FromState      string    `json:"fromState"`
	ToState        string    `json:"toState"`
	TransitionName string    `json:"transitionName"`
	TriggeredBy    string    `json:"triggeredBy"`
	Timestamp      time.Time `json:"timestamp"`
	Comment        string    `json:"comment,omitempty"`
}

// Clone returns a copy that shares no slices or maps with i.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	c := *i
	c.Data = copyMap(i.Data)
	c.History = append([]StateHistoryEntry(nil), i.History...)
	return &c
}

// InstancePatch is a partial update applied by Storage.UpdateInstance. Nil
// fields are left untouched; History entries are appended.
type InstancePatch struct {
	CurrentState  *string
	Status        *Status
	Data          map[string]interface{}
	AppendHistory []StateHistoryEntry
	CompletedBy   *string
	CompletedAt   *time.Time
	AbortedAt     *time.Time
	Error         *string
	UpdatedAt     time.Time
}

// Apply mutates inst with the patch.
func (p InstancePatch) Apply(inst *WorkflowInstance) {
	if p.CurrentState != nil {
		inst.CurrentState = *p.CurrentState
	}
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.Data != nil {
		inst.Data = p.Data
	}
	if len(p.AppendHistory) > 0 {
		inst.History = append(inst.History, p.AppendHistory...)
	}
	if p.CompletedBy != nil {
		inst.CompletedBy = *p.CompletedBy
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		inst.CompletedAt = &t
	}
	if p.AbortedAt != nil {
		t := *p.AbortedAt
		inst.AbortedAt = &t
	}
	if p.Error != nil {
		inst.Error = *p.Error
	}
	if !p.UpdatedAt.IsZero() {
		inst.UpdatedAt = p.UpdatedAt
	}
}

// SortOrder is the direction of a query sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sortable instance fields.
const (
	SortByStartedAt      = "startedAt"
	SortByUpdatedAt      = "updatedAt"
	SortByCompletedAt    = "completedAt"
	SortByDefinitionName = "definitionName"
	SortByStatus         = "status"
)

// InstanceFilter selects instances in Storage.QueryInstances.
type InstanceFilter struct {
	Status         Status
	StartedBy      string
	DefinitionName string
	SortBy         string
	SortOrder      SortOrder
	Limit          int
	Skip           int
}

// Matches reports whether inst satisfies the filter's predicates.
func (f InstanceFilter) Matches(inst *WorkflowInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.StartedBy != "" && inst.StartedBy != f.StartedBy {
		return false
	}
	if f.DefinitionName != "" && inst.DefinitionName != f.DefinitionName {
		return false
	}
	return true
}
