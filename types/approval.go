package types

// ApprovalChain is an ordered list of approval levels plus the transitions
// fired when the chain resolves.
type ApprovalChain struct {
	Levels            []ApprovalLevel `json:"levels" yaml:"levels" mapstructure:"levels"`
	ApproveTransition string          `json:"approveTransition,omitempty" yaml:"approveTransition,omitempty" mapstructure:"approveTransition"`
	RejectTransition  string          `json:"rejectTransition,omitempty" yaml:"rejectTransition,omitempty" mapstructure:"rejectTransition"`
	Channel           string          `json:"channel,omitempty" yaml:"channel,omitempty" mapstructure:"channel"`
	TaskName          string          `json:"taskName,omitempty" yaml:"taskName,omitempty" mapstructure:"taskName"`
	TaskDescription   string          `json:"taskDescription,omitempty" yaml:"taskDescription,omitempty" mapstructure:"taskDescription"`
}

// ApprovalLevel is one step of an approval chain. Parallel levels create every
// approver's task at once; otherwise approvers are asked one after another.
// Required levels need every approver to approve; otherwise the first approval
// completes the level.
type ApprovalLevel struct {
	Level     int      `json:"level" yaml:"level" mapstructure:"level"`
	Approvers []string `json:"approvers" yaml:"approvers" mapstructure:"approvers"`
	Required  bool     `json:"required" yaml:"required" mapstructure:"required"`
	Parallel  bool     `json:"parallel" yaml:"parallel" mapstructure:"parallel"`
}
