package workflow

import (
	"strings"
	"testing"

	"github.com/objectql/objectos-sub008/types"
	"github.com/stretchr/testify/assert"
)

func TestValidateDefinition(t *testing.T) {
	valid := documentDefinition()

	tests := []struct {
		name   string
		mutate func(d *types.WorkflowDefinition)
		want   []string
	}{
		{
			name:   "Valid",
			mutate: func(d *types.WorkflowDefinition) {},
		},
		{
			name:   "MissingName",
			mutate: func(d *types.WorkflowDefinition) { d.Name = "" },
			want:   []string{"definition name is required"},
		},
		{
			name:   "UnknownProcessType",
			mutate: func(d *types.WorkflowDefinition) { d.ProcessType = "bpmn" },
			want:   []string{`unknown process type "bpmn"`},
		},
		{
			name:   "NoStates",
			mutate: func(d *types.WorkflowDefinition) { d.States = nil },
			want:   []string{"at least one state"},
		},
		{
			name:   "NoInitial",
			mutate: func(d *types.WorkflowDefinition) { d.States[0].Initial = false },
			want:   []string{"no state is marked initial"},
		},
		{
			name:   "TwoInitials",
			mutate: func(d *types.WorkflowDefinition) { d.States[1].Initial = true },
			want:   []string{"exactly one state must be initial, found 2"},
		},
		{
			name:   "InitialStateMismatch",
			mutate: func(d *types.WorkflowDefinition) { d.InitialState = "approved" },
			want:   []string{`initialState "approved" does not match initial state "draft"`},
		},
		{
			name: "NoFinal",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[2].Final = false
				d.States[3].Final = false
			},
			want: []string{"at least one state must be final"},
		},
		{
			name: "FinalWithTransitions",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[2].Transitions = []types.TransitionConfig{{Name: "reopen", Target: "draft"}}
			},
			want: []string{`final state "approved" must not declare transitions`},
		},
		{
			name: "GuardNameWithSeparator",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[1].Transitions[0].Guards = []types.GuardRef{{Name: "x&&y"}, {Name: " padded"}}
			},
			want: []string{
				`guard name "x&&y" must not contain`,
				`guard name " padded" must not contain`,
			},
		},
		{
			name: "DuplicateTransition",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[1].Transitions = append(d.States[1].Transitions, types.TransitionConfig{Name: "approve", Target: "rejected"})
			},
			want: []string{`state "pending_approval": duplicate transition "approve"`},
		},
		{
			name:   "UnknownTarget",
			mutate: func(d *types.WorkflowDefinition) { d.States[0].Transitions[0].Target = "limbo" },
			want:   []string{`transition "submit" targets unknown state "limbo"`},
		},
		{
			name: "DuplicateState",
			mutate: func(d *types.WorkflowDefinition) {
				d.States = append(d.States, types.StateConfig{Name: "rejected", Final: true})
			},
			want: []string{`duplicate state "rejected"`},
		},
		{
			name: "TimeoutWithoutDuration",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[0].Transitions[0].OnTimeoutTransition = "approve"
			},
			want: []string{"onTimeoutTransition requires timeoutMs"},
		},
		{
			name: "TimeoutTransitionMissingOnTarget",
			mutate: func(d *types.WorkflowDefinition) {
				d.States[0].Transitions[0].TimeoutMs = 1000
				d.States[0].Transitions[0].OnTimeoutTransition = "escalate"
			},
			want: []string{`timeout transition "escalate" is not declared on state "pending_approval"`},
		},
		{
			name: "CollectsEveryViolation",
			mutate: func(d *types.WorkflowDefinition) {
				d.Name = ""
				d.States[0].Transitions[0].Target = "limbo"
				d.States[2].Final = false
				d.States[3].Final = false
			},
			want: []string{
				"definition name is required",
				"at least one state must be final",
				`targets unknown state "limbo"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := cloneDefinition(valid)
			tt.mutate(&def)
			got := ValidateDefinition(def)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Len(t, got, len(tt.want), "violations: %v", got)
			joined := strings.Join(got, "\n")
			for _, w := range tt.want {
				assert.Contains(t, joined, w)
			}
		})
	}
}
