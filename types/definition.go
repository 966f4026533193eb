package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ProcessType classifies a workflow definition.
type ProcessType string

const (
	ProcessApproval     ProcessType = "approval"
	ProcessSequential   ProcessType = "sequential"
	ProcessParallel     ProcessType = "parallel"
	ProcessConditional  ProcessType = "conditional"
	ProcessAutolaunched ProcessType = "autolaunched"
)

// Valid reports whether p is one of the known process types.
func (p ProcessType) Valid() bool {
	switch p {
	case ProcessApproval, ProcessSequential, ProcessParallel, ProcessConditional, ProcessAutolaunched:
		return true
	}
	return false
}

// WorkflowDefinition is the static description of a process. It is treated as
// immutable once registered.
type WorkflowDefinition struct {
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	ProcessType  ProcessType   `json:"processType,omitempty" yaml:"processType,omitempty"`
	Version      string        `json:"version" yaml:"version"`
	InitialState string        `json:"initialState" yaml:"initialState"`
	States       []StateConfig `json:"states" yaml:"states"`
}

// StateConfig describes one named state and its outgoing transitions.
type StateConfig struct {
	Name           string                 `json:"name" yaml:"name"`
	Initial        bool                   `json:"initial,omitempty" yaml:"initial,omitempty"`
	Final          bool                   `json:"final,omitempty" yaml:"final,omitempty"`
	OnEnterActions []ActionRef            `json:"onEnterActions,omitempty" yaml:"onEnterActions,omitempty"`
	OnExitActions  []ActionRef            `json:"onExitActions,omitempty" yaml:"onExitActions,omitempty"`
	Transitions    []TransitionConfig     `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TransitionConfig is a named, guarded edge out of a state.
type TransitionConfig struct {
	Name                string      `json:"name" yaml:"name"`
	Target              string      `json:"target" yaml:"target"`
	Guards              []GuardRef  `json:"guards,omitempty" yaml:"guards,omitempty"`
	Actions             []ActionRef `json:"actions,omitempty" yaml:"actions,omitempty"`
	TimeoutMs           int64       `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	OnTimeoutTransition string      `json:"onTimeoutTransition,omitempty" yaml:"onTimeoutTransition,omitempty"`
}

// GuardRef names a guard. When no guard function is registered under Name and
// Expression is set, the expression is evaluated against the instance data.
type GuardRef struct {
	Name       string                 `json:"name" yaml:"name"`
	Expression string                 `json:"expression,omitempty" yaml:"expression,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// ActionRef names an action together with its static parameters.
type ActionRef struct {
	Name   string                 `json:"name" yaml:"name"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// UnmarshalYAML accepts either a bare guard name or a mapping.
func (g *GuardRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		g.Name = node.Value
		return nil
	}
	type plain GuardRef
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	*g = GuardRef(p)
	return nil
}

// UnmarshalYAML accepts either a bare action name or a mapping.
func (a *ActionRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Name = node.Value
		return nil
	}
	type plain ActionRef
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	*a = ActionRef(p)
	return nil
}

// State returns the state with the given name.
func (d *WorkflowDefinition) State(name string) (*StateConfig, bool) {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i], true
		}
	}
	return nil, false
}

// StateNames returns the state names in declaration order.
func (d *WorkflowDefinition) StateNames() []string {
	names := make([]string, 0, len(d.States))
	for _, s := range d.States {
		names = append(names, s.Name)
	}
	return names
}

// Transition returns the transition with the given name.
func (s *StateConfig) Transition(name string) (*TransitionConfig, bool) {
	for i := range s.Transitions {
		if s.Transitions[i].Name == name {
			return &s.Transitions[i], true
		}
	}
	return nil, false
}

// TransitionNames returns the transition names in declaration order.
func (s *StateConfig) TransitionNames() []string {
	names := make([]string, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		names = append(names, t.Name)
	}
	return names
}

// GuardNames returns the names of the transition's guards in order.
func (t *TransitionConfig) GuardNames() []string {
	names := make([]string, 0, len(t.Guards))
	for _, g := range t.Guards {
		names = append(names, g.Name)
	}
	return names
}
