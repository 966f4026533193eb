package workflow

import (
	"fmt"
	"strings"

	"github.com/objectql/objectos-sub008/types"
)

// ValidateDefinition returns every structural violation found in def.
func ValidateDefinition(def types.WorkflowDefinition) []string {
	var violations []string
	add := func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if def.Name == "" {
		add("definition name is required")
	}
	if def.ProcessType != "" && !def.ProcessType.Valid() {
		add("unknown process type %q", def.ProcessType)
	}
	if len(def.States) == 0 {
		add("definition must declare at least one state")
		return violations
	}

	seen := make(map[string]bool, len(def.States))
	var initials []string
	finals := 0
	for i, state := range def.States {
		if state.Name == "" {
			add("state #%d has no name", i+1)
			continue
		}
		if seen[state.Name] {
			add("duplicate state %q", state.Name)
		}
		seen[state.Name] = true
		if state.Initial {
			initials = append(initials, state.Name)
		}
		if state.Final {
			finals++
		}
	}

	switch len(initials) {
	case 0:
		add("no state is marked initial")
	case 1:
		if def.InitialState != "" && def.InitialState != initials[0] {
			add("initialState %q does not match initial state %q", def.InitialState, initials[0])
		}
	default:
		add("exactly one state must be initial, found %d: %v", len(initials), initials)
	}
	if finals == 0 {
		add("at least one state must be final")
	}

	for _, state := range def.States {
		if state.Name == "" {
			continue
		}
		if state.Final && len(state.Transitions) > 0 {
			add("final state %q must not declare transitions", state.Name)
		}
		names := make(map[string]bool, len(state.Transitions))
		for i, tr := range state.Transitions {
			if tr.Name == "" {
				add("state %q: transition #%d has no name", state.Name, i+1)
				continue
			}
			if names[tr.Name] {
				add("state %q: duplicate transition %q", state.Name, tr.Name)
			}
			names[tr.Name] = true

			target, ok := def.State(tr.Target)
			if !ok {
				add("state %q: transition %q targets unknown state %q", state.Name, tr.Name, tr.Target)
			}
			for j, g := range tr.Guards {
				switch {
				case g.Name == "":
					add("state %q: transition %q: guard #%d has no name", state.Name, tr.Name, j+1)
				case strings.Contains(g.Name, "&&") || strings.TrimSpace(g.Name) != g.Name:
					add("state %q: transition %q: guard name %q must not contain \"&&\" or surrounding spaces",
						state.Name, tr.Name, g.Name)
				}
			}
			for j, a := range tr.Actions {
				if a.Name == "" {
					add("state %q: transition %q: action #%d has no name", state.Name, tr.Name, j+1)
				}
			}
			if tr.TimeoutMs < 0 {
				add("state %q: transition %q: timeoutMs must not be negative", state.Name, tr.Name)
			}
			if tr.OnTimeoutTransition != "" {
				if tr.TimeoutMs <= 0 {
					add("state %q: transition %q: onTimeoutTransition requires timeoutMs", state.Name, tr.Name)
				}
				if ok {
					if _, found := target.Transition(tr.OnTimeoutTransition); !found {
						add("state %q: transition %q: timeout transition %q is not declared on state %q",
							state.Name, tr.Name, tr.OnTimeoutTransition, tr.Target)
					}
				}
			}
		}
		for j, a := range append(append([]types.ActionRef(nil), state.OnEnterActions...), state.OnExitActions...) {
			if a.Name == "" {
				add("state %q: action #%d has no name", state.Name, j+1)
			}
		}
	}
	return violations
}
