// Package converter translates between workflow definitions and the
// node/edge flow graph used by visual editors.
package converter

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/objectql/objectos-sub008/types"
)

const conditionSeparator = "&&"

// Options override the definition fields a flow does not carry.
type Options struct {
	Name        string
	Description string
	ProcessType types.ProcessType
	Version     string
}

// nodeConfig is the part of a state kept in FlowNode.Config. Final is only
// set on a start node whose state is also final.
type nodeConfig struct {
	Final          bool                   `mapstructure:"final"`
	OnEnterActions []types.ActionRef       `mapstructure:"onEnterActions"`
	OnExitActions  []types.ActionRef       `mapstructure:"onExitActions"`
	Metadata       map[string]interface{} `mapstructure:"metadata"`
}

// LegacyToFlow converts a definition into a flow: one node per state and one
// edge per transition. Node ids are state names; edge conditions are the
// guard names joined with "&&".
func LegacyToFlow(def types.WorkflowDefinition) types.Flow {
	flow := types.Flow{
		Name:    def.Name,
		Label:   def.Description,
		Version: def.Version,
		Nodes:   make([]types.FlowNode, 0, len(def.States)),
		Edges:   []types.FlowEdge{},
	}

	for _, s := range def.States {
		node := types.FlowNode{ID: s.Name, Label: s.Name, Type: nodeType(s)}
		if cfg := stateConfig(s); len(cfg) > 0 {
			node.Config = cfg
		}
		flow.Nodes = append(flow.Nodes, node)

		for _, t := range s.Transitions {
			flow.Edges = append(flow.Edges, types.FlowEdge{
				ID:        s.Name + ":" + t.Name,
				Source:    s.Name,
				Target:    t.Target,
				Label:     t.Name,
				Condition: strings.Join(t.GuardNames(), " "+conditionSeparator+" "),
			})
		}
	}
	return flow
}

func nodeType(s types.StateConfig) types.NodeType {
	switch {
	case s.Initial:
		return types.NodeStart
	case s.Final:
		return types.NodeEnd
	default:
		return types.NodeAssignment
	}
}

func stateConfig(s types.StateConfig) map[string]interface{} {
	cfg := make(map[string]interface{})
	if s.Initial && s.Final {
		cfg["final"] = true
	}
	if len(s.OnEnterActions) > 0 {
		cfg["onEnterActions"] = s.OnEnterActions
	}
	if len(s.OnExitActions) > 0 {
		cfg["onExitActions"] = s.OnExitActions
	}
	if len(s.Metadata) > 0 {
		cfg["metadata"] = s.Metadata
	}
	return cfg
}

// FlowToLegacy converts a flow back into a definition. Each node becomes a
// state named by its label (or id); each edge becomes a transition of its
// source state, named by its label or "to_<target label>".
func FlowToLegacy(flow types.Flow, opts Options) (types.WorkflowDefinition, error) {
	def := types.WorkflowDefinition{
		Name:        firstNonEmpty(opts.Name, flow.Name),
		Description: firstNonEmpty(opts.Description, flow.Label),
		ProcessType: opts.ProcessType,
		Version:     firstNonEmpty(opts.Version, flow.Version),
		States:      make([]types.StateConfig, 0, len(flow.Nodes)),
	}

	names := make(map[string]string, len(flow.Nodes))
	index := make(map[string]int, len(flow.Nodes))
	seen := make(map[string]bool, len(flow.Nodes))
	for _, n := range flow.Nodes {
		name := firstNonEmpty(n.Label, n.ID)
		if seen[name] {
			return types.WorkflowDefinition{}, fmt.Errorf("node %q: duplicate state name %q", n.ID, name)
		}
		seen[name] = true

		var cfg nodeConfig
		if len(n.Config) > 0 {
			if err := mapstructure.Decode(n.Config, &cfg); err != nil {
				return types.WorkflowDefinition{}, fmt.Errorf("node %q: invalid config: %w", n.ID, err)
			}
		}

		state := types.StateConfig{
			Name:           name,
			Initial:        n.Type == types.NodeStart,
			Final:          n.Type == types.NodeEnd || (n.Type == types.NodeStart && cfg.Final),
			OnEnterActions: cfg.OnEnterActions,
			OnExitActions:  cfg.OnExitActions,
			Metadata:       cfg.Metadata,
		}
		if state.Initial && def.InitialState == "" {
			def.InitialState = name
		}
		names[n.ID] = name
		index[n.ID] = len(def.States)
		def.States = append(def.States, state)
	}

	for _, e := range flow.Edges {
		src, ok := index[e.Source]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("edge %q references unknown source node %q", e.ID, e.Source)
		}
		target, ok := names[e.Target]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("edge %q references unknown target node %q", e.ID, e.Target)
		}
		def.States[src].Transitions = append(def.States[src].Transitions, types.TransitionConfig{
			Name:   firstNonEmpty(e.Label, "to_"+target),
			Target: target,
			Guards: parseCondition(e.Condition),
		})
	}
	return def, nil
}

func parseCondition(condition string) []types.GuardRef {
	var guards []types.GuardRef
	for _, part := range strings.Split(condition, conditionSeparator) {
		if name := strings.TrimSpace(part); name != "" {
			guards = append(guards, types.GuardRef{Name: name})
		}
	}
	return guards
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ValidateFlow returns every structural problem of a flow. An empty result
// means the flow is well formed.
func ValidateFlow(flow types.Flow) []string {
	var errs []string
	if len(flow.Nodes) == 0 {
		errs = append(errs, "flow must have at least one node")
	}
	if flow.Edges == nil {
		errs = append(errs, "flow must declare an edges array")
	}

	nodes := make(map[string]types.FlowNode, len(flow.Nodes))
	starts, ends := 0, 0
	for i, n := range flow.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Sprintf("node %d has no id", i))
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
		switch n.Type {
		case types.NodeStart:
			starts++
			if terminal(n) {
				ends++
			}
		case types.NodeEnd:
			ends++
		case types.NodeDecision, types.NodeAssignment, types.NodeApproval, types.NodeAction, types.NodeLoop:
		default:
			errs = append(errs, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
	}
	if len(flow.Nodes) > 0 && starts != 1 {
		errs = append(errs, fmt.Sprintf("flow must have exactly one start node, found %d", starts))
	}
	if len(flow.Nodes) > 0 && ends == 0 {
		errs = append(errs, "flow must have at least one end node")
	}

	incoming := make(map[string]int, len(nodes))
	outgoing := make(map[string]int, len(nodes))
	for i, e := range flow.Edges {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		if _, ok := nodes[e.Source]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown source node %q", id, e.Source))
		} else {
			outgoing[e.Source]++
		}
		if _, ok := nodes[e.Target]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown target node %q", id, e.Target))
		} else {
			incoming[e.Target]++
		}
	}

	checked := make(map[string]bool, len(nodes))
	for _, n := range flow.Nodes {
		if _, ok := nodes[n.ID]; !ok || checked[n.ID] {
			continue
		}
		checked[n.ID] = true
		n = nodes[n.ID]
		if n.Type != types.NodeStart && incoming[n.ID] == 0 {
			errs = append(errs, fmt.Sprintf("node %q has no incoming edge", n.ID))
		}
		switch {
		case terminal(n) && outgoing[n.ID] > 0:
			errs = append(errs, fmt.Sprintf("end node %q must not have outgoing edges", n.ID))
		case !terminal(n) && outgoing[n.ID] == 0:
			errs = append(errs, fmt.Sprintf("node %q has no outgoing edge", n.ID))
		}
	}
	return errs
}

// terminal reports whether n ends the flow: an end node, or a start node
// marked final in its config.
func terminal(n types.FlowNode) bool {
	if n.Type == types.NodeEnd {
		return true
	}
	final, _ := n.Config["final"].(bool)
	return n.Type == types.NodeStart && final
}
