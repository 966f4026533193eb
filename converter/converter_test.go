package converter

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentDefinition() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name:         "document_review",
		Description:  "Document review",
		ProcessType:  types.ProcessApproval,
		Version:      "2",
		InitialState: "draft",
		States: []types.StateConfig{
			{
				Name:    "draft",
				Initial: true,
				Transitions: []types.TransitionConfig{
					{Name: "submit", Target: "pending_approval", Guards: []types.GuardRef{{Name: "has_title"}, {Name: "has_author"}}},
				},
			},
			{
				Name:           "pending_approval",
				OnEnterActions: []types.ActionRef{{Name: "notify", Params: map[string]interface{}{"channel": "email"}}},
				Metadata:       map[string]interface{}{"sla": "2d"},
				Transitions: []types.TransitionConfig{
					{Name: "approve", Target: "approved"},
					{Name: "reject", Target: "rejected"},
					{Name: "request_changes", Target: "draft"},
				},
			},
			{Name: "approved", Final: true},
			{Name: "rejected", Final: true},
		},
	}
}

func TestLegacyToFlow(t *testing.T) {
	flow := LegacyToFlow(documentDefinition())

	assert.Equal(t, "document_review", flow.Name)
	assert.Equal(t, "Document review", flow.Label)
	assert.Equal(t, "2", flow.Version)

	require.Len(t, flow.Nodes, 4)
	assert.Equal(t, types.NodeStart, flow.Nodes[0].Type)
	assert.Equal(t, types.NodeAssignment, flow.Nodes[1].Type)
	assert.Equal(t, types.NodeEnd, flow.Nodes[2].Type)
	assert.Equal(t, types.NodeEnd, flow.Nodes[3].Type)
	assert.Nil(t, flow.Nodes[0].Config)
	assert.Contains(t, flow.Nodes[1].Config, "onEnterActions")

	require.Len(t, flow.Edges, 4)
	submit := flow.Edges[0]
	assert.Equal(t, "draft", submit.Source)
	assert.Equal(t, "pending_approval", submit.Target)
	assert.Equal(t, "submit", submit.Label)
	assert.Equal(t, "has_title && has_author", submit.Condition)
	assert.Empty(t, flow.Edges[1].Condition)

	assert.Empty(t, ValidateFlow(flow))
}

type triple struct{ from, name, to string }

func triples(def types.WorkflowDefinition) []triple {
	var out []triple
	for _, s := range def.States {
		for _, tr := range s.Transitions {
			out = append(out, triple{s.Name, tr.Name, tr.Target})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].from+out[i].name < out[j].from+out[j].name
	})
	return out
}

func flags(def types.WorkflowDefinition) map[string][2]bool {
	out := make(map[string][2]bool, len(def.States))
	for _, s := range def.States {
		out[s.Name] = [2]bool{s.Initial, s.Final}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	sequential := types.WorkflowDefinition{
		Name: "onboarding",
		States: []types.StateConfig{
			{Name: "start", Initial: true, Transitions: []types.TransitionConfig{{Name: "next", Target: "orientation"}}},
			{Name: "orientation", Transitions: []types.TransitionConfig{{Name: "next", Target: "done"}}},
			{Name: "unreachable", Transitions: []types.TransitionConfig{{Name: "finish", Target: "done"}}},
			{Name: "done", Final: true},
		},
	}

	for _, def := range []types.WorkflowDefinition{documentDefinition(), sequential} {
		t.Run(def.Name, func(t *testing.T) {
			require.Empty(t, workflow.ValidateDefinition(def))

			back, err := FlowToLegacy(LegacyToFlow(def), Options{ProcessType: def.ProcessType})
			require.NoError(t, err)

			assert.Equal(t, def.Name, back.Name)
			assert.Equal(t, def.StateNames(), back.StateNames())
			assert.Equal(t, triples(def), triples(back))
			assert.Equal(t, flags(def), flags(back))
			assert.Empty(t, workflow.ValidateDefinition(back))
		})
	}

	t.Run("InitialAndFinal", func(t *testing.T) {
		def := types.WorkflowDefinition{
			Name:   "ping",
			States: []types.StateConfig{{Name: "only", Initial: true, Final: true}},
		}
		require.Empty(t, workflow.ValidateDefinition(def))

		flow := LegacyToFlow(def)
		require.Len(t, flow.Nodes, 1)
		assert.Equal(t, types.NodeStart, flow.Nodes[0].Type)
		assert.Empty(t, ValidateFlow(flow))

		raw, err := json.Marshal(flow)
		require.NoError(t, err)
		var decoded types.Flow
		require.NoError(t, json.Unmarshal(raw, &decoded))

		back, err := FlowToLegacy(decoded, Options{})
		require.NoError(t, err)
		assert.Equal(t, flags(def), flags(back))
		assert.Empty(t, workflow.ValidateDefinition(back))
	})

	t.Run("ThroughJSON", func(t *testing.T) {
		def := documentDefinition()
		raw, err := json.Marshal(LegacyToFlow(def))
		require.NoError(t, err)

		var flow types.Flow
		require.NoError(t, json.Unmarshal(raw, &flow))
		back, err := FlowToLegacy(flow, Options{})
		require.NoError(t, err)

		assert.Equal(t, triples(def), triples(back))
		submit, ok := back.States[0].Transition("submit")
		require.True(t, ok)
		assert.Equal(t, []string{"has_title", "has_author"}, submit.GuardNames())

		pending := back.States[1]
		require.Len(t, pending.OnEnterActions, 1)
		assert.Equal(t, "notify", pending.OnEnterActions[0].Name)
		assert.Equal(t, "email", pending.OnEnterActions[0].Params["channel"])
		assert.Equal(t, "2d", pending.Metadata["sla"])
	})
}

func TestFlowToLegacy(t *testing.T) {
	flow := types.Flow{
		Name:    "expense",
		Version: "3",
		Nodes: []types.FlowNode{
			{ID: "n1", Label: "Submitted", Type: types.NodeStart},
			{ID: "n2", Label: "Manager", Type: types.NodeApproval},
			{ID: "n3", Label: "Paid", Type: types.NodeEnd},
		},
		Edges: []types.FlowEdge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3", Label: "approve", Condition: "within_budget&&manager_ok"},
		},
	}

	def, err := FlowToLegacy(flow, Options{Name: "expense_claim", ProcessType: types.ProcessApproval})
	require.NoError(t, err)
	assert.Equal(t, "expense_claim", def.Name)
	assert.Equal(t, "3", def.Version)
	assert.Equal(t, "Submitted", def.InitialState)
	assert.Equal(t, []string{"Submitted", "Manager", "Paid"}, def.StateNames())

	first, ok := def.States[0].Transition("to_Manager")
	require.True(t, ok, "unnamed edge defaults to to_<target>")
	assert.Equal(t, "Manager", first.Target)

	approve, ok := def.States[1].Transition("approve")
	require.True(t, ok)
	assert.Equal(t, []string{"within_budget", "manager_ok"}, approve.GuardNames())
	assert.True(t, def.States[2].Final)
	assert.Empty(t, workflow.ValidateDefinition(def))

	t.Run("UnknownNode", func(t *testing.T) {
		bad := flow
		bad.Edges = append([]types.FlowEdge{}, flow.Edges...)
		bad.Edges[1].Target = "n9"
		_, err := FlowToLegacy(bad, Options{})
		assert.ErrorContains(t, err, `edge "e2"`)
	})

	t.Run("DuplicateLabel", func(t *testing.T) {
		bad := flow
		bad.Nodes = append([]types.FlowNode{}, flow.Nodes...)
		bad.Nodes[1].Label = "Submitted"
		_, err := FlowToLegacy(bad, Options{})
		assert.ErrorContains(t, err, "duplicate state name")
	})
}

func validFlow() types.Flow {
	return types.Flow{
		Name: "f",
		Nodes: []types.FlowNode{
			{ID: "start", Type: types.NodeStart},
			{ID: "review", Type: types.NodeApproval},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.FlowEdge{
			{ID: "e1", Source: "start", Target: "review"},
			{ID: "e2", Source: "review", Target: "end"},
		},
	}
}

func TestValidateFlow(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *types.Flow)
		want   []string
	}{
		{
			name:   "Valid",
			mutate: func(f *types.Flow) {},
		},
		{
			name:   "NoNodes",
			mutate: func(f *types.Flow) { f.Nodes = nil; f.Edges = []types.FlowEdge{} },
			want:   []string{"at least one node"},
		},
		{
			name:   "MissingEdgesArray",
			mutate: func(f *types.Flow) { f.Nodes = f.Nodes[:1]; f.Nodes = append(f.Nodes, types.FlowNode{ID: "end", Type: types.NodeEnd}); f.Edges = nil },
			want:   []string{"edges array", `"start" has no outgoing edge`, `"end" has no incoming edge`},
		},
		{
			name: "TwoStartNodes",
			mutate: func(f *types.Flow) {
				f.Nodes = append(f.Nodes, types.FlowNode{ID: "start2", Type: types.NodeStart})
				f.Edges = append(f.Edges, types.FlowEdge{ID: "e3", Source: "start2", Target: "review"})
			},
			want: []string{"exactly one start node"},
		},
		{
			name:   "NoStartNode",
			mutate: func(f *types.Flow) { f.Nodes[0].Type = types.NodeAction },
			want:   []string{"exactly one start node", `node "start" has no incoming edge`},
		},
		{
			name:   "NoEndNode",
			mutate: func(f *types.Flow) { f.Nodes[2].Type = types.NodeAction },
			want:   []string{"at least one end node", `node "end" has no outgoing edge`},
		},
		{
			name:   "UnknownTarget",
			mutate: func(f *types.Flow) { f.Edges[1].Target = "ghost" },
			want:   []string{`edge "e2" references unknown target node "ghost"`, `node "end" has no incoming edge`},
		},
		{
			name:   "UnknownSource",
			mutate: func(f *types.Flow) { f.Edges[0].Source = "ghost" },
			want:   []string{`edge "e1" references unknown source node "ghost"`, `node "start" has no outgoing edge`},
		},
		{
			name:   "UnknownType",
			mutate: func(f *types.Flow) { f.Nodes[1].Type = "gateway" },
			want:   []string{`unknown type "gateway"`},
		},
		{
			name: "EndNodeWithOutgoingEdge",
			mutate: func(f *types.Flow) {
				f.Edges = append(f.Edges, types.FlowEdge{ID: "e3", Source: "end", Target: "review"})
			},
			want: []string{`end node "end" must not have outgoing edges`},
		},
		{
			name: "FinalStartNode",
			mutate: func(f *types.Flow) {
				f.Nodes = []types.FlowNode{{ID: "start", Type: types.NodeStart, Config: map[string]interface{}{"final": true}}}
				f.Edges = []types.FlowEdge{}
			},
		},
		{
			name: "DuplicateNodeID",
			mutate: func(f *types.Flow) {
				f.Nodes = append(f.Nodes, types.FlowNode{ID: "review", Type: types.NodeAction})
			},
			want: []string{`duplicate node id "review"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := validFlow()
			tt.mutate(&flow)
			got := ValidateFlow(flow)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Len(t, got, len(tt.want), "errors: %v", got)
			joined := strings.Join(got, "\n")
			for _, w := range tt.want {
				assert.Contains(t, joined, w)
			}
		})
	}
}
