package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/resource"
)

// PoolSpecs is the resource declaration most fixtures schedule against: one
// exclusive QPU, two detector slots and four memory buffers.
func PoolSpecs() []resource.Spec {
	return []resource.Spec{
		{ID: "qpu", Kind: "qpu", Exclusive: true, Capacity: 1},
		{ID: "detector", Kind: "detector", Capacity: 2},
		{ID: "membuf", Kind: "memory", Capacity: 4},
	}
}

// NewPool builds a pool over PoolSpecs, failing the test on error.
func NewPool(t *testing.T) *resource.Pool {
	t.Helper()
	p, err := resource.NewPool(PoolSpecs())
	require.NoError(t, err)
	return p
}

// ChainGraph is the canonical three-node pipeline: a classical source feeding
// a quantum phase shift feeding a measurement, all inside one 10ms window.
func ChainGraph(t *testing.T) *qgraph.Graph {
	t.Helper()
	g := qgraph.New("chain")
	require.NoError(t, g.AddWindow(qgraph.WindowSpec{
		ID:                "w1",
		Duration:          10 * time.Millisecond,
		Timescale:         2 * time.Millisecond,
		Model:             qgraph.DecayExponential,
		FidelityThreshold: 0.5,
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "src",
		Domain: qgraph.DomainClassical,
		Params: map[string]cty.Value{"offset": cty.NumberFloatVal(1.0)},
		Out:    []qgraph.Port{{Name: "out", Type: cty.Number}},
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "ps",
		Domain: qgraph.DomainQuantum,
		Params: map[string]cty.Value{
			"gate":  cty.StringVal("PS"),
			"mode":  cty.NumberIntVal(0),
			"phase": cty.NumberFloatVal(0.5),
		},
		In:  []qgraph.Port{{Name: "in", Type: cty.Number}},
		Out: []qgraph.Port{{Name: "out", Type: cty.Number}},
		Timing: qgraph.TimingContract{
			Duration:             time.Microsecond,
			CoherenceRequirement: 5 * time.Millisecond,
		},
		Window:    "w1",
		Resources: []qgraph.ResourceNeed{{Resource: "qpu", Units: 1}},
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:            "det",
		Domain:        qgraph.DomainMeasurement,
		OutcomeDomain: 2,
		Params:        map[string]cty.Value{"mode": cty.NumberIntVal(0)},
		In:            []qgraph.Port{{Name: "in", Type: cty.Number}},
		Out:           []qgraph.Port{{Name: "out", Type: cty.Number}},
		Timing: qgraph.TimingContract{
			Duration: 500 * time.Nanosecond,
		},
		Window:    "w1",
		Resources: []qgraph.ResourceNeed{{Resource: "detector", Units: 1}},
	}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "src", FromPort: "out", To: "ps", ToPort: "in"}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "ps", FromPort: "out", To: "det", ToPort: "in"}))
	return g
}

// BranchGraph extends ChainGraph with a two-way conditional: outcome 0 runs
// "left", outcome 1 runs "right", and both feed a join.
func BranchGraph(t *testing.T) *qgraph.Graph {
	t.Helper()
	g := ChainGraph(t)
	det := g.Node("det")
	det.OutcomeDomain = 2
	det.Branches = []qgraph.BranchCase{{Outcome: 0, Target: "left"}}
	det.DefaultBranch = "right"

	for _, id := range []string{"left", "right"} {
		require.NoError(t, g.AddNode(&qgraph.Node{
			ID:     id,
			Domain: qgraph.DomainClassical,
			Params: map[string]cty.Value{"gain": cty.NumberFloatVal(2.0)},
			In:     []qgraph.Port{{Name: "in", Type: cty.Number}},
			Out:    []qgraph.Port{{Name: "out", Type: cty.Number}},
		}))
		require.NoError(t, g.AddEdge(qgraph.Edge{From: "det", FromPort: "out", To: id, ToPort: "in"}))
	}
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "join",
		Domain: qgraph.DomainClassical,
		In:     []qgraph.Port{{Name: "in", Type: cty.Number}},
		Out:    []qgraph.Port{{Name: "out", Type: cty.Number}},
	}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "left", FromPort: "out", To: "join", ToPort: "in"}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "right", FromPort: "out", To: "join", ToPort: "in"}))
	return g
}

// FeedbackGraph builds a measurement with a declared feedback budget and a
// feedback edge of the given latency back into a downstream quantum
// correction.
func FeedbackGraph(t *testing.T, budget, latency time.Duration) *qgraph.Graph {
	t.Helper()
	g := ChainGraph(t)
	g.Node("det").Timing.FeedbackLatencyBudget = budget

	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "corr",
		Domain: qgraph.DomainQuantum,
		Params: map[string]cty.Value{
			"gate":  cty.StringVal("PS"),
			"mode":  cty.NumberIntVal(0),
			"phase": cty.NumberFloatVal(-0.5),
		},
		Timing: qgraph.TimingContract{
			Duration:             time.Microsecond,
			CoherenceRequirement: 5 * time.Millisecond,
		},
		Window:    "w1",
		Resources: []qgraph.ResourceNeed{{Resource: "qpu", Units: 1}},
	}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "det", To: "corr", Latency: latency, Feedback: true}))
	return g
}
