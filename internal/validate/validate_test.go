package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/testutil"
	"github.com/vk/photongrid/internal/violation"
)

func checkNames(errs []Error) map[string]bool {
	out := make(map[string]bool)
	for _, e := range errs {
		out[e.Check] = true
	}
	return out
}

func TestAcceptFreezesValidGraph(t *testing.T) {
	g := testutil.ChainGraph(t)
	pool := testutil.NewPool(t)

	require.NoError(t, Accept(g, pool))
	assert.True(t, g.Frozen())
}

func TestAcceptRejectsAndAggregates(t *testing.T) {
	g := qgraph.New("bad")
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "q",
		Domain: qgraph.DomainQuantum, // no window declared
	}))
	pool := testutil.NewPool(t)

	err := Accept(g, pool)
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindValidation))
	assert.False(t, g.Frozen())
}

func TestCheckAcyclicDetectsCycle(t *testing.T) {
	g := qgraph.New("cyclic")
	for _, id := range []string{"a", "b"} {
		require.NoError(t, g.AddNode(&qgraph.Node{
			ID:     id,
			Domain: qgraph.DomainClassical,
			In:     []qgraph.Port{{Name: "in", Type: cty.Number}},
			Out:    []qgraph.Port{{Name: "out", Type: cty.Number}},
		}))
	}
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "a", FromPort: "out", To: "b", ToPort: "in"}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "b", FromPort: "out", To: "a", ToPort: "in"}))

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["acyclicity"])
}

func TestFeedbackEdgeExemptFromAcyclicity(t *testing.T) {
	g := testutil.FeedbackGraph(t, 100*time.Nanosecond, 80*time.Nanosecond)
	errs := Validate(g, testutil.NewPool(t))
	assert.Empty(t, errs)
}

func TestCheckPortsTypeMismatch(t *testing.T) {
	g := qgraph.New("ports")
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "a",
		Domain: qgraph.DomainClassical,
		Out:    []qgraph.Port{{Name: "out", Type: cty.String}},
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "b",
		Domain: qgraph.DomainClassical,
		In:     []qgraph.Port{{Name: "in", Type: cty.Number}},
	}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "a", FromPort: "out", To: "b", ToPort: "in"}))

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["ports"])
}

func TestCheckPortsMissingPort(t *testing.T) {
	g := qgraph.New("ports")
	require.NoError(t, g.AddNode(&qgraph.Node{ID: "a", Domain: qgraph.DomainClassical}))
	require.NoError(t, g.AddNode(&qgraph.Node{ID: "b", Domain: qgraph.DomainClassical}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "a", FromPort: "out", To: "b", ToPort: "in"}))

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["ports"])
}

func TestCheckCoherenceRequirementExceedsWindow(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Node("ps").Timing.CoherenceRequirement = 20 * time.Millisecond

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["coherence"])
}

func TestCheckCoherenceQuantumNeedsWindow(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Node("ps").Window = ""

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["coherence"])
}

func TestCheckResourcesOverCapacity(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Node("det").Resources = []qgraph.ResourceNeed{{Resource: "detector", Units: 5}}

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["resources"])
}

func TestCheckResourcesLevelDemand(t *testing.T) {
	g := qgraph.New("levels")
	// Three independent nodes on one level each wanting one detector: the
	// pool only has two.
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(&qgraph.Node{
			ID:        id,
			Domain:    qgraph.DomainClassical,
			Resources: []qgraph.ResourceNeed{{Resource: "detector", Units: 1}},
		}))
	}
	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["resources"])
}

func TestCheckBranchesOutcomeNotCovered(t *testing.T) {
	g := testutil.BranchGraph(t)
	det := g.Node("det")
	det.DefaultBranch = ""
	// Only outcome 0 remains covered out of a domain of 2.

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["branches"])
}

func TestCheckBranchesMissingTarget(t *testing.T) {
	g := testutil.BranchGraph(t)
	g.Node("det").Branches = []qgraph.BranchCase{{Outcome: 0, Target: "ghost"}}

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["branches"])
}

func TestCheckBranchesPlainMeasurementAllowed(t *testing.T) {
	g := testutil.ChainGraph(t)
	errs := Validate(g, testutil.NewPool(t))
	assert.Empty(t, errs)
}

func TestCheckCalibrationTargetMustBeMeasurement(t *testing.T) {
	g := testutil.ChainGraph(t)
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "cal",
		Domain: qgraph.DomainCalibration,
		Target: "src", // classical, not measurement
	}))
	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["calibration"])

	g.Node("cal").Target = "det"
	errs = Validate(g, testutil.NewPool(t))
	assert.Empty(t, errs)
}

func TestCheckFeedbackMustOriginateAtMeasurement(t *testing.T) {
	g := testutil.ChainGraph(t)
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "src", To: "ps", Feedback: true}))

	errs := Validate(g, testutil.NewPool(t))
	assert.True(t, checkNames(errs)["feedback"])
}
