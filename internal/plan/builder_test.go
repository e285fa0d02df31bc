package plan

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/testutil"
	"github.com/vk/photongrid/internal/violation"
)

func phaseIndexOf(t *testing.T, p *ExecutionPlan, id string) int {
	t.Helper()
	for _, ph := range p.Phases {
		for _, n := range ph.Nodes {
			if n.NodeID == id {
				return ph.Index
			}
		}
	}
	t.Fatalf("node %q not scheduled", id)
	return -1
}

func TestBuildRequiresAcceptedGraph(t *testing.T) {
	g := testutil.ChainGraph(t)
	_, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	assert.Error(t, err)
}

func TestChainSchedule(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Freeze()

	p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	// The exclusive qpu and sequential data deps force three phases.
	require.Len(t, p.Phases, 3)
	assert.Equal(t, uint64(42), p.Seed)
	assert.Equal(t, "static", p.Algorithm)

	src, ok := p.Node("src")
	require.True(t, ok)
	ps, ok := p.Node("ps")
	require.True(t, ok)
	det, ok := p.Node("det")
	require.True(t, ok)

	assert.Equal(t, time.Duration(0), src.Start)
	assert.Equal(t, time.Duration(0), ps.Start)
	assert.Equal(t, time.Microsecond, ps.End)
	assert.Equal(t, time.Microsecond, det.Start)
	assert.Equal(t, time.Microsecond+500*time.Nanosecond, det.End)
	assert.Equal(t, time.Microsecond+500*time.Nanosecond, p.Makespan)

	// Deadlines flow back from the 10ms window.
	assert.Equal(t, 10*time.Millisecond, det.Deadline)
	assert.Equal(t, 10*time.Millisecond-500*time.Nanosecond, ps.Deadline)

	assert.Equal(t, []string{"src", "ps", "det"}, p.CriticalPath)
	assert.NoError(t, p.Revalidate())
}

func TestBuildIsByteDeterministic(t *testing.T) {
	encode := func() []byte {
		g := testutil.ChainGraph(t)
		g.Freeze()
		p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
		require.NoError(t, err)
		data, err := p.Encode()
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(encode()), string(encode()))
}

func TestSeedChangesPlanIDOnly(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Freeze()
	pool := testutil.NewPool(t)

	p1, err := NewStatic(Options{}).Build(g, pool, 1)
	require.NoError(t, err)
	p2, err := NewStatic(Options{}).Build(g, pool, 2)
	require.NoError(t, err)

	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, p1.Makespan, p2.Makespan)
	assert.Equal(t, p1.CriticalPath, p2.CriticalPath)
}

func TestFeedbackLatencyWithinBudget(t *testing.T) {
	g := testutil.FeedbackGraph(t, 100*time.Nanosecond, 80*time.Nanosecond)
	g.Freeze()

	_, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	assert.NoError(t, err)
}

func TestFeedbackLatencyExceedsBudget(t *testing.T) {
	g := testutil.FeedbackGraph(t, 50*time.Nanosecond, 80*time.Nanosecond)
	g.Freeze()

	_, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindDeadline))
}

func TestPlanRoundTrip(t *testing.T) {
	g := testutil.BranchGraph(t)
	g.Freeze()

	p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	data, err := p.Encode()
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)

	if diff := cmp.Diff(p, back); diff != "" {
		t.Fatalf("plan changed across encode/decode (-want +got):\n%s", diff)
	}
	assert.NoError(t, back.Revalidate())
}

func TestConservativeSequencesBranchTargets(t *testing.T) {
	g := testutil.BranchGraph(t)
	g.Freeze()

	p, err := NewStatic(Options{Branching: BranchConservative}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	// Both branch targets are budgeted, one strictly after the other.
	left := phaseIndexOf(t, p, "left")
	right := phaseIndexOf(t, p, "right")
	assert.Greater(t, right, left)
	assert.Greater(t, phaseIndexOf(t, p, "join"), right)
}

func TestSpeculativeSharesPhase(t *testing.T) {
	g := testutil.BranchGraph(t)
	g.Freeze()

	p, err := NewStatic(Options{Branching: BranchSpeculative}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	assert.Equal(t, phaseIndexOf(t, p, "left"), phaseIndexOf(t, p, "right"))
	assert.Equal(t, "speculative", p.Branching)
}

func TestDynamicBuilderAddsContentionSpacing(t *testing.T) {
	build := func(contention map[string]int) *ExecutionPlan {
		g := testutil.ChainGraph(t)
		g.Freeze()
		p, err := NewDynamic(Options{}, Feedback{Contention: contention}).Build(g, testutil.NewPool(t), 42)
		require.NoError(t, err)
		return p
	}

	quiet := build(nil)
	contended := build(map[string]int{"qpu": 5})

	// Five units of observed contention at the default 10ns step push the
	// post-qpu phase out by 50ns.
	assert.Equal(t, quiet.Makespan+50*time.Nanosecond, contended.Makespan)

	// Identical feedback yields identical plans.
	again := build(map[string]int{"qpu": 5})
	d1, err := contended.Encode()
	require.NoError(t, err)
	d2, err := again.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(d1), string(d2))
}

func skewGraph(t *testing.T, delay2, maxComp time.Duration, windowDur time.Duration) *qgraph.Graph {
	t.Helper()
	g := qgraph.New("skew")
	require.NoError(t, g.AddWindow(qgraph.WindowSpec{
		ID:        "w",
		Duration:  windowDur,
		Timescale: windowDur,
	}))
	require.NoError(t, g.AddChannel(qgraph.Channel{Name: "c1", Delay: 0, MaxCompensation: maxComp}))
	require.NoError(t, g.AddChannel(qgraph.Channel{Name: "c2", Delay: delay2, MaxCompensation: maxComp}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID: "a", Domain: qgraph.DomainClassical, Channel: "c1", Window: "w",
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID: "b", Domain: qgraph.DomainClassical, Channel: "c2", Window: "w",
	}))
	return g
}

func TestSkewCompensationApplied(t *testing.T) {
	g := skewGraph(t, 3*time.Nanosecond, 5*time.Nanosecond, 10*time.Microsecond)
	g.Freeze()

	p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	a, ok := p.Node("a")
	require.True(t, ok)
	b, ok := p.Node("b")
	require.True(t, ok)
	assert.Equal(t, 3*time.Nanosecond, a.SkewCompensation)
	assert.Equal(t, time.Duration(0), b.SkewCompensation)
}

func TestSkewBeyondCompensationFailsPlan(t *testing.T) {
	// 5us of inter-channel skew against a 1ns compensation range inside a
	// 10us window: the residual dwarfs a tenth of the coherence time.
	g := skewGraph(t, 5*time.Microsecond, time.Nanosecond, 10*time.Microsecond)
	g.Freeze()

	_, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindMultiModeDecoherence))
}

func TestResourceInfeasiblePlan(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Node("det").Resources = []qgraph.ResourceNeed{{Resource: "detector", Units: 5}}
	g.Freeze()

	_, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindResourceInfeasible))
}

func TestRevalidateCatchesTampering(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Freeze()
	p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	p.Phases[2].Nodes[0].Deadline = time.Nanosecond
	err = p.Revalidate()
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindDeadline))
}

func TestUsageReport(t *testing.T) {
	g := testutil.ChainGraph(t)
	g.Freeze()
	p, err := NewStatic(Options{}).Build(g, testutil.NewPool(t), 42)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Usage.PeakUnits["qpu"])
	assert.Equal(t, 1, p.Usage.PeakUnits["detector"])
	assert.Equal(t, 1, p.Usage.PeakConcurrency)
	assert.Greater(t, p.Usage.AverageParallelism, 0.0)
}
