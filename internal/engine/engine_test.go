package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/seed"
	"github.com/vk/photongrid/internal/simbackend"
	"github.com/vk/photongrid/internal/telemetry"
	"github.com/vk/photongrid/internal/testutil"
	"github.com/vk/photongrid/internal/violation"
)

// stubCalibrator records every kernel invocation and lets tests inject the
// produced artifact.
type stubCalibrator struct {
	mu       sync.Mutex
	kernels  []string
	applied  bool
	artifact *capability.CalibrationArtifact
}

func (s *stubCalibrator) ExecuteCalibration(_ context.Context, kernel string, _ map[string]float64) (*capability.CalibrationArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernels = append(s.kernels, kernel)
	if s.artifact != nil {
		return s.artifact, nil
	}
	return &capability.CalibrationArtifact{
		Kernel:   kernel,
		Params:   map[string]float64{"gain_trim": 0.001},
		Fidelity: 0.999,
	}, nil
}

func (s *stubCalibrator) ApplyCalibration(_ context.Context, _ map[string]float64, _ capability.SafetyLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = true
	return nil
}

func (s *stubCalibrator) CurrentCalibration() map[string]float64 { return nil }

func (s *stubCalibrator) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kernels...)
}

func (s *stubCalibrator) wasApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

type testEngine struct {
	engine     *Engine
	sink       *telemetry.MemorySink
	calibrator *stubCalibrator
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()

	sink := telemetry.NewMemorySink()
	calibrator := &stubCalibrator{}
	registry := capability.NewRegistry()
	registry.RegisterBackend("sim", simbackend.New())
	registry.RegisterCalibrator("stub", calibrator)
	registry.RegisterTelemetry("memory", sink)

	cfg := Config{
		Registry:   registry,
		Backend:    "sim",
		Calibrator: "stub",
		Telemetry:  "memory",
		Builder:    plan.NewStatic(plan.Options{}),
		Pool:       testutil.NewPool(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	return &testEngine{engine: e, sink: sink, calibrator: calibrator}
}

func TestNewRequiresWiring(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Registry: capability.NewRegistry()})
	assert.Error(t, err)
}

func TestRunChainGraph(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, result.StatusComplete, res.Status)
	assert.Equal(t, StateComplete, te.engine.State())
	assert.Equal(t, uint64(42), res.Seed)
	assert.Equal(t, "chain", res.GraphID)
	assert.Equal(t, time.Microsecond+500*time.Nanosecond, res.Makespan)
	assert.Empty(t, res.Violations)

	assert.Equal(t, 3, res.NodesExecuted())
	assert.Equal(t, 0, res.NodesFailed())
	assert.Equal(t, 1.0, res.Outputs["src"]["out"])

	require.Len(t, res.Measurements, 1)
	m := res.Measurements[0]
	assert.Equal(t, "det", m.NodeID)
	assert.Equal(t, 0, m.Outcome)
	assert.Equal(t, seed.ForNode(42, "det", 0), m.Seed)

	assert.Equal(t, int64(3), te.sink.CounterValue(res.ExecutionID, "nodes_executed"))
	assert.Equal(t, 3, res.Telemetry.Spans)
}

func TestRunBranchSelection(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	g := testutil.BranchGraph(t)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.NoError(t, err)

	require.Len(t, res.Measurements, 1)
	assert.Equal(t, "left", res.Measurements[0].Branch)

	var rightSkipped, leftRan, joinRan bool
	for _, l := range res.Log {
		switch l.NodeID {
		case "right":
			rightSkipped = l.Skipped
		case "left":
			leftRan = l.Success && !l.Skipped
		case "join":
			joinRan = l.Success && !l.Skipped
		}
	}
	assert.True(t, rightSkipped, "unselected branch target must be skipped")
	assert.True(t, leftRan)
	assert.True(t, joinRan, "join with a live predecessor must still run")
	assert.Contains(t, res.Outputs, "join")
}

func TestHardLimitAbortsWithPartialResult(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Limits = capability.SafetyLimits{Hard: map[string]float64{"phase": 0.1}}
	})
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindHardLimit))
	assert.Equal(t, StateFailed, te.engine.State())

	require.NotNil(t, res)
	assert.Equal(t, result.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, violation.KindHardLimit, res.Failure.Kind)
	assert.Equal(t, "ps", res.Failure.NodeID)

	// The phase before the breach is preserved in the partial result.
	assert.Equal(t, 1, res.NodesExecuted())
	assert.NotEmpty(t, res.Violations)
}

func TestHardLimitAlertPolicyContinues(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Limits = capability.SafetyLimits{Hard: map[string]float64{"phase": 0.1}}
		cfg.Policy = violation.Policy{violation.KindHardLimit: violation.Alert}
	})
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusComplete, res.Status)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, violation.KindHardLimit, res.Violations[0].Kind)
}

func TestRecalibratePolicyRetriesOnce(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Limits = capability.SafetyLimits{Hard: map[string]float64{"phase": 0.1}}
		cfg.Policy = violation.Policy{violation.KindHardLimit: violation.Recalibrate}
	})
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindHardLimit))
	assert.Contains(t, te.calibrator.calls(), "recovery")

	// The node was attempted exactly twice, then the policy escalated.
	var psAttempts []int
	for _, l := range res.Log {
		if l.NodeID == "ps" {
			psAttempts = append(psAttempts, l.Attempts)
		}
	}
	assert.Equal(t, []int{1, 2}, psAttempts)
}

func calibrationGraph(t *testing.T) *qgraph.Graph {
	t.Helper()
	g := testutil.ChainGraph(t)
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "cal",
		Domain: qgraph.DomainCalibration,
		Target: "det",
	}))
	return g
}

func TestCalibrationArtifactBreachNeverApplied(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Limits = capability.SafetyLimits{Hard: map[string]float64{"gain_trim": 0.0001}}
	})
	te.calibrator.artifact = &capability.CalibrationArtifact{
		Kernel:   "cal",
		Params:   map[string]float64{"gain_trim": 5.0},
		Fidelity: 0.999,
	}
	ctx, _ := testutil.Context(t)

	res, err := te.engine.Run(ctx, calibrationGraph(t), RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindHardLimit))
	assert.False(t, te.calibrator.wasApplied(), "a breaching artifact must never reach the hardware")
	require.NotNil(t, res.Failure)
	assert.Equal(t, "cal", res.Failure.NodeID)
}

func TestCalibrationBelowMinimumFidelity(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Limits = capability.SafetyLimits{MinFidelity: 0.9999}
	})
	ctx, _ := testutil.Context(t)

	_, err := te.engine.Run(ctx, calibrationGraph(t), RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindFidelityBelowMinimum))
	assert.False(t, te.calibrator.wasApplied())
}

func TestCalibrationSuccessUpdatesParameters(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)

	res, err := te.engine.Run(ctx, calibrationGraph(t), RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusComplete, res.Status)
	assert.True(t, te.calibrator.wasApplied())
	assert.Contains(t, te.calibrator.calls(), "cal")
}

func TestPriorCalibrationTrimsClassicalGain(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)

	res, err := te.engine.Run(ctx, testutil.ChainGraph(t), RunOptions{
		Seed:        42,
		NoiseModel:  "ideal",
		Calibration: map[string]float64{"gain_trim": 0.001},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.001, res.Outputs["src"]["out"], 1e-9)
}

func TestFeedbackTimeout(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Registry = capability.NewRegistry()
		cfg.Registry.RegisterBackend("sim", simbackend.New(
			simbackend.WithMeasurementLatency(200*time.Nanosecond)))
		cfg.Registry.RegisterCalibrator("stub", &stubCalibrator{})
		cfg.Registry.RegisterTelemetry("memory", telemetry.NewMemorySink())
	})
	ctx, _ := testutil.Context(t)
	g := testutil.FeedbackGraph(t, 100*time.Nanosecond, 80*time.Nanosecond)

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindFeedbackTimeout))
	require.NotNil(t, res.Failure)
	assert.Equal(t, "det", res.Failure.NodeID)
}

func TestBackgroundCalibrationRunsAtPhaseBoundary(t *testing.T) {
	te := newTestEngine(t, nil)
	te.engine.EnqueueCalibration("dark-count", qgraph.PriorityHigh)
	te.engine.EnqueueCalibration("phase-drift", qgraph.PriorityCritical)
	ctx, _ := testutil.Context(t)

	res, err := te.engine.Run(ctx, testutil.ChainGraph(t), RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusComplete, res.Status)

	calls := te.calibrator.calls()
	require.Len(t, calls, 2)
	// Higher priority drains first.
	assert.Equal(t, []string{"phase-drift", "dark-count"}, calls)
	assert.Equal(t, 0, te.engine.backgroundQueue.len())
}

func TestMemoryAccessPassThrough(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)

	g := qgraph.New("buffered")
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:     "src",
		Domain: qgraph.DomainClassical,
		Params: map[string]cty.Value{"offset": cty.NumberFloatVal(3.0)},
		Out:    []qgraph.Port{{Name: "out", Type: cty.Number}},
	}))
	require.NoError(t, g.AddNode(&qgraph.Node{
		ID:        "buf",
		Domain:    qgraph.DomainMemory,
		In:        []qgraph.Port{{Name: "in", Type: cty.Number}},
		Out:       []qgraph.Port{{Name: "out", Type: cty.Number}},
		Resources: []qgraph.ResourceNeed{{Resource: "membuf", Units: 1}},
	}))
	require.NoError(t, g.AddEdge(qgraph.Edge{From: "src", FromPort: "out", To: "buf", ToPort: "in"}))

	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, result.StatusComplete, res.Status)
	assert.Equal(t, 2, res.NodesExecuted())
	// The buffer carries the upstream value through unchanged.
	assert.Equal(t, 3.0, res.Outputs["buf"]["out"])
	// The phase-scoped memory slot lease is gone once the run completes.
	assert.Equal(t, 0, te.engine.cfg.Pool.InUse("membuf"))
}

func TestRunCanceledContext(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	ctx, cancel := context.WithCancel(ctx)
	cancel()

	res, err := te.engine.Run(ctx, testutil.ChainGraph(t), RunOptions{Seed: 42, NoiseModel: "ideal"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// Cancellation carries no violation kind of its own.
	_, ok := violation.KindOf(err)
	assert.False(t, ok)

	require.NotNil(t, res)
	assert.Equal(t, result.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Failure.Detail, "canceled")
}

func TestParallelPhaseExecutesConcurrentDomains(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Parallelism = 4
	})
	ctx, _ := testutil.Context(t)

	g := qgraph.New("fanout")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(&qgraph.Node{
			ID:     id,
			Domain: qgraph.DomainClassical,
		}))
	}
	res, err := te.engine.Run(ctx, g, RunOptions{Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodesExecuted())
}

func TestReplayReproducesRun(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	g := testutil.BranchGraph(t)

	first, err := te.engine.Run(ctx, g, RunOptions{Seed: 7, NoiseModel: "ideal"})
	require.NoError(t, err)

	replayed, err := te.engine.Replay(ctx, ReplaySpec{
		Graph:      g,
		Seed:       7,
		NoiseModel: "ideal",
		Expected:   first,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Measurements, replayed.Measurements)
	assert.Equal(t, first.Outputs, replayed.Outputs)
}

func TestReplayDetectsMismatch(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	first, err := te.engine.Run(ctx, g, RunOptions{Seed: 7, NoiseModel: "ideal"})
	require.NoError(t, err)

	tampered := *first
	tampered.Measurements = append([]result.MeasurementRecord(nil), first.Measurements...)
	tampered.Measurements[0].Outcome = 99

	_, err = te.engine.Replay(ctx, ReplaySpec{Graph: g, Seed: 7, NoiseModel: "ideal", Expected: &tampered})
	require.Error(t, err)
	assert.True(t, violation.IsKind(err, violation.KindReplayMismatch))
}

func TestReplayRequiresPinnedInputs(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, _ := testutil.Context(t)
	g := testutil.ChainGraph(t)

	_, err := te.engine.Replay(ctx, ReplaySpec{Graph: g, Seed: 0, NoiseModel: "ideal"})
	assert.True(t, violation.IsKind(err, violation.KindReplayMismatch))

	_, err = te.engine.Replay(ctx, ReplaySpec{Graph: g, Seed: 7})
	assert.True(t, violation.IsKind(err, violation.KindReplayMismatch))
}
