// Package engine walks an execution plan, dispatches each node to its
// domain handler, and enforces safety and coherence at every step. It is
// the non-bypassable chokepoint: every computation flows through Run.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/coherence"
	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/resource"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/seed"
	"github.com/vk/photongrid/internal/validate"
	"github.com/vk/photongrid/internal/violation"
)

// State is the engine's run state machine.
type State int32

const (
	StateIdle State = iota
	StateValidatingGraph
	StateGeneratingPlan
	StateExecuting
	StateFinalizing
	StateEmitting
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidatingGraph:
		return "validating-graph"
	case StateGeneratingPlan:
		return "generating-plan"
	case StateExecuting:
		return "executing"
	case StateFinalizing:
		return "finalizing"
	case StateEmitting:
		return "emitting"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config wires one engine instance. Engines hold no ambient state: several
// can run concurrently against the same registry.
type Config struct {
	Registry   *capability.Registry
	Backend    string
	Calibrator string
	Telemetry  string
	Artifacts  string

	Builder plan.Builder
	Pool    *resource.Pool
	Policy  violation.Policy
	Limits  capability.SafetyLimits

	// Parallelism bounds concurrent node execution inside a parallel
	// phase. Values below 1 mean serial execution.
	Parallelism int
}

// Engine executes computation graphs.
type Engine struct {
	cfg   Config
	state atomic.Int32

	backgroundQueue *backgroundQueue
}

// New builds an engine. Capability names are resolved lazily at Run so
// registration order does not matter.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a capability registry")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("engine requires a plan builder")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("engine requires a resource pool")
	}
	if cfg.Policy == nil {
		cfg.Policy = violation.Policy{}
	}
	return &Engine{cfg: cfg, backgroundQueue: newBackgroundQueue()}, nil
}

// State reports the engine's current run state.
func (e *Engine) State() State { return State(e.state.Load()) }

// FillPolicy adds rules for violation kinds the configured policy leaves
// unset. Configured rules always win; call before Run, never during.
func (e *Engine) FillPolicy(p violation.Policy) {
	for kind, strategy := range p {
		if _, ok := e.cfg.Policy[kind]; !ok {
			e.cfg.Policy[kind] = strategy
		}
	}
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// RunOptions parameterize one run.
type RunOptions struct {
	// Seed drives every sampling site. Zero asks the backend for hardware
	// randomness, which the reference backend refuses; replay requires a
	// non-zero seed.
	Seed uint64
	// NoiseModel identifies the noise model the backend should assume.
	NoiseModel string
	// Calibration is the prior calibration state, applied before the
	// first node executes.
	Calibration map[string]float64
}

// Run validates, plans and executes a graph. On failure the caller receives
// the partial ExecutionResult alongside the error; resources are always
// released.
func (e *Engine) Run(ctx context.Context, g *qgraph.Graph, opts RunOptions) (*result.ExecutionResult, error) {
	logger := ctxlog.FromContext(ctx)

	e.setState(StateValidatingGraph)
	if !g.Frozen() {
		if err := validate.Accept(g, e.cfg.Pool); err != nil {
			e.setState(StateFailed)
			return nil, err
		}
	}

	backend, err := e.cfg.Registry.Backend(e.cfg.Backend)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	calibrator, err := e.cfg.Registry.Calibrator(e.cfg.Calibrator)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	sink, err := e.cfg.Registry.Telemetry(e.cfg.Telemetry)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}

	e.setState(StateGeneratingPlan)
	p, err := e.cfg.Builder.Build(g, e.cfg.Pool, opts.Seed)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	logger.Debug("Execution plan generated.", "planID", p.ID, "phases", len(p.Phases), "makespan", p.Makespan)

	runID := fmt.Sprintf("run-%016x", seed.Derive(opts.Seed, g.ID+"/"+opts.NoiseModel))
	ctx = ctxlog.WithRun(ctx, runID)

	ec := newExecContext(runID, opts, g, p)
	ec.tracker = coherence.FromGraph(g)
	defer e.cfg.Pool.ReleaseRun(runID)

	e.setState(StateExecuting)
	runErr := e.executePhases(ctx, ec, g, p, backend, calibrator, sink)

	e.setState(StateFinalizing)
	res := ec.snapshot(e.cfg.Telemetry, sink, runErr)

	e.setState(StateEmitting)
	sink.Counter(runID, "nodes_executed", int64(res.NodesExecuted()))
	sink.Counter(runID, "nodes_failed", int64(res.NodesFailed()))
	sink.Histogram(runID, "makespan_ns", float64(res.Makespan))
	if e.cfg.Artifacts != "" {
		if as, aerr := e.cfg.Registry.ArtifactSinkByName(e.cfg.Artifacts); aerr == nil {
			if _, serr := as.Store(res); serr != nil {
				logger.Warn("Artifact store failed.", "error", serr)
			}
		}
	}

	if runErr != nil {
		e.setState(StateFailed)
		return res, runErr
	}
	e.setState(StateComplete)
	return res, nil
}

// executePhases walks the plan in order. The logical clock only moves
// forward at phase boundaries, and never past a measurement whose outcome
// is still pending.
func (e *Engine) executePhases(ctx context.Context, ec *execContext, g *qgraph.Graph, p *plan.ExecutionPlan, backend capability.Backend, calibrator capability.CalibrationExecutor, sink capability.TelemetrySink) error {
	for _, ph := range p.Phases {
		// Cancellation is not a violation: it carries no taxonomy kind and
		// the failure marker records only the detail.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled: %w", err)
		}

		// Phase boundaries are the only safe checkpoints where queued
		// background work may preempt.
		if err := e.drainBackground(ctx, ec, calibrator); err != nil {
			return err
		}

		phaseCtx := ctxlog.WithPhase(ctx, ph.Index)
		lease, err := e.cfg.Pool.Acquire(ec.runID, phaseNeeds(g, ph))
		if err != nil {
			return violation.Wrap(violation.KindResourceInfeasible, "", err)
		}

		err = e.executePhase(phaseCtx, ec, g, ph, backend, calibrator, sink)
		lease.Release()
		if err != nil {
			return err
		}

		ec.advanceClock(ph)
	}
	return nil
}

// executePhase runs one phase. Stateless domains (classical, memory-access)
// may run concurrently; stateful domains (quantum, measurement,
// calibration) run serially in id order so the quantum state has a single
// writer.
func (e *Engine) executePhase(ctx context.Context, ec *execContext, g *qgraph.Graph, ph plan.Phase, backend capability.Backend, calibrator capability.CalibrationExecutor, sink capability.TelemetrySink) error {
	var concurrent, serial []plan.ScheduledNode
	for _, sn := range ph.Nodes {
		if ec.isSkipped(sn.NodeID) {
			ec.logSkipped(g.Node(sn.NodeID), sn)
			continue
		}
		switch g.Node(sn.NodeID).Domain {
		case qgraph.DomainClassical, qgraph.DomainMemory:
			concurrent = append(concurrent, sn)
		default:
			serial = append(serial, sn)
		}
	}

	if ph.Parallel && e.cfg.Parallelism > 1 && len(concurrent) > 1 {
		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(e.cfg.Parallelism)
		for _, sn := range concurrent {
			sn := sn
			grp.Go(func() error {
				return e.runNode(gctx, ec, g, sn, backend, calibrator, sink)
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	} else {
		for _, sn := range concurrent {
			if err := e.runNode(ctx, ec, g, sn, backend, calibrator, sink); err != nil {
				return err
			}
		}
	}

	for _, sn := range serial {
		if err := e.runNode(ctx, ec, g, sn, backend, calibrator, sink); err != nil {
			return err
		}
	}
	return nil
}

// phaseNeeds merges the resource needs of every node in a phase. The lease
// is scoped to the phase and released at phase completion.
func phaseNeeds(g *qgraph.Graph, ph plan.Phase) []qgraph.ResourceNeed {
	var needs []qgraph.ResourceNeed
	for _, sn := range ph.Nodes {
		needs = append(needs, g.Node(sn.NodeID).Resources...)
	}
	return needs
}

// clockAdvance is the phase-boundary update of the logical timeline.
func (ec *execContext) advanceClock(ph plan.Phase) {
	end := ec.now
	for _, sn := range ph.Nodes {
		if sn.End > end {
			end = sn.End
		}
	}
	ec.now = end
}
