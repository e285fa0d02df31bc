package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/coherence"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/violation"
)

// execContext is exclusively owned by one engine run for its lifetime. It
// is never shared across concurrent runs; the mutex only serializes the
// workers of a single parallel phase.
type execContext struct {
	runID      string
	seed       uint64
	noiseModel string
	graphID    string
	planID     string
	startedAt  time.Time

	// now is the logical clock: plan-relative nanoseconds, never wall
	// time. It advances at phase boundaries only.
	now     time.Duration
	modes   int
	tracker *coherence.Tracker

	mu           sync.Mutex
	state        *capability.QuantumState
	calibration  map[string]float64
	outputs      map[string]map[string]float64
	log          []result.NodeLog
	violations   []violation.Record
	measurements []result.MeasurementRecord
	skipped      map[string]bool
	attempts     map[string]int
	makespan     time.Duration
}

func newExecContext(runID string, opts RunOptions, g *qgraph.Graph, p *plan.ExecutionPlan) *execContext {
	calibration := make(map[string]float64, len(opts.Calibration))
	for k, v := range opts.Calibration {
		calibration[k] = v
	}
	return &execContext{
		runID:       runID,
		seed:        opts.Seed,
		noiseModel:  opts.NoiseModel,
		graphID:     g.ID,
		planID:      p.ID,
		startedAt:   time.Now().UTC(),
		modes:       modeCount(g),
		calibration: calibration,
		outputs:     make(map[string]map[string]float64),
		skipped:     make(map[string]bool),
		attempts:    make(map[string]int),
		makespan:    p.Makespan,
	}
}

// modeCount sizes the prepared state from the widest mode index any node
// addresses. At least one mode even for all-classical graphs.
func modeCount(g *qgraph.Graph) int {
	max := 0
	for _, id := range g.NodeIDs() {
		n := g.Node(id)
		for _, key := range []string{"mode", "mode1", "mode2"} {
			if v, ok := paramFloat(n.Params[key]); ok && int(v) > max {
				max = int(v)
			}
		}
	}
	return max + 1
}

func (ec *execContext) isSkipped(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.skipped[nodeID]
}

// skipUnselected marks every node that is only reachable through unselected
// branch targets. A join node with a live predecessor stays live.
func (ec *execContext) skipUnselected(g *qgraph.Graph, measurementID, selected string, targets []string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	for _, t := range targets {
		if t != selected {
			ec.skipped[t] = true
		}
	}

	// Propagate until fixpoint: a downstream node is dead once every
	// predecessor is dead or the dead branch target itself.
	for {
		changed := false
		for _, id := range g.NodeIDs() {
			if ec.skipped[id] || id == selected || id == measurementID {
				continue
			}
			preds := g.Predecessors(id)
			if len(preds) == 0 {
				continue
			}
			dead := 0
			for _, p := range preds {
				if ec.skipped[p] {
					dead++
				}
			}
			if dead == len(preds) {
				ec.skipped[id] = true
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (ec *execContext) logSkipped(n *qgraph.Node, sn plan.ScheduledNode) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.log = append(ec.log, result.NodeLog{
		NodeID:  n.ID,
		Domain:  n.Domain.String(),
		Start:   sn.Start,
		End:     sn.Start,
		Success: true,
		Skipped: true,
	})
}

func (ec *execContext) appendLog(entry result.NodeLog) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.log = append(ec.log, entry)
}

func (ec *execContext) recordViolation(rec violation.Record) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.violations = append(ec.violations, rec)
}

func (ec *execContext) recordMeasurement(rec result.MeasurementRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.measurements = append(ec.measurements, rec)
}

func (ec *execContext) setOutputs(nodeID string, vals map[string]float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[nodeID] = vals
}

// inputSum folds the values arriving at a node over its incoming data
// edges: per input port, the sum of connected upstream outputs.
func (ec *execContext) inputSum(g *qgraph.Graph, nodeID string) map[string]float64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	in := make(map[string]float64)
	for _, e := range g.DataEdges() {
		if e.To != nodeID {
			continue
		}
		if vals, ok := ec.outputs[e.From]; ok {
			in[e.ToPort] += vals[e.FromPort]
		}
	}
	return in
}

// ensureState lazily prepares the backend state the first time a quantum
// or measurement node touches it. Mode count follows the graph's windows;
// a single default mode when none declare one.
func (ec *execContext) ensureState(ctx context.Context, backend capability.Backend) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != nil {
		return nil
	}
	st, err := backend.Prepare(ctx, ec.modes, ec.seed)
	if err != nil {
		return violation.Wrap(violation.KindStateExpired, "", err)
	}
	if st.Provenance == nil {
		st.Provenance = make(map[string]string)
	}
	st.Provenance["run_id"] = ec.runID
	st.Provenance["noise_model"] = ec.noiseModel
	ec.state = st
	return nil
}

func (ec *execContext) calibrationValue(name string) (float64, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.calibration[name]
	return v, ok
}

func (ec *execContext) calibrationSnapshot() map[string]float64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	cp := make(map[string]float64, len(ec.calibration))
	for k, v := range ec.calibration {
		cp[k] = v
	}
	return cp
}

func (ec *execContext) mergeCalibration(params map[string]float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range params {
		ec.calibration[k] = v
	}
}

func (ec *execContext) nextAttempt(nodeID string) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	a := ec.attempts[nodeID]
	ec.attempts[nodeID] = a + 1
	return a
}

// snapshot produces the immutable final result. Called exactly once, after
// the last phase or at the abort point; the partial log is preserved.
func (ec *execContext) snapshot(sinkName string, sink capability.TelemetrySink, runErr error) *result.ExecutionResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	res := &result.ExecutionResult{
		ExecutionID:  ec.runID,
		GraphID:      ec.graphID,
		PlanID:       ec.planID,
		Seed:         ec.seed,
		NoiseModel:   ec.noiseModel,
		Status:       result.StatusComplete,
		StartedAt:    ec.startedAt,
		FinishedAt:   time.Now().UTC(),
		Makespan:     ec.makespan,
		Outputs:      ec.outputs,
		Measurements: append([]result.MeasurementRecord(nil), ec.measurements...),
		Violations:   append([]violation.Record(nil), ec.violations...),
		Log:          append([]result.NodeLog(nil), ec.log...),
	}
	if ms, ok := sink.(interface{ SpanCount(string) int }); ok {
		res.Telemetry = result.TelemetryRef{RunID: ec.runID, Sink: sinkName, Spans: ms.SpanCount(ec.runID)}
	} else {
		res.Telemetry = result.TelemetryRef{RunID: ec.runID, Sink: sinkName}
	}
	if runErr != nil {
		res.Status = result.StatusFailed
		marker := &result.FailureMarker{Detail: runErr.Error()}
		var ve *violation.Error
		if errors.As(runErr, &ve) {
			marker.Kind = ve.Kind
			marker.NodeID = ve.NodeID
		}
		res.Failure = marker
	}
	return res
}
