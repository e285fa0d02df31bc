package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/coherence"
	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/seed"
	"github.com/vk/photongrid/internal/violation"
)

// runNode executes one scheduled node under the violation policy. A
// Recalibrate decision retries the node exactly once; a second failure
// escalates to abort. Side effects (log append, telemetry span, budget
// decrement) are never rolled back.
func (e *Engine) runNode(ctx context.Context, ec *execContext, g *qgraph.Graph, sn plan.ScheduledNode, backend capability.Backend, calibrator capability.CalibrationExecutor, sink capability.TelemetrySink) error {
	n := g.Node(sn.NodeID)
	nodeCtx := ctxlog.WithNode(ctx, n.ID)
	logger := ctxlog.FromContext(nodeCtx)

	for {
		attempt := ec.nextAttempt(n.ID)
		span := sink.StartSpan(ec.runID, n.ID)
		err := e.executeOnce(nodeCtx, ec, g, n, sn, attempt, backend, calibrator)
		span.End()

		entry := result.NodeLog{
			NodeID:   n.ID,
			Domain:   n.Domain.String(),
			Start:    sn.Start,
			End:      sn.End,
			Success:  err == nil,
			Attempts: attempt + 1,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		ec.appendLog(entry)

		if err == nil {
			logger.Debug("Node execution succeeded.", "attempt", attempt)
			return nil
		}

		kind, ok := violation.KindOf(err)
		if !ok {
			// Non-taxonomy failures abort: never silently drop state.
			return violation.Wrap(violation.KindCalibrationFailure, n.ID, err)
		}
		ec.recordViolation(violation.Record{Kind: kind, NodeID: n.ID, Detail: err.Error(), At: sn.Start})

		if kind == violation.KindBranching {
			// Non-recoverable regardless of policy.
			logger.Error("Branching failure is non-recoverable.", "error", err)
			return err
		}

		switch e.cfg.Policy.Decide(kind, attempt) {
		case violation.Alert:
			logger.Warn("Violation logged, continuing per policy.", "kind", kind.String(), "error", err)
			return nil
		case violation.Recalibrate:
			logger.Warn("Violation triggers synchronous recalibration.", "kind", kind.String(), "error", err)
			if rerr := e.recalibrate(nodeCtx, ec, calibrator); rerr != nil {
				return rerr
			}
			continue // exactly one retry; Decide escalates next time
		default:
			logger.Error("Violation aborts the run per policy.", "kind", kind.String(), "error", err)
			return err
		}
	}
}

// executeOnce performs the safety pre-check and dispatches on the node's
// domain. The domain set is closed; the default arm is a schema error.
func (e *Engine) executeOnce(ctx context.Context, ec *execContext, g *qgraph.Graph, n *qgraph.Node, sn plan.ScheduledNode, attempt int, backend capability.Backend, calibrator capability.CalibrationExecutor) error {
	if err := e.checkSafety(ctx, n); err != nil {
		return err
	}

	switch n.Domain {
	case qgraph.DomainClassical:
		return e.executeClassical(ec, g, n)
	case qgraph.DomainQuantum:
		return e.executeQuantum(ctx, ec, n, sn, backend)
	case qgraph.DomainMeasurement:
		return e.executeMeasurement(ctx, ec, g, n, sn, attempt, backend)
	case qgraph.DomainCalibration:
		return e.executeCalibration(ctx, ec, n, calibrator)
	case qgraph.DomainMemory:
		return e.executeMemory(ec, g, n)
	default:
		return fmt.Errorf("node %q has unknown domain %v", n.ID, n.Domain)
	}
}

// checkSafety validates node parameters against the configured limits
// before anything executes. Hard breaches are violations; soft breaches
// are logged and execution continues.
func (e *Engine) checkSafety(ctx context.Context, n *qgraph.Node) error {
	logger := ctxlog.FromContext(ctx)
	for _, name := range sortedParamNames(n.Params) {
		v, ok := paramFloat(n.Params[name])
		if !ok {
			continue
		}
		if limit, ok := hardLimit(e.cfg.Limits, name); ok && v > limit {
			return violation.Newf(violation.KindHardLimit, n.ID,
				"parameter %s=%g exceeds hard limit %g", name, v, limit)
		}
		if limit, ok := softLimit(e.cfg.Limits, name); ok && v > limit {
			logger.Warn("Soft safety limit exceeded.", "param", name, "value", v, "limit", limit)
		}
	}
	return nil
}

func hardLimit(l capability.SafetyLimits, name string) (float64, bool) {
	if v, ok := l.Hard[name]; ok {
		return v, true
	}
	v, ok := l.Hard["*"]
	return v, ok
}

func softLimit(l capability.SafetyLimits, name string) (float64, bool) {
	if v, ok := l.Soft[name]; ok {
		return v, true
	}
	v, ok := l.Soft["*"]
	return v, ok
}

func sortedParamNames(params map[string]cty.Value) []string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func paramFloat(v cty.Value) (float64, bool) {
	if v.IsNull() || !v.Type().Equals(cty.Number) {
		return 0, false
	}
	f, _ := v.AsBigFloat().Float64()
	return f, true
}

func paramString(v cty.Value) (string, bool) {
	if v.IsNull() || !v.Type().Equals(cty.String) {
		return "", false
	}
	return v.AsString(), true
}

// executeClassical is a pure transform of the summed input amplitudes plus
// calibrated parameters: out = (in + offset) * gain per output port. No
// randomness, no side effects beyond output ports.
func (e *Engine) executeClassical(ec *execContext, g *qgraph.Graph, n *qgraph.Node) error {
	in := ec.inputSum(g, n.ID)
	gain := 1.0
	if v, ok := paramFloat(n.Params["gain"]); ok {
		gain = v
	}
	offset := 0.0
	if v, ok := paramFloat(n.Params["offset"]); ok {
		offset = v
	}
	if trim, ok := ec.calibrationValue("gain_trim"); ok {
		gain += trim
	}

	total := 0.0
	for _, v := range in {
		total += v
	}
	out := make(map[string]float64, len(n.Out))
	for _, p := range n.Out {
		out[p.Name] = (total + offset) * gain
	}
	ec.setOutputs(n.ID, out)
	return nil
}

// executeMemory moves buffered values through: each output port carries the
// summed inputs unchanged. The memory slot itself is held via the node's
// resource needs for the phase.
func (e *Engine) executeMemory(ec *execContext, g *qgraph.Graph, n *qgraph.Node) error {
	in := ec.inputSum(g, n.ID)
	total := 0.0
	for _, v := range in {
		total += v
	}
	out := make(map[string]float64, len(n.Out))
	for _, p := range n.Out {
		out[p.Name] = total
	}
	ec.setOutputs(n.ID, out)
	return nil
}

// executeQuantum requires the node's coherence window to be open at its
// scheduled start, delegates the unitary to the backend, then lets the
// state idle-evolve for the node's duration.
func (e *Engine) executeQuantum(ctx context.Context, ec *execContext, n *qgraph.Node, sn plan.ScheduledNode, backend capability.Backend) error {
	st, err := ec.tracker.State(n.Window, sn.Start)
	if err != nil {
		return violation.Wrap(violation.KindStateExpired, n.ID, err)
	}
	if st != coherence.StateOpen {
		return violation.Newf(violation.KindStateExpired, n.ID,
			"coherence window %q expired before scheduled start %v", n.Window, sn.Start)
	}
	if remaining, _ := ec.tracker.Remaining(n.Window, sn.Start); remaining < n.Timing.Duration {
		return violation.Newf(violation.KindInsufficientWindow, n.ID,
			"window %q has %v remaining, node needs %v", n.Window, remaining, n.Timing.Duration)
	}

	if err := ec.ensureState(ctx, backend); err != nil {
		return err
	}

	gate, ok := paramString(n.Params["gate"])
	if !ok {
		return fmt.Errorf("quantum node %q declares no gate parameter", n.ID)
	}
	params := make(map[string]float64)
	for _, name := range sortedParamNames(n.Params) {
		if v, ok := paramFloat(n.Params[name]); ok {
			params[name] = v
		}
	}
	for k, v := range ec.calibrationSnapshot() {
		if _, declared := params[k]; !declared {
			params[k] = v
		}
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	next, err := backend.ApplyGate(ctx, ec.state, gate, params)
	if err != nil {
		return violation.Wrap(violation.KindStateExpired, n.ID, err)
	}
	next, err = backend.Evolve(ctx, next, n.Timing.Duration)
	if err != nil {
		return violation.Wrap(violation.KindStateExpired, n.ID, err)
	}
	ec.state = next
	return nil
}

// executeMeasurement samples an outcome with the node's derived sub-seed,
// collapses the state, checks the feedback-latency budget, and selects
// exactly one downstream branch.
func (e *Engine) executeMeasurement(ctx context.Context, ec *execContext, g *qgraph.Graph, n *qgraph.Node, sn plan.ScheduledNode, attempt int, backend capability.Backend) error {
	logger := ctxlog.FromContext(ctx)

	if n.Window != "" {
		st, err := ec.tracker.State(n.Window, sn.Start)
		if err != nil || st != coherence.StateOpen {
			return violation.Newf(violation.KindStateExpired, n.ID,
				"coherence window %q not open at measurement start", n.Window)
		}
	}
	if err := ec.ensureState(ctx, backend); err != nil {
		return err
	}

	mode := 0
	if v, ok := paramFloat(n.Params["mode"]); ok {
		mode = int(v)
	}
	subSeed := ec.seed
	if subSeed != 0 {
		subSeed = seed.ForNode(ec.seed, n.ID, attempt)
	}

	ec.mu.Lock()
	outcome, err := backend.Measure(ctx, ec.state, mode, subSeed)
	if err == nil && outcome.Collapsed != nil {
		ec.state = outcome.Collapsed
	}
	ec.mu.Unlock()
	if err != nil {
		return violation.Wrap(violation.KindStateExpired, n.ID, err)
	}
	if outcome.Outcome >= n.OutcomeDomain && n.OutcomeDomain > 0 {
		// Clamp into the declared domain deterministically: the backend's
		// register may be wider than the branch domain.
		outcome.Outcome %= n.OutcomeDomain
	}

	// The engine's logical clock does not pass this node until the outcome
	// is available; if availability overruns the declared budget the
	// feedback loop is broken.
	if n.Timing.FeedbackLatencyBudget > 0 {
		available := backend.Capabilities().MeasurementLatency
		for _, fe := range g.FeedbackEdges() {
			if fe.From == n.ID && fe.Latency > available {
				available = fe.Latency
			}
		}
		if available > n.Timing.FeedbackLatencyBudget {
			return violation.Newf(violation.KindFeedbackTimeout, n.ID,
				"outcome available after %v, budget %v", available, n.Timing.FeedbackLatencyBudget)
		}
	}

	record := result.MeasurementRecord{
		NodeID:      n.ID,
		Outcome:     outcome.Outcome,
		Probability: outcome.Probability,
		Seed:        outcome.Seed,
	}

	if len(n.Branches) > 0 || n.DefaultBranch != "" {
		selected := ""
		for _, b := range n.Branches {
			if b.Outcome == outcome.Outcome {
				selected = b.Target
				break
			}
		}
		if selected == "" {
			selected = n.DefaultBranch
		}
		if selected == "" {
			ec.recordMeasurement(record)
			return violation.Newf(violation.KindBranching, n.ID,
				"no branch predicate matches outcome %d and no default branch is declared", outcome.Outcome)
		}
		record.Branch = selected
		logger.Debug("Measurement selected branch.", "outcome", outcome.Outcome, "branch", selected)
		ec.skipUnselected(g, n.ID, selected, branchTargetsOf(n))
	}

	ec.recordMeasurement(record)
	out := make(map[string]float64, len(n.Out))
	for _, p := range n.Out {
		out[p.Name] = float64(outcome.Outcome)
	}
	ec.setOutputs(n.ID, out)
	return nil
}

func branchTargetsOf(n *qgraph.Node) []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range n.Branches {
		if !seen[b.Target] {
			seen[b.Target] = true
			out = append(out, b.Target)
		}
	}
	if n.DefaultBranch != "" && !seen[n.DefaultBranch] {
		out = append(out, n.DefaultBranch)
	}
	return out
}

// executeCalibration delegates to the external executor and safety-validates
// the artifact before it may touch anything physical. A hard-limit breach
// aborts before ApplyCalibration.
func (e *Engine) executeCalibration(ctx context.Context, ec *execContext, n *qgraph.Node, calibrator capability.CalibrationExecutor) error {
	kernel, _ := paramString(n.Params["kernel"])
	if kernel == "" {
		kernel = n.ID
	}

	art, err := calibrator.ExecuteCalibration(ctx, kernel, ec.calibrationSnapshot())
	if err != nil {
		return violation.Wrap(violation.KindCalibrationFailure, n.ID, err)
	}
	if err := e.validateArtifact(n.ID, art); err != nil {
		return err
	}
	if err := calibrator.ApplyCalibration(ctx, art.Params, e.cfg.Limits); err != nil {
		return violation.Wrap(violation.KindCalibrationFailure, n.ID, err)
	}
	ec.mergeCalibration(art.Params)
	return nil
}

// validateArtifact applies the safety limits to a calibration result.
func (e *Engine) validateArtifact(nodeID string, art *capability.CalibrationArtifact) error {
	names := make([]string, 0, len(art.Params))
	for k := range art.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if limit, ok := hardLimit(e.cfg.Limits, name); ok && art.Params[name] > limit {
			return violation.Newf(violation.KindHardLimit, nodeID,
				"calibration result %s=%g exceeds hard limit %g", name, art.Params[name], limit)
		}
	}
	if e.cfg.Limits.MinFidelity > 0 && art.Fidelity < e.cfg.Limits.MinFidelity {
		return violation.Newf(violation.KindFidelityBelowMinimum, nodeID,
			"calibration fidelity %g below minimum %g", art.Fidelity, e.cfg.Limits.MinFidelity)
	}
	return nil
}

// recalibrate is the synchronous recovery path of the Recalibrate policy.
func (e *Engine) recalibrate(ctx context.Context, ec *execContext, calibrator capability.CalibrationExecutor) error {
	art, err := calibrator.ExecuteCalibration(ctx, "recovery", ec.calibrationSnapshot())
	if err != nil {
		return violation.Wrap(violation.KindCalibrationFailure, "", err)
	}
	if err := e.validateArtifact("", art); err != nil {
		return err
	}
	if err := calibrator.ApplyCalibration(ctx, art.Params, e.cfg.Limits); err != nil {
		return violation.Wrap(violation.KindCalibrationFailure, "", err)
	}
	ec.mergeCalibration(art.Params)
	return nil
}
