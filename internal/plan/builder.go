package plan

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/resource"
	"github.com/vk/photongrid/internal/seed"
	"github.com/vk/photongrid/internal/violation"
)

const noDeadline = time.Duration(math.MaxInt64)

// Options configure plan construction. The zero value is the conservative
// default strategy with no extra phase spacing.
type Options struct {
	Branching BranchStrategy
	// PhaseSpacing is an idle gap injected between consecutive phases.
	PhaseSpacing time.Duration
	// ContentionStep is the extra spacing the dynamic builder adds per unit
	// of observed contention on a phase's resources.
	ContentionStep time.Duration
}

// Feedback carries observations from a prior run into the dynamic builder.
type Feedback struct {
	// Contention counts observed lock contention per resource id.
	Contention map[string]int
}

// Builder turns a validated graph into an execution plan.
type Builder interface {
	Build(g *qgraph.Graph, pool *resource.Pool, seedVal uint64) (*ExecutionPlan, error)
}

// StaticBuilder is a pure function of the graph and resources: no runtime
// feedback enters the schedule.
type StaticBuilder struct {
	opts Options
}

// NewStatic returns a static builder.
func NewStatic(opts Options) *StaticBuilder {
	return &StaticBuilder{opts: opts}
}

// Build implements Builder.
func (b *StaticBuilder) Build(g *qgraph.Graph, pool *resource.Pool, seedVal uint64) (*ExecutionPlan, error) {
	return build(g, pool, seedVal, b.opts, "static", nil)
}

// DynamicBuilder additionally biases phase spacing with feedback from a
// prior run. Deterministic given identical inputs including the feedback.
type DynamicBuilder struct {
	opts Options
	fb   Feedback
}

// NewDynamic returns a dynamic builder carrying prior-run feedback.
func NewDynamic(opts Options, fb Feedback) *DynamicBuilder {
	if opts.ContentionStep == 0 {
		opts.ContentionStep = 10 * time.Nanosecond
	}
	return &DynamicBuilder{opts: opts, fb: fb}
}

// Build implements Builder.
func (b *DynamicBuilder) Build(g *qgraph.Graph, pool *resource.Pool, seedVal uint64) (*ExecutionPlan, error) {
	return build(g, pool, seedVal, b.opts, "dynamic", &b.fb)
}

// prec is one precedence constraint used during construction: data edges,
// feedback edges (when they keep the order acyclic) and the sequencing
// edges injected by conservative branch budgeting.
type prec struct {
	from, to string
	latency  time.Duration
}

func build(g *qgraph.Graph, pool *resource.Pool, seedVal uint64, opts Options, algorithm string, fb *Feedback) (*ExecutionPlan, error) {
	if !g.Frozen() {
		return nil, fmt.Errorf("refusing to plan graph %q: not accepted by the validator", g.ID)
	}

	precs := collectPrecedence(g, opts.Branching)
	order, err := topoSort(g, precs)
	if err != nil {
		// Feedback edges may close a loop; retry without them before
		// giving up. Their latency budgets are still checked below.
		precs = filterFeedback(precs, g)
		order, err = topoSort(g, precs)
		if err != nil {
			return nil, err
		}
	}

	// Step 2 of the contract: feedback-latency budgets. The measured path
	// latency must fit the declared budget before anything is placed.
	for _, e := range g.FeedbackEdges() {
		budget := g.Node(e.From).Timing.FeedbackLatencyBudget
		if budget > 0 && e.Latency > budget {
			return nil, violation.Newf(violation.KindDeadline, e.From,
				"feedback latency %v exceeds declared deadline %v", e.Latency, budget)
		}
	}

	phaseOf, phaseCount, err := assignPhases(g, pool, order, precs)
	if err != nil {
		return nil, err
	}

	starts, ends, err := placeTimes(g, order, precs, phaseOf, phaseCount, opts, fb)
	if err != nil {
		return nil, err
	}

	deadlines, err := propagateDeadlines(g, order, precs, ends)
	if err != nil {
		return nil, err
	}

	phases, err := assemblePhases(g, order, phaseOf, phaseCount, starts, ends, deadlines)
	if err != nil {
		return nil, err
	}
	if err := compensateSkew(g, phases); err != nil {
		return nil, err
	}

	makespan := time.Duration(0)
	for _, e := range ends {
		if e > makespan {
			makespan = e
		}
	}

	p := &ExecutionPlan{
		ID:           fmt.Sprintf("plan-%016x", seed.Derive(seedVal, g.ID)),
		GraphID:      g.ID,
		Algorithm:    algorithm,
		Seed:         seedVal,
		Branching:    opts.Branching.String(),
		Makespan:     makespan,
		CriticalPath: criticalPath(g, order, precs, ends),
		Phases:       phases,
		Usage:        usageReport(phases, makespan),
		Provenance: map[string]string{
			"algorithm": algorithm,
			"branching": opts.Branching.String(),
			"graph":     g.ID,
			"nodes":     fmt.Sprintf("%d", len(order)),
			"seed":      fmt.Sprintf("%d", seedVal),
		},
	}
	return p, nil
}

// collectPrecedence gathers data edges, feedback edges and, under the
// conservative strategy, sequencing edges that budget every branch of a
// measurement one after another.
func collectPrecedence(g *qgraph.Graph, strategy BranchStrategy) []prec {
	var precs []prec
	for _, e := range g.Edges() {
		precs = append(precs, prec{from: e.From, to: e.To, latency: e.Latency})
	}
	for _, n := range g.Nodes() {
		if n.Domain != qgraph.DomainMeasurement {
			continue
		}
		targets := branchTargets(n)
		for _, t := range targets {
			if !hasEdge(g, n.ID, t) {
				precs = append(precs, prec{from: n.ID, to: t})
			}
		}
		if strategy == BranchConservative {
			for i := 1; i < len(targets); i++ {
				precs = append(precs, prec{from: targets[i-1], to: targets[i]})
			}
		}
	}
	return precs
}

// branchTargets returns the declared-order branch targets, default last,
// without duplicates.
func branchTargets(n *qgraph.Node) []string {
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

func hasEdge(g *qgraph.Graph, from, to string) bool {
	for _, e := range g.Edges() {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

func filterFeedback(precs []prec, g *qgraph.Graph) []prec {
	fb := make(map[[2]string]bool)
	for _, e := range g.FeedbackEdges() {
		fb[[2]string{e.From, e.To}] = true
	}
	var out []prec
	for _, p := range precs {
		if !fb[[2]string{p.from, p.to}] {
			out = append(out, p)
		}
	}
	return out
}

// topoSort is Kahn's algorithm with the ready set kept sorted by node id,
// which guarantees reproducible ordering.
func topoSort(g *qgraph.Graph, precs []prec) ([]string, error) {
	indeg := make(map[string]int)
	succ := make(map[string][]string)
	for _, id := range g.NodeIDs() {
		indeg[id] = 0
	}
	for _, p := range precs {
		indeg[p.to]++
		succ[p.from] = append(succ[p.from], p.to)
	}

	var ready []string
	for _, id := range g.NodeIDs() {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := append([]string(nil), succ[id]...)
		sort.Strings(next)
		for _, s := range next {
			indeg[s]--
			if indeg[s] == 0 {
				ready = insertSorted(ready, s)
			}
		}
	}
	if len(order) != len(g.NodeIDs()) {
		return nil, fmt.Errorf("precedence constraints contain a cycle")
	}
	return order, nil
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// assignPhases places every node into the earliest phase after its
// predecessors where its resources fit, respecting exclusivity. A node that
// cannot be placed within a bounded horizon fails with ResourceInfeasible.
func assignPhases(g *qgraph.Graph, pool *resource.Pool, order []string, precs []prec) (map[string]int, int, error) {
	preds := make(map[string][]string)
	for _, p := range precs {
		preds[p.to] = append(preds[p.to], p.from)
	}

	phaseOf := make(map[string]int, len(order))
	var phaseAvail []*resource.Availability
	availFor := func(p int) *resource.Availability {
		for len(phaseAvail) <= p {
			phaseAvail = append(phaseAvail, pool.Snapshot())
		}
		return phaseAvail[p]
	}

	horizon := 2*len(order) + 1
	maxPhase := 0
	for _, id := range order {
		n := g.Node(id)
		p0 := 0
		for _, pred := range preds[id] {
			if phaseOf[pred]+1 > p0 {
				p0 = phaseOf[pred] + 1
			}
		}
		placed := false
		for p := p0; p < p0+horizon; p++ {
			if err := availFor(p).CanAlloc(n.Resources); err == nil {
				availFor(p).Alloc(n.Resources)
				phaseOf[id] = p
				if p > maxPhase {
					maxPhase = p
				}
				placed = true
				break
			}
		}
		if !placed {
			return nil, 0, violation.Newf(violation.KindResourceInfeasible, id,
				"no feasible resource assignment within %d phases", horizon)
		}
	}
	return phaseOf, maxPhase + 1, nil
}

// placeTimes computes start/end offsets phase by phase. Nodes never start
// before their phase opens, before their dependencies complete, or before
// their coherence window opens.
func placeTimes(g *qgraph.Graph, order []string, precs []prec, phaseOf map[string]int, phaseCount int, opts Options, fb *Feedback) (map[string]time.Duration, map[string]time.Duration, error) {
	predEdges := make(map[string][]prec)
	for _, p := range precs {
		predEdges[p.to] = append(predEdges[p.to], p)
	}
	byPhase := nodesByPhase(order, phaseOf, phaseCount)

	starts := make(map[string]time.Duration, len(order))
	ends := make(map[string]time.Duration, len(order))

	phaseStart := time.Duration(0)
	for p := 0; p < phaseCount; p++ {
		phaseEnd := phaseStart
		for _, id := range byPhase[p] {
			n := g.Node(id)
			start := phaseStart
			for _, pe := range predEdges[id] {
				if t := ends[pe.from] + pe.latency; t > start {
					start = t
				}
			}
			if n.Window != "" {
				if w, ok := g.Window(n.Window); ok && w.Start > start {
					start = w.Start
				}
			}
			end := start + n.Timing.Duration
			starts[id] = start
			ends[id] = end
			if end > phaseEnd {
				phaseEnd = end
			}
		}
		gap := opts.PhaseSpacing
		if fb != nil {
			gap += contentionGap(g, byPhase[p], fb, opts.ContentionStep)
		}
		phaseStart = phaseEnd + gap
	}
	return starts, ends, nil
}

func contentionGap(g *qgraph.Graph, phaseNodes []string, fb *Feedback, step time.Duration) time.Duration {
	maxContention := 0
	for _, id := range phaseNodes {
		for _, need := range g.Node(id).Resources {
			if c := fb.Contention[need.Resource]; c > maxContention {
				maxContention = c
			}
		}
	}
	return time.Duration(maxContention) * step
}

func nodesByPhase(order []string, phaseOf map[string]int, phaseCount int) [][]string {
	byPhase := make([][]string, phaseCount)
	for _, id := range order {
		p := phaseOf[id]
		byPhase[p] = append(byPhase[p], id)
	}
	for p := range byPhase {
		sort.Strings(byPhase[p])
	}
	return byPhase
}

// propagateDeadlines walks the precedence graph backward from terminal and
// window-bounded nodes. A negative or violated deadline fails the whole
// plan before anything physical runs.
func propagateDeadlines(g *qgraph.Graph, order []string, precs []prec, ends map[string]time.Duration) (map[string]time.Duration, error) {
	succEdges := make(map[string][]prec)
	for _, p := range precs {
		succEdges[p.from] = append(succEdges[p.from], p)
	}

	deadlines := make(map[string]time.Duration, len(order))
	for _, id := range order {
		d := noDeadline
		n := g.Node(id)
		if n.Window != "" {
			if w, ok := g.Window(n.Window); ok {
				d = w.Deadline()
			}
		}
		deadlines[id] = d
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		for _, se := range succEdges[id] {
			child := g.Node(se.to)
			cd := deadlines[se.to]
			if cd == noDeadline {
				continue
			}
			cand := cd - child.Timing.Duration - se.latency
			if cand < 0 {
				return nil, violation.Newf(violation.KindDeadline, id,
					"backward deadline propagation went negative through %q", se.to)
			}
			if cand < deadlines[id] {
				deadlines[id] = cand
			}
		}
	}

	for _, id := range order {
		n := g.Node(id)
		if ends[id] > deadlines[id] {
			return nil, violation.Newf(violation.KindDeadline, id,
				"scheduled end %v exceeds deadline %v", ends[id], deadlines[id])
		}
		if n.Window != "" && n.Timing.CoherenceRequirement > 0 {
			if w, ok := g.Window(n.Window); ok {
				remaining := w.Deadline() - (ends[id] - n.Timing.Duration)
				if remaining < n.Timing.CoherenceRequirement {
					return nil, violation.Newf(violation.KindInsufficientWindow, id,
						"window %q leaves %v but node requires %v", w.ID, remaining, n.Timing.CoherenceRequirement)
				}
			}
		}
	}
	return deadlines, nil
}

func assemblePhases(g *qgraph.Graph, order []string, phaseOf map[string]int, phaseCount int, starts, ends, deadlines map[string]time.Duration) ([]Phase, error) {
	byPhase := nodesByPhase(order, phaseOf, phaseCount)
	phases := make([]Phase, 0, phaseCount)
	for p := 0; p < phaseCount; p++ {
		ph := Phase{Index: p, Parallel: len(byPhase[p]) > 1, Deadline: noDeadline}
		for _, id := range byPhase[p] {
			n := g.Node(id)
			sn := ScheduledNode{
				NodeID:   id,
				Start:    starts[id],
				End:      ends[id],
				Deadline: deadlines[id],
				WindowID: n.Window,
				Channel:  n.Channel,
			}
			for _, need := range n.Resources {
				units := need.Units
				if units <= 0 {
					units = 1
				}
				sn.Allocations = append(sn.Allocations, Allocation{Resource: need.Resource, Units: units})
			}
			if sn.Deadline < ph.Deadline {
				ph.Deadline = sn.Deadline
			}
			ph.Nodes = append(ph.Nodes, sn)
		}
		phases = append(phases, ph)
	}
	return phases, nil
}

// compensateSkew injects per-node delay so that signals on different
// wavelength channels arrive within a tenth of the governing coherence time.
// Residual skew past a channel's compensation range fails the plan.
func compensateSkew(g *qgraph.Graph, phases []Phase) error {
	for pi := range phases {
		ph := &phases[pi]

		type arrivalInfo struct {
			idx     int
			arrival time.Duration
			channel qgraph.Channel
		}
		var infos []arrivalInfo
		coherence := noDeadline
		for i, sn := range ph.Nodes {
			n := g.Node(sn.NodeID)
			if n.Channel == "" {
				continue
			}
			ch, ok := g.Channel(n.Channel)
			if !ok {
				return fmt.Errorf("node %q references undeclared channel %q", sn.NodeID, n.Channel)
			}
			infos = append(infos, arrivalInfo{idx: i, arrival: sn.Start + ch.Delay, channel: ch})
			if n.Window != "" {
				if w, ok := g.Window(n.Window); ok && w.Duration < coherence {
					coherence = w.Duration
				}
			}
		}
		if len(infos) < 2 {
			continue
		}

		latest := infos[0].arrival
		for _, in := range infos[1:] {
			if in.arrival > latest {
				latest = in.arrival
			}
		}
		earliest := latest
		for i := range infos {
			in := &infos[i]
			comp := latest - in.arrival
			if in.channel.MaxCompensation > 0 && comp > in.channel.MaxCompensation {
				comp = in.channel.MaxCompensation
			}
			ph.Nodes[in.idx].SkewCompensation = comp
			if a := in.arrival + comp; a < earliest {
				earliest = a
			}
		}

		if coherence != noDeadline {
			bound := coherence / 10
			if residual := latest - earliest; residual >= bound {
				return violation.Newf(violation.KindMultiModeDecoherence, "",
					"phase %d channel skew %v not compensable under bound %v", ph.Index, latest-earliest, bound)
			}
		}
	}
	return nil
}

// criticalPath backtracks the longest chain by completion time, breaking
// ties toward the lexicographically smallest predecessor.
func criticalPath(g *qgraph.Graph, order []string, precs []prec, ends map[string]time.Duration) []string {
	predEdges := make(map[string][]prec)
	for _, p := range precs {
		predEdges[p.to] = append(predEdges[p.to], p)
	}

	var tail string
	var latest time.Duration = -1
	for _, id := range order {
		if ends[id] > latest || (ends[id] == latest && id < tail) {
			latest = ends[id]
			tail = id
		}
	}
	if tail == "" {
		return nil
	}

	var path []string
	cur := tail
	for {
		path = append([]string{cur}, path...)
		var best string
		var bestEnd time.Duration = -1
		for _, pe := range predEdges[cur] {
			e := ends[pe.from]
			if e > bestEnd || (e == bestEnd && pe.from < best) {
				bestEnd = e
				best = pe.from
			}
		}
		if best == "" {
			return path
		}
		cur = best
	}
}

func usageReport(phases []Phase, makespan time.Duration) UsageReport {
	peak := make(map[string]int)
	peakConcurrency := 0
	var busy time.Duration
	for _, ph := range phases {
		if len(ph.Nodes) > peakConcurrency {
			peakConcurrency = len(ph.Nodes)
		}
		phaseUnits := make(map[string]int)
		for _, sn := range ph.Nodes {
			busy += sn.End - sn.Start
			for _, a := range sn.Allocations {
				phaseUnits[a.Resource] += a.Units
			}
		}
		for res, units := range phaseUnits {
			if units > peak[res] {
				peak[res] = units
			}
		}
	}
	avg := 0.0
	if makespan > 0 {
		avg = float64(busy) / float64(makespan)
	}
	return UsageReport{PeakUnits: peak, PeakConcurrency: peakConcurrency, AverageParallelism: avg}
}
