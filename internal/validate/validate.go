// Package validate performs the static acceptance checks on a submitted
// computation graph. A graph that fails any check is rejected whole; the
// planner and engine refuse graphs that have not been accepted here.
package validate

import (
	"fmt"
	"strings"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/resource"
	"github.com/vk/photongrid/internal/violation"
)

// Error is one validation failure. Validation collects every failure rather
// than stopping at the first, so a rejected graph reports all of its defects.
type Error struct {
	Check string
	Where string
	Msg   string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Check, e.Where, e.Msg)
}

// Reject aggregates validation errors into a single violation error.
func Reject(errs []Error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return violation.Newf(violation.KindValidation, "", "graph rejected:\n- %s",
		strings.Join(msgs, "\n- "))
}

// Accept validates the graph and freezes it on success. On failure the graph
// stays mutable and the aggregated rejection is returned.
func Accept(g *qgraph.Graph, pool *resource.Pool) error {
	if errs := Validate(g, pool); len(errs) > 0 {
		return Reject(errs)
	}
	g.Freeze()
	return nil
}

// Validate runs every check in order and returns all failures.
func Validate(g *qgraph.Graph, pool *resource.Pool) []Error {
	var errs []Error
	errs = append(errs, checkAcyclic(g)...)
	errs = append(errs, checkPorts(g)...)
	errs = append(errs, checkCoherence(g)...)
	errs = append(errs, checkResources(g, pool)...)
	errs = append(errs, checkBranches(g)...)
	errs = append(errs, checkCalibration(g)...)
	errs = append(errs, checkFeedbackEdges(g)...)
	return errs
}

// checkAcyclic runs depth-first search over the non-feedback edges with the
// classic permanent/temporary marking. Feedback edges are exempt by design:
// they close measurement-conditioned loops.
func checkAcyclic(g *qgraph.Graph) []Error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var cycleAt string
	var visit func(id string) bool
	visit = func(id string) bool {
		if permanent[id] {
			return true
		}
		if temporary[id] {
			cycleAt = id
			return false
		}
		temporary[id] = true
		for _, succ := range g.Successors(id) {
			if !visit(succ) {
				return false
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return true
	}

	for _, id := range g.NodeIDs() {
		if !permanent[id] {
			if !visit(id) {
				return []Error{{
					Check: "acyclicity",
					Where: cycleAt,
					Msg:   fmt.Sprintf("cycle detected involving node %q over non-feedback edges", cycleAt),
				}}
			}
		}
	}
	return nil
}

// checkPorts verifies every data edge references existing ports with
// matching data types. Type compatibility is cty.Type equality. Feedback
// edges carry a measurement outcome, not port-typed data, so they only need
// their endpoints to exist.
func checkPorts(g *qgraph.Graph) []Error {
	var errs []Error
	for _, e := range g.Edges() {
		from := g.Node(e.From)
		to := g.Node(e.To)
		if e.Feedback {
			if from == nil || to == nil {
				errs = append(errs, Error{
					Check: "ports",
					Where: fmt.Sprintf("%s->%s", e.From, e.To),
					Msg:   "feedback edge references a node that does not exist",
				})
			}
			continue
		}
		if from == nil || to == nil {
			errs = append(errs, Error{
				Check: "ports",
				Where: fmt.Sprintf("%s->%s", e.From, e.To),
				Msg:   "edge references a node that does not exist",
			})
			continue
		}
		src, ok := findPort(from.Out, e.FromPort)
		if !ok {
			errs = append(errs, Error{
				Check: "ports",
				Where: e.From,
				Msg:   fmt.Sprintf("output port %q not declared", e.FromPort),
			})
			continue
		}
		dst, ok := findPort(to.In, e.ToPort)
		if !ok {
			errs = append(errs, Error{
				Check: "ports",
				Where: e.To,
				Msg:   fmt.Sprintf("input port %q not declared", e.ToPort),
			})
			continue
		}
		if !src.Type.Equals(dst.Type) {
			errs = append(errs, Error{
				Check: "ports",
				Where: fmt.Sprintf("%s.%s->%s.%s", e.From, e.FromPort, e.To, e.ToPort),
				Msg: fmt.Sprintf("port type mismatch: %s vs %s",
					src.Type.FriendlyName(), dst.Type.FriendlyName()),
			})
		}
	}
	return errs
}

func findPort(ports []qgraph.Port, name string) (qgraph.Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return qgraph.Port{}, false
}

// checkCoherence rejects any node that individually needs more coherence
// time than any declared window can provide.
func checkCoherence(g *qgraph.Graph) []Error {
	var errs []Error
	windows := g.Windows()
	var longest qgraph.WindowSpec
	for _, w := range windows {
		if w.Duration > longest.Duration {
			longest = w
		}
	}

	for _, n := range g.Nodes() {
		if n.Window != "" {
			w, ok := g.Window(n.Window)
			if !ok {
				errs = append(errs, Error{
					Check: "coherence",
					Where: n.ID,
					Msg:   fmt.Sprintf("references undeclared coherence window %q", n.Window),
				})
				continue
			}
			if n.Timing.CoherenceRequirement > w.Duration {
				errs = append(errs, Error{
					Check: "coherence",
					Where: n.ID,
					Msg: fmt.Sprintf("requires %v of coherence but window %q provides %v",
						n.Timing.CoherenceRequirement, w.ID, w.Duration),
				})
			}
			continue
		}
		if n.Timing.CoherenceRequirement > 0 {
			if len(windows) == 0 {
				errs = append(errs, Error{
					Check: "coherence",
					Where: n.ID,
					Msg:   "requires coherence but the graph declares no windows",
				})
			} else if n.Timing.CoherenceRequirement > longest.Duration {
				errs = append(errs, Error{
					Check: "coherence",
					Where: n.ID,
					Msg: fmt.Sprintf("requires %v of coherence but the longest declared window provides %v",
						n.Timing.CoherenceRequirement, longest.Duration),
				})
			}
		}
		if n.Domain == qgraph.DomainQuantum {
			errs = append(errs, Error{
				Check: "coherence",
				Where: n.ID,
				Msg:   "quantum node must name a coherence window",
			})
		}
	}
	return errs
}

// checkResources verifies the summed minimum demand per topological level
// does not exceed declared capacity. Levels approximate the planner's phases
// without committing to a schedule.
func checkResources(g *qgraph.Graph, pool *resource.Pool) []Error {
	var errs []Error
	avail := pool.Snapshot()

	for _, n := range g.Nodes() {
		if err := avail.Fits(n.Resources); err != nil {
			errs = append(errs, Error{Check: "resources", Where: n.ID, Msg: err.Error()})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	for _, level := range topoLevels(g) {
		demand := make(map[string]int)
		for _, id := range level {
			for _, need := range g.Node(id).Resources {
				units := need.Units
				if units <= 0 {
					units = 1
				}
				demand[need.Resource] += units
			}
		}
		for res, units := range demand {
			spec, ok := pool.Spec(res)
			if !ok {
				continue // already reported by Fits
			}
			if !spec.Exclusive && units > spec.Capacity {
				errs = append(errs, Error{
					Check: "resources",
					Where: res,
					Msg: fmt.Sprintf("level demand %d exceeds capacity %d for resource %q",
						units, spec.Capacity, res),
				})
			}
		}
	}
	return errs
}

// topoLevels groups node ids by longest-path depth over non-feedback edges.
// Within a level ids are sorted, matching the planner's tie-break.
func topoLevels(g *qgraph.Graph) [][]string {
	depth := make(map[string]int)
	ids := g.NodeIDs()
	// Longest-path relaxation; the graph is acyclic by the time this runs
	// in order, but the function tolerates cycles by bounding passes.
	for range ids {
		changed := false
		for _, e := range g.DataEdges() {
			if d := depth[e.From] + 1; d > depth[e.To] {
				depth[e.To] = d
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for _, id := range ids {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}
	return levels
}

// checkBranches verifies every measurement-conditional node's predicate set
// plus optional default covers the full outcome domain.
func checkBranches(g *qgraph.Graph) []Error {
	var errs []Error
	for _, n := range g.Nodes() {
		if n.Domain != qgraph.DomainMeasurement {
			if len(n.Branches) > 0 || n.DefaultBranch != "" {
				errs = append(errs, Error{
					Check: "branches",
					Where: n.ID,
					Msg:   "branch cases declared on a non-measurement node",
				})
			}
			continue
		}
		if n.OutcomeDomain <= 0 {
			errs = append(errs, Error{
				Check: "branches",
				Where: n.ID,
				Msg:   "measurement node must declare a positive outcome domain",
			})
			continue
		}
		covered := make(map[int]bool)
		for _, b := range n.Branches {
			if g.Node(b.Target) == nil {
				errs = append(errs, Error{
					Check: "branches",
					Where: n.ID,
					Msg:   fmt.Sprintf("branch target %q does not exist", b.Target),
				})
			}
			if b.Outcome < 0 || b.Outcome >= n.OutcomeDomain {
				errs = append(errs, Error{
					Check: "branches",
					Where: n.ID,
					Msg: fmt.Sprintf("branch outcome %d outside domain [0,%d)",
						b.Outcome, n.OutcomeDomain),
				})
				continue
			}
			covered[b.Outcome] = true
		}
		if n.DefaultBranch != "" {
			if g.Node(n.DefaultBranch) == nil {
				errs = append(errs, Error{
					Check: "branches",
					Where: n.ID,
					Msg:   fmt.Sprintf("default branch target %q does not exist", n.DefaultBranch),
				})
			}
			continue // default covers the remainder of the domain
		}
		if len(n.Branches) == 0 {
			continue // plain measurement without conditional control flow
		}
		for o := 0; o < n.OutcomeDomain; o++ {
			if !covered[o] {
				errs = append(errs, Error{
					Check: "branches",
					Where: n.ID,
					Msg:   fmt.Sprintf("outcome %d is not covered and no default branch is declared", o),
				})
			}
		}
	}
	return errs
}

// checkCalibration verifies calibration references resolve to declared
// measurement nodes.
func checkCalibration(g *qgraph.Graph) []Error {
	var errs []Error
	for _, n := range g.Nodes() {
		if n.Domain != qgraph.DomainCalibration {
			continue
		}
		if n.Target == "" {
			errs = append(errs, Error{
				Check: "calibration",
				Where: n.ID,
				Msg:   "calibration node must reference a measurement node",
			})
			continue
		}
		target := g.Node(n.Target)
		if target == nil {
			errs = append(errs, Error{
				Check: "calibration",
				Where: n.ID,
				Msg:   fmt.Sprintf("calibration target %q does not exist", n.Target),
			})
			continue
		}
		if target.Domain != qgraph.DomainMeasurement {
			errs = append(errs, Error{
				Check: "calibration",
				Where: n.ID,
				Msg:   fmt.Sprintf("calibration target %q is not a measurement node", n.Target),
			})
		}
	}
	return errs
}

// checkFeedbackEdges requires every feedback edge to originate at a
// measurement node: only a classical outcome can condition control flow.
func checkFeedbackEdges(g *qgraph.Graph) []Error {
	var errs []Error
	for _, e := range g.FeedbackEdges() {
		from := g.Node(e.From)
		if from == nil {
			continue // reported by checkPorts
		}
		if from.Domain != qgraph.DomainMeasurement {
			errs = append(errs, Error{
				Check: "feedback",
				Where: e.From,
				Msg:   "feedback edge must originate at a measurement node",
			})
		}
	}
	return errs
}
