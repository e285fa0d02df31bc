// Package plan converts a validated computation graph into an ordered,
// resource- and deadline-annotated execution plan. Plans are deterministic:
// the same (graph, resource state, seed) always yields byte-identical JSON.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vk/photongrid/internal/violation"
)

// BranchStrategy selects how measurement-conditioned branches are budgeted.
type BranchStrategy int

const (
	// BranchConservative schedules every possible branch in sequence. Only
	// one will run post-measurement, but all are budgeted.
	BranchConservative BranchStrategy = iota
	// BranchSpeculative reserves resources for all branches in parallel
	// within one phase. Opt-in via configuration.
	BranchSpeculative
)

func (s BranchStrategy) String() string {
	if s == BranchSpeculative {
		return "speculative"
	}
	return "conservative"
}

// ParseBranchStrategy maps the configuration spelling to a strategy.
func ParseBranchStrategy(s string) (BranchStrategy, error) {
	switch s {
	case "", "conservative":
		return BranchConservative, nil
	case "speculative":
		return BranchSpeculative, nil
	}
	return 0, fmt.Errorf("unknown branch strategy %q", s)
}

// Allocation records one resource held by a scheduled node.
type Allocation struct {
	Resource string `json:"resource"`
	Units    int    `json:"units"`
}

// ScheduledNode is one node's slot in the plan. Times are offsets on the
// run's logical timeline.
type ScheduledNode struct {
	NodeID           string        `json:"node_id"`
	Start            time.Duration `json:"start_ns"`
	End              time.Duration `json:"end_ns"`
	Deadline         time.Duration `json:"deadline_ns"`
	WindowID         string        `json:"window_id,omitempty"`
	Channel          string        `json:"channel,omitempty"`
	SkewCompensation time.Duration `json:"skew_compensation_ns,omitempty"`
	Allocations      []Allocation  `json:"allocations,omitempty"`
}

// Phase is one ordered step of the plan. Nodes inside a parallel phase may
// execute concurrently under the resource locks already reflected in their
// allocations.
type Phase struct {
	Index    int             `json:"index"`
	Parallel bool            `json:"parallel"`
	Deadline time.Duration   `json:"deadline_ns"`
	Nodes    []ScheduledNode `json:"nodes"`
}

// UsageReport summarizes resource consumption of the whole plan.
type UsageReport struct {
	PeakUnits          map[string]int `json:"peak_units"`
	PeakConcurrency    int            `json:"peak_concurrency"`
	AverageParallelism float64        `json:"average_parallelism"`
}

// ExecutionPlan is the complete schedule. It is immutable once built; the
// engine walks it but never mutates it.
type ExecutionPlan struct {
	ID           string            `json:"id"`
	GraphID      string            `json:"graph_id"`
	Algorithm    string            `json:"algorithm"`
	Seed         uint64            `json:"seed"`
	Branching    string            `json:"branching"`
	Makespan     time.Duration     `json:"makespan_ns"`
	CriticalPath []string          `json:"critical_path"`
	Phases       []Phase           `json:"phases"`
	Usage        UsageReport       `json:"usage"`
	Provenance   map[string]string `json:"provenance"`
}

// Node finds a scheduled node by id.
func (p *ExecutionPlan) Node(id string) (ScheduledNode, bool) {
	for _, ph := range p.Phases {
		for _, n := range ph.Nodes {
			if n.NodeID == id {
				return n, true
			}
		}
	}
	return ScheduledNode{}, false
}

// MarshalJSON emits a canonical encoding: phases ordered by index, nodes by
// id inside each phase, provenance keys sorted by the encoder. Canonical
// bytes are what makes the determinism property testable.
func (p *ExecutionPlan) MarshalJSON() ([]byte, error) {
	type alias ExecutionPlan
	cp := *p
	cp.Phases = append([]Phase(nil), p.Phases...)
	for i := range cp.Phases {
		nodes := append([]ScheduledNode(nil), cp.Phases[i].Nodes...)
		sort.Slice(nodes, func(a, b int) bool { return nodes[a].NodeID < nodes[b].NodeID })
		cp.Phases[i].Nodes = nodes
	}
	return json.Marshal((*alias)(&cp))
}

// Encode serializes the plan to canonical JSON.
func (p *ExecutionPlan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode deserializes a plan from JSON.
func Decode(data []byte) (*ExecutionPlan, error) {
	var p ExecutionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding execution plan: %w", err)
	}
	return &p, nil
}

// Revalidate checks internal consistency of a plan, e.g. after a round-trip
// through storage.
func (p *ExecutionPlan) Revalidate() error {
	seen := make(map[string]bool)
	for i, ph := range p.Phases {
		if ph.Index != i {
			return fmt.Errorf("phase %d carries index %d", i, ph.Index)
		}
		for _, n := range ph.Nodes {
			if seen[n.NodeID] {
				return fmt.Errorf("node %q scheduled twice", n.NodeID)
			}
			seen[n.NodeID] = true
			if n.End < n.Start {
				return fmt.Errorf("node %q ends before it starts", n.NodeID)
			}
			if n.End > n.Deadline {
				return violation.Newf(violation.KindDeadline, n.NodeID,
					"scheduled end %v exceeds deadline %v", n.End, n.Deadline)
			}
			if n.End > p.Makespan {
				return fmt.Errorf("node %q ends after the plan makespan", n.NodeID)
			}
		}
	}
	return nil
}
