package qgraph

import (
	"fmt"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// Domain tags a node with the execution domain that decides how the engine
// dispatches it. The set is closed; adding a domain is a schema change.
type Domain int

const (
	DomainClassical Domain = iota
	DomainQuantum
	DomainMeasurement
	DomainCalibration
	DomainMemory
)

// String returns the configuration-file spelling of the domain.
func (d Domain) String() string {
	switch d {
	case DomainClassical:
		return "classical"
	case DomainQuantum:
		return "quantum"
	case DomainMeasurement:
		return "measurement"
	case DomainCalibration:
		return "calibration"
	case DomainMemory:
		return "memory-access"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// ParseDomain maps the configuration spelling back to a Domain.
func ParseDomain(s string) (Domain, error) {
	switch s {
	case "classical":
		return DomainClassical, nil
	case "quantum":
		return DomainQuantum, nil
	case "measurement":
		return DomainMeasurement, nil
	case "calibration":
		return DomainCalibration, nil
	case "memory-access":
		return DomainMemory, nil
	}
	return 0, fmt.Errorf("unknown node domain %q", s)
}

// Priority orders competing work. Higher values preempt lower ones, but only
// at phase boundaries, never mid-node.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps the configuration spelling to a priority level.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "background":
		return PriorityBackground, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Port is a named, typed connection point on a node. Edge type compatibility
// is cty.Type equality between the source and destination ports.
type Port struct {
	Name string
	Type cty.Type
}

// TimingContract is the per-node timing declaration. A zero
// CoherenceRequirement means the node does not need a coherence window; a
// zero FeedbackLatencyBudget means the node does not gate on a measurement.
type TimingContract struct {
	Duration              time.Duration
	CoherenceRequirement  time.Duration
	FeedbackLatencyBudget time.Duration
}

// ResourceNeed declares how many units of a pool resource a node holds while
// it executes.
type ResourceNeed struct {
	Resource string
	Units    int
}

// BranchCase routes one measurement outcome to a downstream node. Cases are
// evaluated in declared order; the first match wins.
type BranchCase struct {
	Outcome int
	Target  string
}

// Node is a single computation step.
type Node struct {
	ID     string
	Domain Domain
	Params map[string]cty.Value
	In     []Port
	Out    []Port
	Timing TimingContract

	// Resources lists pool resources the node holds during execution.
	Resources []ResourceNeed

	// Window names the coherence window the node must execute inside.
	// Required for quantum nodes, optional elsewhere.
	Window string

	// Channel names the wavelength channel carrying the node's signal.
	Channel string

	// Measurement-only fields. OutcomeDomain is the number of possible
	// outcomes, 0..OutcomeDomain-1.
	OutcomeDomain int
	Branches      []BranchCase
	DefaultBranch string

	// Calibration-only: the measurement node whose statistics the
	// calibration kernel consumes.
	Target string

	Priority Priority
}

// Edge connects an output port to an input port. Feedback edges carry a
// measurement outcome back into the control flow and are exempt from the
// acyclicity check.
type Edge struct {
	From     string
	FromPort string
	To       string
	ToPort   string
	Latency  time.Duration
	Feedback bool
}

// Channel is a wavelength channel with a fixed propagation delay. Skew
// between channels used in the same phase must be compensated below a tenth
// of the governing coherence time.
type Channel struct {
	Name            string
	Delay           time.Duration
	MaxCompensation time.Duration
}

// DecayModel selects how a window's projected fidelity decays over time.
type DecayModel int

const (
	DecayExponential DecayModel = iota
	DecayGaussian
)

// ParseDecayModel maps the configuration spelling to a DecayModel.
func ParseDecayModel(s string) (DecayModel, error) {
	switch s {
	case "exponential":
		return DecayExponential, nil
	case "gaussian":
		return DecayGaussian, nil
	}
	return 0, fmt.Errorf("unknown decay model %q", s)
}

// WindowSpec declares a coherence window on the graph. Start and Duration are
// offsets on the plan's logical timeline.
type WindowSpec struct {
	ID                string
	Start             time.Duration
	Duration          time.Duration
	Timescale         time.Duration
	Model             DecayModel
	FidelityThreshold float64
}

// Deadline is the instant the window closes.
func (w WindowSpec) Deadline() time.Duration { return w.Start + w.Duration }

// Graph is a computation graph. It is assembled with AddNode/AddEdge and
// becomes immutable once Freeze is called.
type Graph struct {
	ID       string
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	channels map[string]Channel
	windows  map[string]WindowSpec
	frozen   bool
}

// New returns an empty graph with the given identifier.
func New(id string) *Graph {
	return &Graph{
		ID:       id,
		nodes:    make(map[string]*Node),
		channels: make(map[string]Channel),
		windows:  make(map[string]WindowSpec),
	}
}

// AddNode inserts a node. Duplicate ids and mutation after Freeze are errors.
func (g *Graph) AddNode(n *Node) error {
	if g.frozen {
		return fmt.Errorf("graph %s is frozen", g.ID)
	}
	if n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge inserts an edge. Both endpoints must already exist.
func (g *Graph) AddEdge(e Edge) error {
	if g.frozen {
		return fmt.Errorf("graph %s is frozen", g.ID)
	}
	if e.From == e.To {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", e.From, e.To)
	}
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("source node not found: %s", e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("destination node not found: %s", e.To)
	}
	g.edges = append(g.edges, e)
	return nil
}

// AddChannel declares a wavelength channel.
func (g *Graph) AddChannel(c Channel) error {
	if g.frozen {
		return fmt.Errorf("graph %s is frozen", g.ID)
	}
	if _, ok := g.channels[c.Name]; ok {
		return fmt.Errorf("duplicate channel %q", c.Name)
	}
	g.channels[c.Name] = c
	return nil
}

// AddWindow declares a coherence window.
func (g *Graph) AddWindow(w WindowSpec) error {
	if g.frozen {
		return fmt.Errorf("graph %s is frozen", g.ID)
	}
	if _, ok := g.windows[w.ID]; ok {
		return fmt.Errorf("duplicate window %q", w.ID)
	}
	g.windows[w.ID] = w
	return nil
}

// Freeze makes the graph immutable. Called by the validator on acceptance.
func (g *Graph) Freeze() { g.frozen = true }

// Frozen reports whether the graph has been accepted and sealed.
func (g *Graph) Frozen() bool { return g.frozen }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// NodeIDs returns all node ids sorted lexicographically. This is the
// deterministic iteration order the planner ties on.
func (g *Graph) NodeIDs() []string {
	out := append([]string(nil), g.order...)
	sort.Strings(out)
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// DataEdges returns the non-feedback edges.
func (g *Graph) DataEdges() []Edge {
	var out []Edge
	for _, e := range g.edges {
		if !e.Feedback {
			out = append(out, e)
		}
	}
	return out
}

// FeedbackEdges returns the measurement-conditioned edges.
func (g *Graph) FeedbackEdges() []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Feedback {
			out = append(out, e)
		}
	}
	return out
}

// Channel looks up a declared wavelength channel.
func (g *Graph) Channel(name string) (Channel, bool) {
	c, ok := g.channels[name]
	return c, ok
}

// Window looks up a declared coherence window.
func (g *Graph) Window(id string) (WindowSpec, bool) {
	w, ok := g.windows[id]
	return w, ok
}

// Windows returns all window specs sorted by id.
func (g *Graph) Windows() []WindowSpec {
	ids := make([]string, 0, len(g.windows))
	for id := range g.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]WindowSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.windows[id])
	}
	return out
}

// Predecessors returns the ids of nodes with a non-feedback edge into id,
// sorted lexicographically.
func (g *Graph) Predecessors(id string) []string {
	set := map[string]struct{}{}
	for _, e := range g.edges {
		if e.Feedback {
			continue
		}
		if e.To == id {
			set[e.From] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Successors returns the ids of nodes reachable from id over non-feedback
// edges, sorted lexicographically.
func (g *Graph) Successors(id string) []string {
	set := map[string]struct{}{}
	for _, e := range g.edges {
		if e.Feedback {
			continue
		}
		if e.From == id {
			set[e.To] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
