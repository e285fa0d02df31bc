package gridhcl

import (
	"github.com/hashicorp/hcl/v2"
)

// paramsBlock represents the content of the 'params' block within a node.
type paramsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// portBlock defines a single named, typed port on a node.
type portBlock struct {
	Name string         `hcl:"name,label"`
	Type hcl.Expression `hcl:"type,optional"`
}

// branchBlock routes one measurement outcome to a downstream node.
type branchBlock struct {
	Outcome int    `hcl:"outcome"`
	Target  string `hcl:"target"`
}

// resourceBlock declares how many units of a pool resource the node holds.
type resourceBlock struct {
	Resource string `hcl:"resource,label"`
	Units    int    `hcl:"units,optional"`
}

// nodeBlock represents a `node` block from a user's graph file. Durations are
// written as Go duration strings ("1us", "10ms").
type nodeBlock struct {
	Domain string `hcl:"domain,label"`
	ID     string `hcl:"id,label"`

	Params  *paramsBlock `hcl:"params,block"`
	Inputs  []*portBlock `hcl:"input,block"`
	Outputs []*portBlock `hcl:"output,block"`

	Duration              string `hcl:"duration,optional"`
	CoherenceRequirement  string `hcl:"coherence_requirement,optional"`
	FeedbackLatencyBudget string `hcl:"feedback_latency_budget,optional"`

	Window   string `hcl:"window,optional"`
	Channel  string `hcl:"channel,optional"`
	Priority string `hcl:"priority,optional"`

	OutcomeDomain int            `hcl:"outcome_domain,optional"`
	Branches      []*branchBlock `hcl:"branch,block"`
	DefaultBranch string         `hcl:"default_branch,optional"`

	Target string `hcl:"target,optional"`

	Resources []*resourceBlock `hcl:"resource,block"`
}

// edgeBlock connects "node.port" endpoints.
type edgeBlock struct {
	From     string `hcl:"from"`
	To       string `hcl:"to"`
	Latency  string `hcl:"latency,optional"`
	Feedback bool   `hcl:"feedback,optional"`
}

// windowBlock declares a coherence window on the graph's logical timeline.
type windowBlock struct {
	ID                string  `hcl:"id,label"`
	Start             string  `hcl:"start,optional"`
	Duration          string  `hcl:"duration"`
	Timescale         string  `hcl:"timescale"`
	Model             string  `hcl:"model,optional"`
	FidelityThreshold float64 `hcl:"fidelity_threshold,optional"`
}

// channelBlock declares a wavelength channel with a fixed propagation delay.
type channelBlock struct {
	Name            string `hcl:"name,label"`
	Delay           string `hcl:"delay"`
	MaxCompensation string `hcl:"max_compensation,optional"`
}

// graphBlock represents a `graph` block from a user's graph file.
type graphBlock struct {
	ID        string          `hcl:"id,label"`
	Branching string          `hcl:"branching,optional"`
	Windows   []*windowBlock  `hcl:"window,block"`
	Channels  []*channelBlock `hcl:"channel,block"`
	Nodes     []*nodeBlock    `hcl:"node,block"`
	Edges     []*edgeBlock    `hcl:"edge,block"`
}

// policyRule attaches a recovery action to one violation kind.
type policyRule struct {
	Kind   string `hcl:"kind,label"`
	Action string `hcl:"action"`
}

// policyBlock represents a `policy` block mapping violation kinds to actions.
type policyBlock struct {
	Rules []*policyRule `hcl:"on,block"`
}

// fileRoot is a struct used to decode all possible top-level blocks from any
// file.
type fileRoot struct {
	Graphs   []*graphBlock  `hcl:"graph,block"`
	Policies []*policyBlock `hcl:"policy,block"`
	Remain   hcl.Body       `hcl:",remain"`
}
