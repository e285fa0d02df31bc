// This file contains the logic for translating HCL schema structs into the
// format-agnostic graph model defined in the qgraph package.

package gridhcl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/violation"
)

// translateGraph converts a decoded graph block into the agnostic model. The
// graph is returned unfrozen; freezing is the validator's business.
func (l *Loader) translateGraph(ctx context.Context, gb *graphBlock) (*qgraph.Graph, plan.BranchStrategy, error) {
	strategy, err := plan.ParseBranchStrategy(gb.Branching)
	if err != nil {
		return nil, 0, err
	}

	g := qgraph.New(gb.ID)
	for _, wb := range gb.Windows {
		w, err := translateWindow(wb)
		if err != nil {
			return nil, 0, fmt.Errorf("window %q: %w", wb.ID, err)
		}
		if err := g.AddWindow(w); err != nil {
			return nil, 0, err
		}
	}
	for _, cb := range gb.Channels {
		c, err := translateChannel(cb)
		if err != nil {
			return nil, 0, fmt.Errorf("channel %q: %w", cb.Name, err)
		}
		if err := g.AddChannel(c); err != nil {
			return nil, 0, err
		}
	}
	for _, nb := range gb.Nodes {
		n, err := l.translateNode(ctx, nb)
		if err != nil {
			return nil, 0, fmt.Errorf("node %q: %w", nb.ID, err)
		}
		if err := g.AddNode(n); err != nil {
			return nil, 0, err
		}
	}
	for _, eb := range gb.Edges {
		e, err := translateEdge(eb)
		if err != nil {
			return nil, 0, fmt.Errorf("edge %s -> %s: %w", eb.From, eb.To, err)
		}
		if err := g.AddEdge(e); err != nil {
			return nil, 0, err
		}
	}
	return g, strategy, nil
}

// translateNode converts a node block into the agnostic model.
func (l *Loader) translateNode(ctx context.Context, nb *nodeBlock) (*qgraph.Node, error) {
	domain, err := qgraph.ParseDomain(nb.Domain)
	if err != nil {
		return nil, err
	}
	prio, err := qgraph.ParsePriority(nb.Priority)
	if err != nil {
		return nil, err
	}

	timing := qgraph.TimingContract{}
	if timing.Duration, err = optionalDuration(nb.Duration); err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	if timing.CoherenceRequirement, err = optionalDuration(nb.CoherenceRequirement); err != nil {
		return nil, fmt.Errorf("coherence_requirement: %w", err)
	}
	if timing.FeedbackLatencyBudget, err = optionalDuration(nb.FeedbackLatencyBudget); err != nil {
		return nil, fmt.Errorf("feedback_latency_budget: %w", err)
	}

	params, err := l.extractParams(nb.Params)
	if err != nil {
		return nil, err
	}

	n := &qgraph.Node{
		ID:            nb.ID,
		Domain:        domain,
		Params:        params,
		Timing:        timing,
		Window:        nb.Window,
		Channel:       nb.Channel,
		OutcomeDomain: nb.OutcomeDomain,
		DefaultBranch: nb.DefaultBranch,
		Target:        nb.Target,
		Priority:      prio,
	}
	for _, pb := range nb.Inputs {
		p, err := translatePort(ctx, pb)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", pb.Name, err)
		}
		n.In = append(n.In, p)
	}
	for _, pb := range nb.Outputs {
		p, err := translatePort(ctx, pb)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", pb.Name, err)
		}
		n.Out = append(n.Out, p)
	}
	for _, bb := range nb.Branches {
		n.Branches = append(n.Branches, qgraph.BranchCase{Outcome: bb.Outcome, Target: bb.Target})
	}
	for _, rb := range nb.Resources {
		units := rb.Units
		if units == 0 {
			units = 1
		}
		n.Resources = append(n.Resources, qgraph.ResourceNeed{Resource: rb.Resource, Units: units})
	}
	return n, nil
}

// translatePort parses a port block, defaulting an omitted type to number.
func translatePort(ctx context.Context, pb *portBlock) (qgraph.Port, error) {
	ty := cty.Number
	if pb.Type != nil {
		parsed, err := typeExprToCtyType(ctx, pb.Type)
		if err != nil {
			return qgraph.Port{}, err
		}
		if parsed != cty.DynamicPseudoType {
			ty = parsed
		}
	}
	return qgraph.Port{Name: pb.Name, Type: ty}, nil
}

// translateEdge splits "node.port" endpoints. The port part is optional when
// the node has a single port of the right direction; splitting stays lexical
// here and the validator resolves the rest.
func translateEdge(eb *edgeBlock) (qgraph.Edge, error) {
	from, fromPort := splitEndpoint(eb.From)
	to, toPort := splitEndpoint(eb.To)
	if from == "" || to == "" {
		return qgraph.Edge{}, fmt.Errorf("endpoints must name a node")
	}
	latency, err := optionalDuration(eb.Latency)
	if err != nil {
		return qgraph.Edge{}, fmt.Errorf("latency: %w", err)
	}
	return qgraph.Edge{
		From:     from,
		FromPort: fromPort,
		To:       to,
		ToPort:   toPort,
		Latency:  latency,
		Feedback: eb.Feedback,
	}, nil
}

func splitEndpoint(s string) (node, port string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func translateWindow(wb *windowBlock) (qgraph.WindowSpec, error) {
	start, err := optionalDuration(wb.Start)
	if err != nil {
		return qgraph.WindowSpec{}, fmt.Errorf("start: %w", err)
	}
	duration, err := time.ParseDuration(wb.Duration)
	if err != nil {
		return qgraph.WindowSpec{}, fmt.Errorf("duration: %w", err)
	}
	timescale, err := time.ParseDuration(wb.Timescale)
	if err != nil {
		return qgraph.WindowSpec{}, fmt.Errorf("timescale: %w", err)
	}
	model := qgraph.DecayExponential
	if wb.Model != "" {
		if model, err = qgraph.ParseDecayModel(wb.Model); err != nil {
			return qgraph.WindowSpec{}, err
		}
	}
	return qgraph.WindowSpec{
		ID:                wb.ID,
		Start:             start,
		Duration:          duration,
		Timescale:         timescale,
		Model:             model,
		FidelityThreshold: wb.FidelityThreshold,
	}, nil
}

func translateChannel(cb *channelBlock) (qgraph.Channel, error) {
	delay, err := time.ParseDuration(cb.Delay)
	if err != nil {
		return qgraph.Channel{}, fmt.Errorf("delay: %w", err)
	}
	maxComp, err := optionalDuration(cb.MaxCompensation)
	if err != nil {
		return qgraph.Channel{}, fmt.Errorf("max_compensation: %w", err)
	}
	return qgraph.Channel{Name: cb.Name, Delay: delay, MaxCompensation: maxComp}, nil
}

// translatePolicy merges one policy block into the accumulated policy.
func (l *Loader) translatePolicy(pb *policyBlock, policy violation.Policy) error {
	for _, rule := range pb.Rules {
		kind, err := violation.ParseKind(rule.Kind)
		if err != nil {
			return err
		}
		strategy, err := violation.ParseStrategy(rule.Action)
		if err != nil {
			return fmt.Errorf("on %q: %w", rule.Kind, err)
		}
		policy[kind] = strategy
	}
	return nil
}

// extractParams evaluates every attribute of the params block as a constant
// expression.
func (l *Loader) extractParams(block *paramsBlock) (map[string]cty.Value, error) {
	if block == nil || block.Body == nil {
		return nil, nil
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("reading params: %w", diags)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	params := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating param %q: %w", name, diags)
		}
		params[name] = val
	}
	return params, nil
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// typeExprToCtyType converts an HCL type expression into its cty.Type
// equivalent.
func typeExprToCtyType(ctx context.Context, expr hcl.Expression) (cty.Type, error) {
	logger := ctxlog.FromContext(ctx)

	if expr == nil {
		logger.Debug("Type expression is nil, defaulting to any.")
		return cty.DynamicPseudoType, nil
	}

	switch v := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		logger.Debug("Parsing type expression as a function call.", "call", v.Name)
		if len(v.Args) != 1 {
			return cty.DynamicPseudoType, fmt.Errorf("type constructors (list, map, set) require exactly one argument, got %d", len(v.Args))
		}

		elementType, err := typeExprToCtyType(ctx, v.Args[0])
		if err != nil {
			return cty.DynamicPseudoType, err
		}
		if elementType == cty.DynamicPseudoType {
			return cty.DynamicPseudoType, fmt.Errorf("collection types cannot contain type 'any'")
		}

		switch v.Name {
		case "list":
			return cty.List(elementType), nil
		case "map":
			return cty.Map(elementType), nil
		case "set":
			return cty.Set(elementType), nil
		default:
			return cty.DynamicPseudoType, fmt.Errorf("unknown type constructor function %q", v.Name)
		}

	case *hclsyntax.ScopeTraversalExpr:
		// Primitive type identifiers like `string` or `number`.
		if len(v.Traversal) != 1 {
			return cty.DynamicPseudoType, fmt.Errorf("invalid type keyword: traversal path is not a single identifier")
		}
		rootName := v.Traversal.RootName()
		switch rootName {
		case "string":
			return cty.String, nil
		case "number":
			return cty.Number, nil
		case "bool":
			return cty.Bool, nil
		case "any":
			return cty.DynamicPseudoType, nil
		default:
			return cty.DynamicPseudoType, fmt.Errorf("unknown primitive type %q", rootName)
		}

	default:
		return cty.DynamicPseudoType, fmt.Errorf("unsupported expression for type definition: %T", v)
	}
}
