package engine

import (
	"context"

	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/violation"
)

// ReplaySpec pins everything a bit-exact re-execution needs. Replay with a
// zero seed is rejected up front: unseeded runs draw hardware randomness
// and can never be reproduced.
type ReplaySpec struct {
	Graph      *qgraph.Graph
	Seed       uint64
	NoiseModel string

	// Expected, when set, is the prior result to verify against. Any
	// divergence in outputs or measurement outcomes is a replay mismatch.
	Expected *result.ExecutionResult
}

// Replay re-executes a graph under a pinned seed and noise model and, if an
// expected result is supplied, verifies the new result reproduces it.
func (e *Engine) Replay(ctx context.Context, spec ReplaySpec) (*result.ExecutionResult, error) {
	if spec.Seed == 0 {
		return nil, violation.Newf(violation.KindReplayMismatch, "",
			"replay requires a pinned non-zero seed")
	}
	if spec.NoiseModel == "" {
		return nil, violation.Newf(violation.KindReplayMismatch, "",
			"replay requires a pinned noise model")
	}
	if spec.Expected != nil {
		if spec.Expected.Seed != spec.Seed {
			return nil, violation.Newf(violation.KindReplayMismatch, "",
				"pinned seed %d does not match recorded seed %d", spec.Seed, spec.Expected.Seed)
		}
		if spec.Expected.NoiseModel != spec.NoiseModel {
			return nil, violation.Newf(violation.KindReplayMismatch, "",
				"pinned noise model %q does not match recorded %q", spec.NoiseModel, spec.Expected.NoiseModel)
		}
	}

	res, err := e.Run(ctx, spec.Graph, RunOptions{Seed: spec.Seed, NoiseModel: spec.NoiseModel})
	if err != nil {
		return res, err
	}
	if spec.Expected == nil {
		return res, nil
	}
	if err := compareResults(spec.Expected, res); err != nil {
		return res, err
	}
	return res, nil
}

// compareResults holds replays to bit-exactness on everything derived from
// sampling: measurement records and node outputs.
func compareResults(want, got *result.ExecutionResult) error {
	if len(want.Measurements) != len(got.Measurements) {
		return violation.Newf(violation.KindReplayMismatch, "",
			"recorded %d measurements, replay produced %d", len(want.Measurements), len(got.Measurements))
	}
	for i, w := range want.Measurements {
		g := got.Measurements[i]
		if w.NodeID != g.NodeID || w.Outcome != g.Outcome || w.Branch != g.Branch {
			return violation.Newf(violation.KindReplayMismatch, w.NodeID,
				"measurement %d diverged: recorded outcome %d branch %q, replay outcome %d branch %q",
				i, w.Outcome, w.Branch, g.Outcome, g.Branch)
		}
		if w.Seed != g.Seed {
			return violation.Newf(violation.KindReplayMismatch, w.NodeID,
				"measurement %d sub-seed diverged", i)
		}
	}

	if len(want.Outputs) != len(got.Outputs) {
		return violation.Newf(violation.KindReplayMismatch, "",
			"recorded outputs for %d nodes, replay produced %d", len(want.Outputs), len(got.Outputs))
	}
	for nodeID, ports := range want.Outputs {
		gp, ok := got.Outputs[nodeID]
		if !ok {
			return violation.Newf(violation.KindReplayMismatch, nodeID, "replay produced no outputs for node")
		}
		for port, v := range ports {
			if gv, ok := gp[port]; !ok || gv != v {
				return violation.Newf(violation.KindReplayMismatch, nodeID,
					"output %s diverged: recorded %v, replay %v", port, v, gv)
			}
		}
	}

	if want.Status != got.Status {
		return violation.Newf(violation.KindReplayMismatch, "",
			"recorded status %q, replay status %q", want.Status, got.Status)
	}
	return nil
}
