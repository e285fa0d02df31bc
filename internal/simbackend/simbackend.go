// Package simbackend is the bundled reference backend: a small, fully
// deterministic simulator over mode amplitudes and phases. It exists so the
// engine and its tests never depend on hardware; real backends register
// under their own names.
package simbackend

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/seed"
)

// Backend implements capability.Backend with seeded, side-effect-free math.
type Backend struct {
	coherenceTime      time.Duration
	measurementLatency time.Duration
}

// Option configures the reference backend.
type Option func(*Backend)

// WithCoherenceTime overrides the advertised coherence time.
func WithCoherenceTime(d time.Duration) Option {
	return func(b *Backend) { b.coherenceTime = d }
}

// WithMeasurementLatency overrides the advertised measurement latency.
func WithMeasurementLatency(d time.Duration) Option {
	return func(b *Backend) { b.measurementLatency = d }
}

// New returns a reference backend with photonic-ish defaults: a 10ms
// coherence time and 50ns measurement latency.
func New(opts ...Option) *Backend {
	b := &Backend{
		coherenceTime:      10 * time.Millisecond,
		measurementLatency: 50 * time.Nanosecond,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Capabilities implements capability.Backend.
func (b *Backend) Capabilities() capability.Capabilities {
	return capability.Capabilities{
		StateType:          "mode-amplitude",
		CoherenceTime:      b.coherenceTime,
		MeasurementLatency: b.measurementLatency,
	}
}

// Prepare builds an n-mode state with all amplitude in mode 0.
func (b *Backend) Prepare(_ context.Context, modes int, seedVal uint64) (*capability.QuantumState, error) {
	if modes <= 0 {
		return nil, fmt.Errorf("state needs at least one mode, got %d", modes)
	}
	st := &capability.QuantumState{
		ID:         fmt.Sprintf("state-%016x", seedVal),
		Modes:      modes,
		Amplitudes: make([]float64, modes),
		Phases:     make([]float64, modes),
		Provenance: map[string]string{"prepared_by": "simbackend"},
	}
	st.Amplitudes[0] = 1.0
	return st, nil
}

// ApplyGate applies a parametric gate. Supported gates: PS (phase shift on
// one mode) and BS (beam splitter coupling two modes).
func (b *Backend) ApplyGate(_ context.Context, st *capability.QuantumState, gate string, params map[string]float64) (*capability.QuantumState, error) {
	if st == nil {
		return nil, fmt.Errorf("gate %s applied to nil state", gate)
	}
	out := st.Clone()
	switch gate {
	case "PS":
		mode, ok := params["mode"]
		if !ok {
			return nil, fmt.Errorf("PS gate requires mode parameter")
		}
		phase, ok := params["phase"]
		if !ok {
			return nil, fmt.Errorf("PS gate requires phase parameter")
		}
		i := int(mode)
		if i < 0 || i >= out.Modes {
			return nil, fmt.Errorf("PS gate mode %d outside state with %d modes", i, out.Modes)
		}
		out.Phases[i] += phase
	case "BS":
		m1, ok1 := params["mode1"]
		m2, ok2 := params["mode2"]
		theta, ok3 := params["theta"]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("BS gate requires mode1, mode2 and theta parameters")
		}
		i, j := int(m1), int(m2)
		if i < 0 || i >= out.Modes || j < 0 || j >= out.Modes || i == j {
			return nil, fmt.Errorf("BS gate modes (%d,%d) invalid for state with %d modes", i, j, out.Modes)
		}
		a1, a2 := out.Amplitudes[i], out.Amplitudes[j]
		out.Amplitudes[i] = a1*math.Cos(theta) - a2*math.Sin(theta)
		out.Amplitudes[j] = a1*math.Sin(theta) + a2*math.Cos(theta)
	default:
		return nil, fmt.Errorf("unsupported gate %q", gate)
	}
	if out.Provenance == nil {
		out.Provenance = map[string]string{}
	}
	out.Provenance["last_gate"] = gate
	return out, nil
}

// Evolve is free idle evolution: phases advance proportionally to dt.
func (b *Backend) Evolve(_ context.Context, st *capability.QuantumState, dt time.Duration) (*capability.QuantumState, error) {
	if st == nil {
		return nil, fmt.Errorf("evolve applied to nil state")
	}
	out := st.Clone()
	// One milliradian per microsecond of idle time, the same for every
	// mode, so relative phases are preserved.
	delta := 1e-3 * float64(dt) / float64(time.Microsecond)
	for i := range out.Phases {
		out.Phases[i] += delta
	}
	return out, nil
}

// Measure samples a mode occupation from the amplitude distribution using
// the supplied seed, then collapses the state onto the sampled mode.
func (b *Backend) Measure(_ context.Context, st *capability.QuantumState, mode int, seedVal uint64) (*capability.MeasurementOutcome, error) {
	if st == nil {
		return nil, fmt.Errorf("measure applied to nil state")
	}
	if seedVal == 0 {
		return nil, fmt.Errorf("measure requires a non-zero seed; hardware randomness is not available in the reference backend")
	}
	total := 0.0
	probs := make([]float64, st.Modes)
	for i, a := range st.Amplitudes {
		probs[i] = a * a
		total += probs[i]
	}
	if total == 0 {
		return nil, fmt.Errorf("state carries no amplitude to measure")
	}
	rng := seed.NewRand(seedVal)
	draw := rng.Float64() * total
	outcome := st.Modes - 1
	acc := 0.0
	for i, p := range probs {
		acc += p
		if draw <= acc {
			outcome = i
			break
		}
	}

	collapsed := st.Clone()
	for i := range collapsed.Amplitudes {
		if i == outcome {
			collapsed.Amplitudes[i] = 1.0
		} else {
			collapsed.Amplitudes[i] = 0.0
		}
	}
	_ = mode // reference backend measures the whole register in one shot

	return &capability.MeasurementOutcome{
		Outcome:     outcome,
		Probability: probs[outcome] / total,
		Seed:        seedVal,
		Collapsed:   collapsed,
	}, nil
}

// Snapshot returns a deep copy of the state.
func (b *Backend) Snapshot(st *capability.QuantumState) *capability.QuantumState {
	return st.Clone()
}
