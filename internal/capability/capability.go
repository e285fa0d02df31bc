// Package capability declares the interfaces the core consumes but does not
// implement: the quantum backend, the calibration executor, the telemetry
// sink and the artifact sink. Implementations are selected through an
// explicit named registry, never discovered by reflection.
package capability

import (
	"context"
	"time"
)

// QuantumState is a snapshot of mode amplitudes and phases. The core treats
// it as data; only backends interpret it.
type QuantumState struct {
	ID         string            `yaml:"id"`
	Modes      int               `yaml:"modes"`
	Amplitudes []float64         `yaml:"amplitudes"`
	Phases     []float64         `yaml:"phases"`
	Provenance map[string]string `yaml:"provenance,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *QuantumState) Clone() *QuantumState {
	if s == nil {
		return nil
	}
	out := &QuantumState{ID: s.ID, Modes: s.Modes}
	out.Amplitudes = append([]float64(nil), s.Amplitudes...)
	out.Phases = append([]float64(nil), s.Phases...)
	if s.Provenance != nil {
		out.Provenance = make(map[string]string, len(s.Provenance))
		for k, v := range s.Provenance {
			out.Provenance[k] = v
		}
	}
	return out
}

// MeasurementOutcome is immutable once produced. It carries the seed that
// generated it, enabling deterministic re-derivation on replay.
type MeasurementOutcome struct {
	Outcome     int           `yaml:"outcome"`
	Probability float64       `yaml:"probability"`
	Seed        uint64        `yaml:"seed"`
	Collapsed   *QuantumState `yaml:"-"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	StateType          string
	CoherenceTime      time.Duration
	MeasurementLatency time.Duration
}

// Backend is the physical or simulated executor of quantum operations.
type Backend interface {
	Prepare(ctx context.Context, modes int, seedVal uint64) (*QuantumState, error)
	ApplyGate(ctx context.Context, st *QuantumState, gate string, params map[string]float64) (*QuantumState, error)
	Evolve(ctx context.Context, st *QuantumState, dt time.Duration) (*QuantumState, error)
	Measure(ctx context.Context, st *QuantumState, mode int, seedVal uint64) (*MeasurementOutcome, error)
	Snapshot(st *QuantumState) *QuantumState
	Capabilities() Capabilities
}

// SafetyLimits bound calibration corrections and node parameters. Hard
// breaches abort; soft breaches are logged and execution continues.
type SafetyLimits struct {
	Hard        map[string]float64
	Soft        map[string]float64
	MinFidelity float64
}

// CalibrationArtifact is the output of one calibration kernel run.
type CalibrationArtifact struct {
	Kernel   string             `yaml:"kernel"`
	Params   map[string]float64 `yaml:"params"`
	Fidelity float64            `yaml:"fidelity"`
}

// CalibrationExecutor computes and applies parameter corrections. The core
// safety-validates artifacts before ApplyCalibration is allowed to touch
// anything physical.
type CalibrationExecutor interface {
	ExecuteCalibration(ctx context.Context, kernel string, prior map[string]float64) (*CalibrationArtifact, error)
	ApplyCalibration(ctx context.Context, params map[string]float64, limits SafetyLimits) error
	CurrentCalibration() map[string]float64
}

// Span is an open telemetry span; End closes it.
type Span interface {
	End()
}

// TelemetrySink receives spans and metrics keyed by run and node ids.
type TelemetrySink interface {
	StartSpan(runID, nodeID string) Span
	Counter(runID, name string, delta int64)
	Histogram(runID, name string, value float64)
}
