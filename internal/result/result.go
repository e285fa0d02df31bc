// Package result defines the immutable final snapshot of a run. The
// ExecutionResult is the only thing handed to external collaborators; partial
// results produced by aborted runs carry an explicit failure marker instead
// of leaking silently.
package result

import (
	"time"

	"github.com/vk/photongrid/internal/violation"
)

// Status is the terminal condition of a run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// NodeLog is one entry of the per-node execution log. The log is preserved
// on failure for diagnosis; entries are never rolled back.
type NodeLog struct {
	NodeID   string        `json:"node_id" yaml:"node_id"`
	Domain   string        `json:"domain" yaml:"domain"`
	Start    time.Duration `json:"start_ns" yaml:"start_ns"`
	End      time.Duration `json:"end_ns" yaml:"end_ns"`
	Success  bool          `json:"success" yaml:"success"`
	Skipped  bool          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts int           `json:"attempts" yaml:"attempts"`
}

// MeasurementRecord is an immutable measurement outcome with the seed that
// produced it.
type MeasurementRecord struct {
	NodeID      string  `json:"node_id" yaml:"node_id"`
	Outcome     int     `json:"outcome" yaml:"outcome"`
	Probability float64 `json:"probability" yaml:"probability"`
	Seed        uint64  `json:"seed" yaml:"seed"`
	Branch      string  `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// TelemetryRef points at telemetry emitted during the run.
type TelemetryRef struct {
	RunID string `json:"run_id" yaml:"run_id"`
	Sink  string `json:"sink" yaml:"sink"`
	Spans int    `json:"spans" yaml:"spans"`
}

// FailureMarker explains why a partial result was returned.
type FailureMarker struct {
	Kind   violation.Kind `json:"kind" yaml:"kind"`
	NodeID string         `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Detail string         `json:"detail" yaml:"detail"`
}

// ExecutionResult is the final, immutable snapshot of a run.
type ExecutionResult struct {
	ExecutionID  string                        `json:"execution_id" yaml:"execution_id"`
	GraphID      string                        `json:"graph_id" yaml:"graph_id"`
	PlanID       string                        `json:"plan_id" yaml:"plan_id"`
	Seed         uint64                        `json:"seed" yaml:"seed"`
	NoiseModel   string                        `json:"noise_model,omitempty" yaml:"noise_model,omitempty"`
	Status       Status                        `json:"status" yaml:"status"`
	Failure      *FailureMarker                `json:"failure,omitempty" yaml:"failure,omitempty"`
	StartedAt    time.Time                     `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time                     `json:"finished_at" yaml:"finished_at"`
	Makespan     time.Duration                 `json:"makespan_ns" yaml:"makespan_ns"`
	Outputs      map[string]map[string]float64 `json:"outputs" yaml:"outputs"`
	Measurements []MeasurementRecord           `json:"measurements" yaml:"measurements"`
	Violations   []violation.Record            `json:"violations" yaml:"violations"`
	Log          []NodeLog                     `json:"log" yaml:"log"`
	Telemetry    TelemetryRef                  `json:"telemetry" yaml:"telemetry"`
}

// NodesExecuted counts successful non-skipped log entries.
func (r *ExecutionResult) NodesExecuted() int {
	n := 0
	for _, l := range r.Log {
		if l.Success && !l.Skipped {
			n++
		}
	}
	return n
}

// NodesFailed counts failed log entries.
func (r *ExecutionResult) NodesFailed() int {
	n := 0
	for _, l := range r.Log {
		if !l.Success && !l.Skipped {
			n++
		}
	}
	return n
}
