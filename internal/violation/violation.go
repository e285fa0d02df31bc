// Package violation is the central policy layer mapping detected violations
// to recovery actions. The taxonomy is closed: every failure the substrate
// can produce is one of these kinds, and policy is attached per constraint,
// not globally.
package violation

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a violation class from the error taxonomy.
type Kind int

const (
	KindValidation Kind = iota
	KindDeadline
	KindResourceInfeasible
	KindStateExpired
	KindInsufficientWindow
	KindMultiModeDecoherence
	KindHardLimit
	KindFidelityBelowMinimum
	KindFeedbackTimeout
	KindBranching
	KindCalibrationFailure
	KindReplayMismatch
)

var kindNames = map[Kind]string{
	KindValidation:           "ValidationError",
	KindDeadline:             "DeadlineViolation",
	KindResourceInfeasible:   "ResourceInfeasible",
	KindStateExpired:         "StateExpired",
	KindInsufficientWindow:   "InsufficientWindow",
	KindMultiModeDecoherence: "MultiModeDecoherence",
	KindHardLimit:            "HardLimitExceeded",
	KindFidelityBelowMinimum: "FidelityBelowMinimum",
	KindFeedbackTimeout:      "MeasurementFeedbackTimeout",
	KindBranching:            "BranchingError",
	KindCalibrationFailure:   "CalibrationFailure",
	KindReplayMismatch:       "ReplayMismatch",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("violation(%d)", int(k))
}

// ParseKind maps a taxonomy name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown violation kind %q", s)
}

// Error is the typed error carrying a violation kind. Callers match with
// errors.As / IsKind rather than string inspection.
type Error struct {
	Kind   Kind
	NodeID string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.NodeID != "" {
		s += " at node " + e.NodeID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Newf builds a violation error for a node.
func Newf(kind Kind, nodeID, format string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a violation kind to an underlying error.
func Wrap(kind Kind, nodeID string, err error) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Err: err}
}

// IsKind reports whether err carries the given violation kind.
func IsKind(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// KindOf extracts the kind from an error, if it is a violation error.
func KindOf(err error) (Kind, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return 0, false
}

// Record is the immutable entry appended to the execution log when a
// violation is detected at runtime.
type Record struct {
	Kind   Kind          `json:"kind" yaml:"kind"`
	NodeID string        `json:"node_id" yaml:"node_id"`
	Detail string        `json:"detail" yaml:"detail"`
	At     time.Duration `json:"at_ns" yaml:"at_ns"`
}

// Strategy is a configured recovery action.
type Strategy int

const (
	// Abort terminates the run and returns the partial result as an error.
	Abort Strategy = iota
	// Alert logs the violation and continues.
	Alert
	// Recalibrate invokes the calibration executor synchronously, retries
	// the failing node exactly once, then escalates to Abort.
	Recalibrate
)

func (s Strategy) String() string {
	switch s {
	case Abort:
		return "abort"
	case Alert:
		return "alert"
	case Recalibrate:
		return "recalibrate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps the configuration spelling to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "abort":
		return Abort, nil
	case "alert":
		return Alert, nil
	case "recalibrate":
		return Recalibrate, nil
	}
	return 0, fmt.Errorf("unknown recovery strategy %q", s)
}

// Policy maps violation kinds to strategies. Unspecified kinds default to
// Abort: an unhandled violation never silently drops state.
type Policy map[Kind]Strategy

// Decide returns the action for a violation on its given retry attempt.
// Recalibrate is only offered on the first attempt; afterwards it escalates.
func (p Policy) Decide(kind Kind, attempt int) Strategy {
	s, ok := p[kind]
	if !ok {
		return Abort
	}
	if s == Recalibrate && attempt > 0 {
		return Abort
	}
	return s
}
