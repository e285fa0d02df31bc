package simbackend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/seed"
)

// Calibrator is the bundled reference calibration executor. Kernel runs are
// deterministic in (kernel, prior): the same inputs always produce the same
// artifact, so calibrated runs stay replayable.
type Calibrator struct {
	mu      sync.Mutex
	current map[string]float64
}

// NewCalibrator returns a reference calibrator with no prior corrections.
func NewCalibrator() *Calibrator {
	return &Calibrator{current: make(map[string]float64)}
}

// ExecuteCalibration implements capability.CalibrationExecutor. The produced
// correction is a small deterministic trim derived from the kernel name and
// the prior state.
func (c *Calibrator) ExecuteCalibration(_ context.Context, kernel string, prior map[string]float64) (*capability.CalibrationArtifact, error) {
	if kernel == "" {
		return nil, fmt.Errorf("calibration kernel name must not be empty")
	}
	label := kernel
	for _, k := range sortedKeys(prior) {
		label += fmt.Sprintf("|%s=%g", k, prior[k])
	}
	h := seed.Derive(1, label)
	// Trim in [-0.005, 0.005), fidelity in [0.99, 1.0).
	trim := (float64(h%1000)/1000.0 - 0.5) * 0.01
	fidelity := 0.99 + float64(h%97)/9700.0

	return &capability.CalibrationArtifact{
		Kernel:   kernel,
		Params:   map[string]float64{"gain_trim": prior["gain_trim"] + trim},
		Fidelity: fidelity,
	}, nil
}

// ApplyCalibration implements capability.CalibrationExecutor. The engine has
// already safety-validated params; the executor re-checks hard limits anyway
// since it is the last gate before anything physical.
func (c *Calibrator) ApplyCalibration(_ context.Context, params map[string]float64, limits capability.SafetyLimits) error {
	for _, name := range sortedKeys(params) {
		if limit, ok := limits.Hard[name]; ok && params[name] > limit {
			return fmt.Errorf("refusing to apply %s=%g above hard limit %g", name, params[name], limit)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range params {
		c.current[k] = v
	}
	return nil
}

// CurrentCalibration implements capability.CalibrationExecutor.
func (c *Calibrator) CurrentCalibration() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.current))
	for k, v := range c.current {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
