package simbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/photongrid/internal/capability"
)

func TestPrepareConcentratesAmplitude(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 3, 42)
	require.NoError(t, err)

	assert.Equal(t, 3, st.Modes)
	assert.Equal(t, 1.0, st.Amplitudes[0])
	assert.Equal(t, 0.0, st.Amplitudes[1])

	_, err = b.Prepare(context.Background(), 0, 42)
	assert.Error(t, err)
}

func TestApplyGatePhaseShift(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 2, 42)
	require.NoError(t, err)

	out, err := b.ApplyGate(context.Background(), st, "PS", map[string]float64{"mode": 1, "phase": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.Phases[1])
	// The input state is never mutated.
	assert.Equal(t, 0.0, st.Phases[1])
}

func TestApplyGateBeamSplitterMovesAmplitude(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 2, 42)
	require.NoError(t, err)

	out, err := b.ApplyGate(context.Background(), st, "BS", map[string]float64{"mode1": 0, "mode2": 1, "theta": 0.7})
	require.NoError(t, err)
	assert.NotZero(t, out.Amplitudes[1])

	_, err = b.ApplyGate(context.Background(), st, "H", nil)
	assert.Error(t, err)
}

func TestEvolvePreservesRelativePhase(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 2, 42)
	require.NoError(t, err)
	st.Phases[1] = 0.25

	out, err := b.Evolve(context.Background(), st, time.Microsecond)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, out.Phases[1]-out.Phases[0], 1e-12)
}

func TestMeasureIsSeedDeterministic(t *testing.T) {
	b := New()
	prep := func() *capability.QuantumState {
		st, err := b.Prepare(context.Background(), 2, 42)
		require.NoError(t, err)
		out, err := b.ApplyGate(context.Background(), st, "BS", map[string]float64{"mode1": 0, "mode2": 1, "theta": 0.7})
		require.NoError(t, err)
		return out
	}

	m1, err := b.Measure(context.Background(), prep(), 0, 99)
	require.NoError(t, err)
	m2, err := b.Measure(context.Background(), prep(), 0, 99)
	require.NoError(t, err)

	assert.Equal(t, m1.Outcome, m2.Outcome)
	assert.Equal(t, m1.Probability, m2.Probability)
	assert.Equal(t, uint64(99), m1.Seed)
}

func TestMeasureRefusesZeroSeed(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 2, 42)
	require.NoError(t, err)

	_, err = b.Measure(context.Background(), st, 0, 0)
	assert.Error(t, err)
}

func TestMeasureCollapsesState(t *testing.T) {
	b := New()
	st, err := b.Prepare(context.Background(), 2, 42)
	require.NoError(t, err)

	m, err := b.Measure(context.Background(), st, 0, 7)
	require.NoError(t, err)
	require.NotNil(t, m.Collapsed)
	assert.Equal(t, 1.0, m.Collapsed.Amplitudes[m.Outcome])
	for i, a := range m.Collapsed.Amplitudes {
		if i != m.Outcome {
			assert.Equal(t, 0.0, a)
		}
	}
}

func TestCalibratorIsDeterministic(t *testing.T) {
	c := NewCalibrator()

	a1, err := c.ExecuteCalibration(context.Background(), "dark-count", nil)
	require.NoError(t, err)
	a2, err := c.ExecuteCalibration(context.Background(), "dark-count", nil)
	require.NoError(t, err)

	assert.Equal(t, a1.Params, a2.Params)
	assert.Equal(t, a1.Fidelity, a2.Fidelity)
	assert.GreaterOrEqual(t, a1.Fidelity, 0.99)

	_, err = c.ExecuteCalibration(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCalibratorApplyRespectsHardLimits(t *testing.T) {
	c := NewCalibrator()
	limits := capability.SafetyLimits{Hard: map[string]float64{"gain_trim": 0.001}}

	err := c.ApplyCalibration(context.Background(), map[string]float64{"gain_trim": 5}, limits)
	assert.Error(t, err)
	assert.Empty(t, c.CurrentCalibration())

	require.NoError(t, c.ApplyCalibration(context.Background(), map[string]float64{"gain_trim": 0.0005}, limits))
	assert.Equal(t, 0.0005, c.CurrentCalibration()["gain_trim"])
}
