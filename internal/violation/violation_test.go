package violation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCarriesKindThroughWrapping(t *testing.T) {
	base := Newf(KindDeadline, "det", "end %v exceeds deadline %v", 10, 5)
	wrapped := fmt.Errorf("phase 2: %w", base)

	assert.True(t, IsKind(wrapped, KindDeadline))
	assert.False(t, IsKind(wrapped, KindBranching))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindDeadline, kind)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("detector offline")
	err := Wrap(KindCalibrationFailure, "cal", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CalibrationFailure")
	assert.Contains(t, err.Error(), "cal")
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindValidation, KindDeadline, KindStateExpired, KindReplayMismatch} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("NotAViolation")
	assert.Error(t, err)
}

func TestPolicyDefaultsToAbort(t *testing.T) {
	p := Policy{}
	assert.Equal(t, Abort, p.Decide(KindDeadline, 0))
}

func TestPolicyAlertContinues(t *testing.T) {
	p := Policy{KindHardLimit: Alert}
	assert.Equal(t, Alert, p.Decide(KindHardLimit, 0))
	assert.Equal(t, Alert, p.Decide(KindHardLimit, 3))
}

func TestPolicyRecalibrateEscalatesAfterRetry(t *testing.T) {
	p := Policy{KindStateExpired: Recalibrate}
	assert.Equal(t, Recalibrate, p.Decide(KindStateExpired, 0))
	assert.Equal(t, Abort, p.Decide(KindStateExpired, 1))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("recalibrate")
	require.NoError(t, err)
	assert.Equal(t, Recalibrate, s)
	_, err = ParseStrategy("retry")
	assert.Error(t, err)
}
