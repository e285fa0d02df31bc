package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/telemetry"
)

func TestRegisterAndLookupTelemetry(t *testing.T) {
	r := capability.NewRegistry()
	sink := telemetry.NewMemorySink()
	r.RegisterTelemetry("memory", sink)

	got, err := r.Telemetry("memory")
	require.NoError(t, err)
	assert.Same(t, sink, got)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := capability.NewRegistry()
	r.RegisterTelemetry("memory", telemetry.NewMemorySink())

	assert.Panics(t, func() {
		r.RegisterTelemetry("memory", telemetry.NewMemorySink())
	})
}

func TestLookupUnknownName(t *testing.T) {
	r := capability.NewRegistry()

	_, err := r.Backend("missing")
	assert.Error(t, err)
	_, err = r.Calibrator("missing")
	assert.Error(t, err)
	_, err = r.Telemetry("missing")
	assert.Error(t, err)
	_, err = r.ArtifactSinkByName("missing")
	assert.Error(t, err)
}
