package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/photongrid/internal/result"
)

// ArtifactSink persists an ExecutionResult and returns its artifact id.
type ArtifactSink interface {
	Store(res *result.ExecutionResult) (string, error)
}

// Registry holds the named capability implementations for one runtime
// instance. Registration happens at wiring time; duplicate names are a
// programmer error and panic, matching handler registration elsewhere.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	calibrators map[string]CalibrationExecutor
	telemetry   map[string]TelemetrySink
	artifacts   map[string]ArtifactSink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends:    make(map[string]Backend),
		calibrators: make(map[string]CalibrationExecutor),
		telemetry:   make(map[string]TelemetrySink),
		artifacts:   make(map[string]ArtifactSink),
	}
}

// RegisterBackend adds a backend under a name.
func (r *Registry) RegisterBackend(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		panic(fmt.Sprintf("backend %q already registered", name))
	}
	r.backends[name] = b
}

// Backend looks up a backend by name.
func (r *Registry) Backend(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not registered (have %v)", name, r.backendNamesLocked())
	}
	return b, nil
}

func (r *Registry) backendNamesLocked() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterCalibrator adds a calibration executor under a name.
func (r *Registry) RegisterCalibrator(name string, c CalibrationExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calibrators[name]; exists {
		panic(fmt.Sprintf("calibration executor %q already registered", name))
	}
	r.calibrators[name] = c
}

// Calibrator looks up a calibration executor by name.
func (r *Registry) Calibrator(name string) (CalibrationExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calibrators[name]
	if !ok {
		return nil, fmt.Errorf("calibration executor %q not registered", name)
	}
	return c, nil
}

// RegisterTelemetry adds a telemetry sink under a name.
func (r *Registry) RegisterTelemetry(name string, t TelemetrySink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.telemetry[name]; exists {
		panic(fmt.Sprintf("telemetry sink %q already registered", name))
	}
	r.telemetry[name] = t
}

// Telemetry looks up a telemetry sink by name.
func (r *Registry) Telemetry(name string) (TelemetrySink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.telemetry[name]
	if !ok {
		return nil, fmt.Errorf("telemetry sink %q not registered", name)
	}
	return t, nil
}

// RegisterArtifactSink adds an artifact sink under a name.
func (r *Registry) RegisterArtifactSink(name string, a ArtifactSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.artifacts[name]; exists {
		panic(fmt.Sprintf("artifact sink %q already registered", name))
	}
	r.artifacts[name] = a
}

// ArtifactSinkByName looks up an artifact sink by name.
func (r *Registry) ArtifactSinkByName(name string) (ArtifactSink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[name]
	if !ok {
		return nil, fmt.Errorf("artifact sink %q not registered", name)
	}
	return a, nil
}
