// Package photongrid is the embedding surface of the execution substrate. A
// Runtime owns an isolated logger, registry, resource pool and engine; several
// runtimes can coexist in one process without shared state.
package photongrid

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/photongrid/internal/artifact"
	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/engine"
	"github.com/vk/photongrid/internal/gridhcl"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/resource"
	"github.com/vk/photongrid/internal/result"
	"github.com/vk/photongrid/internal/simbackend"
	"github.com/vk/photongrid/internal/telemetry"
	"github.com/vk/photongrid/internal/violation"
)

// Options holds all the necessary configuration for a Runtime instance.
type Options struct {
	LogLevel  string
	LogFormat string
	Out       io.Writer

	// Capability names resolved against the registry at run time. Empty
	// names select the bundled reference implementations.
	Backend    string
	Calibrator string
	Telemetry  string

	// ArtifactDir, when set, enables the YAML artifact sink and persists
	// every ExecutionResult under this directory.
	ArtifactDir string

	// Resources declares the pool the validator and planner schedule
	// against.
	Resources []resource.Spec

	Policy violation.Policy
	Limits capability.SafetyLimits

	// Branching selects the branch budgeting strategy: "conservative"
	// (default) or "speculative".
	Branching string

	// Scheduler selects the plan builder: "static" (default) or "dynamic".
	Scheduler string

	// Contention feeds the dynamic builder's spacing decisions. Ignored by
	// the static builder.
	Contention map[string]int

	// Parallelism bounds concurrent node execution inside a parallel phase.
	Parallelism int
}

const (
	defaultBackend    = "reference"
	defaultCalibrator = "reference"
	defaultTelemetry  = "memory"
	artifactSinkName  = "yaml"
)

// Runtime wires the loader, registry, pool and engine behind one handle.
type Runtime struct {
	logger   *slog.Logger
	registry *capability.Registry
	loader   *gridhcl.Loader
	pool     *resource.Pool
	engine   *engine.Engine
}

// New builds a fully initialized Runtime, including its own isolated logger
// and registry with the bundled reference capabilities pre-registered.
func New(opts Options) (*Runtime, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	logger := newLogger(opts.LogLevel, opts.LogFormat, out)

	registry := capability.NewRegistry()
	registry.RegisterBackend(defaultBackend, simbackend.New())
	registry.RegisterCalibrator(defaultCalibrator, simbackend.NewCalibrator())
	registry.RegisterTelemetry(defaultTelemetry, telemetry.NewMemorySink())

	artifactName := ""
	if opts.ArtifactDir != "" {
		sink, err := artifact.NewYAMLSink(opts.ArtifactDir)
		if err != nil {
			return nil, err
		}
		registry.RegisterArtifactSink(artifactSinkName, sink)
		artifactName = artifactSinkName
	}

	pool, err := resource.NewPool(opts.Resources)
	if err != nil {
		return nil, err
	}

	branching, err := plan.ParseBranchStrategy(opts.Branching)
	if err != nil {
		return nil, err
	}
	builderOpts := plan.Options{Branching: branching}
	var builder plan.Builder
	switch opts.Scheduler {
	case "", "static":
		builder = plan.NewStatic(builderOpts)
	case "dynamic":
		builder = plan.NewDynamic(builderOpts, plan.Feedback{Contention: opts.Contention})
	default:
		return nil, fmt.Errorf("unknown scheduler %q", opts.Scheduler)
	}

	eng, err := engine.New(engine.Config{
		Registry:    registry,
		Backend:     firstNonEmpty(opts.Backend, defaultBackend),
		Calibrator:  firstNonEmpty(opts.Calibrator, defaultCalibrator),
		Telemetry:   firstNonEmpty(opts.Telemetry, defaultTelemetry),
		Artifacts:   artifactName,
		Builder:     builder,
		Pool:        pool,
		Policy:      opts.Policy,
		Limits:      opts.Limits,
		Parallelism: opts.Parallelism,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Runtime initialized.", "scheduler", firstNonEmpty(opts.Scheduler, "static"), "branching", branching.String())
	return &Runtime{
		logger:   logger,
		registry: registry,
		loader:   gridhcl.NewLoader(),
		pool:     pool,
		engine:   eng,
	}, nil
}

// Registry exposes the runtime's capability registry so embedders can add
// their own backends, calibrators and sinks before running.
func (r *Runtime) Registry() *capability.Registry { return r.registry }

// Engine exposes the underlying engine, primarily for state inspection and
// background calibration submission.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// RunOptions parameterize one run. It aliases the engine's type so embedders
// only import this package.
type RunOptions = engine.RunOptions

// RunGraph validates, plans and executes an in-memory graph.
func (r *Runtime) RunGraph(ctx context.Context, g *qgraph.Graph, opts RunOptions) (*result.ExecutionResult, error) {
	ctx = ctxlog.WithLogger(ctx, r.logger)
	return r.engine.Run(ctx, g, opts)
}

// RunFile loads exactly one graph from the given paths and executes it. A
// policy block in the files does not override the runtime's configured
// policy; it only fills kinds the runtime left unset.
func (r *Runtime) RunFile(ctx context.Context, opts RunOptions, paths ...string) (*result.ExecutionResult, error) {
	ctx = ctxlog.WithLogger(ctx, r.logger)
	model, err := r.loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}
	g, err := model.Graph()
	if err != nil {
		return nil, err
	}
	r.engine.FillPolicy(model.Policy)
	return r.engine.Run(ctx, g, opts)
}

// LoadGraph parses graph files without executing them.
func (r *Runtime) LoadGraph(ctx context.Context, paths ...string) (*gridhcl.Model, error) {
	ctx = ctxlog.WithLogger(ctx, r.logger)
	return r.loader.Load(ctx, paths...)
}

// Replay re-executes a graph under a pinned seed and noise model, verifying
// bit-exact reproduction when an expected result is supplied.
func (r *Runtime) Replay(ctx context.Context, spec engine.ReplaySpec) (*result.ExecutionResult, error) {
	ctx = ctxlog.WithLogger(ctx, r.logger)
	return r.engine.Replay(ctx, spec)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
