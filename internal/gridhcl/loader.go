// Package gridhcl provides the HCL front-end for computation graphs. It is
// responsible for all file parsing, HCL-to-model translation, and CTY
// parameter binding; the graph model itself stays format-agnostic.
package gridhcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/plan"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/violation"
)

// Model is everything a set of graph files declares: the graphs themselves,
// the violation policy, and the requested branch strategy per graph.
type Model struct {
	Graphs    map[string]*qgraph.Graph
	Branching map[string]plan.BranchStrategy
	Policy    violation.Policy
}

// Graph returns the single graph of a model, erroring when the files declare
// zero or several.
func (m *Model) Graph() (*qgraph.Graph, error) {
	if len(m.Graphs) != 1 {
		return nil, fmt.Errorf("expected exactly one graph block, found %d", len(m.Graphs))
	}
	for _, g := range m.Graphs {
		return g, nil
	}
	return nil, nil
}

// Loader parses graph files.
type Loader struct{}

// NewLoader creates a new graph file loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load orchestrates the entire loading process. It is agnostic to the origin
// of the paths and parses any valid block from any file.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Graph loader started.", "path_count", len(paths))

	model := &Model{
		Graphs:    make(map[string]*qgraph.Graph),
		Branching: make(map[string]plan.BranchStrategy),
		Policy:    violation.Policy{},
	}

	files, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered graph files.", "count", len(files))

	parser := hclparse.NewParser()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse graph file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode graph file %s: %w", file, diags)
		}

		for _, gb := range root.Graphs {
			if _, dup := model.Graphs[gb.ID]; dup {
				return nil, fmt.Errorf("graph %q declared twice", gb.ID)
			}
			g, strategy, err := l.translateGraph(ctx, gb)
			if err != nil {
				return nil, fmt.Errorf("in graph %q: %w", gb.ID, err)
			}
			model.Graphs[gb.ID] = g
			model.Branching[gb.ID] = strategy
		}
		for _, pb := range root.Policies {
			if err := l.translatePolicy(pb, model.Policy); err != nil {
				return nil, fmt.Errorf("in policy block of %s: %w", file, err)
			}
		}
	}

	logger.Debug("Graph loading complete.", "graphs", len(model.Graphs), "policy_rules", len(model.Policy))
	return model, nil
}

// LoadBytes parses a single in-memory graph document. The filename only
// labels diagnostics.
func (l *Loader) LoadBytes(ctx context.Context, filename string, src []byte) (*Model, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse graph source %s: %w", filename, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode graph source %s: %w", filename, diags)
	}

	model := &Model{
		Graphs:    make(map[string]*qgraph.Graph),
		Branching: make(map[string]plan.BranchStrategy),
		Policy:    violation.Policy{},
	}
	for _, gb := range root.Graphs {
		if _, dup := model.Graphs[gb.ID]; dup {
			return nil, fmt.Errorf("graph %q declared twice", gb.ID)
		}
		g, strategy, err := l.translateGraph(ctx, gb)
		if err != nil {
			return nil, fmt.Errorf("in graph %q: %w", gb.ID, err)
		}
		model.Graphs[gb.ID] = g
		model.Branching[gb.ID] = strategy
	}
	for _, pb := range root.Policies {
		if err := l.translatePolicy(pb, model.Policy); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl
// files found.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // It's not an error if a configured path doesn't exist.
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && filepath.Ext(p) == ".hcl" {
					if _, wasSeen := seen[p]; !wasSeen {
						allFiles = append(allFiles, p)
						seen[p] = struct{}{}
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else if filepath.Ext(path) == ".hcl" {
			if _, wasSeen := seen[path]; !wasSeen {
				allFiles = append(allFiles, path)
				seen[path] = struct{}{}
			}
		}
	}
	return allFiles, nil
}
