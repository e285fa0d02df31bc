// Package artifact provides the bundled artifact sink: one YAML document per
// ExecutionResult, written under a root directory and keyed by execution id.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vk/photongrid/internal/result"
)

// YAMLSink persists ExecutionResults as YAML files.
type YAMLSink struct {
	root string
	mu   sync.Mutex
}

// NewYAMLSink creates the root directory if needed.
func NewYAMLSink(root string) (*YAMLSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &YAMLSink{root: root}, nil
}

// Store writes the result and returns the artifact id (the file's base name
// without extension).
func (s *YAMLSink) Store(res *result.ExecutionResult) (string, error) {
	if res == nil {
		return "", fmt.Errorf("nil execution result")
	}
	if res.ExecutionID == "" {
		return "", fmt.Errorf("execution result has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result %s: %w", res.ExecutionID, err)
	}
	path := filepath.Join(s.root, res.ExecutionID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return res.ExecutionID, nil
}

// Load reads a stored result back, primarily for tests and tooling.
func (s *YAMLSink) Load(artifactID string) (*result.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.root, artifactID+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", artifactID, err)
	}
	var res result.ExecutionResult
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", artifactID, err)
	}
	return &res, nil
}
