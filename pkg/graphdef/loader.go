// Package graphdef loads and validates YAML desired-state definition
// files and converts them to convergence graphs.
package graphdef

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openstrata/strata/pkg/engine"
)

// Loader parses and validates definition files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a definition file loader.
func NewLoader() *Loader {
	return &Loader{validator: validator.New()}
}

// Load reads, parses, and validates a definition file.
func (l *Loader) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	f, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse parses and validates definition bytes.
func (l *Loader) Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if err := l.validator.Struct(f); err != nil {
		return nil, fmt.Errorf("definition validation failed: %w", err)
	}

	seen := make(map[string]bool, len(f.Entities))
	for _, e := range f.Entities {
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate entity name: %s", e.Name)
		}
		seen[e.Name] = true
	}
	return f, nil
}

// ToGraph converts a parsed definition into a convergence graph and
// runs full structural validation on it.
func ToGraph(f *File) (*engine.Graph, error) {
	g := &engine.Graph{Nodes: make(map[string]*engine.GraphNode, len(f.Entities))}
	for _, e := range f.Entities {
		node := &engine.GraphNode{
			Name:     e.Name,
			Type:     e.Type,
			Requires: append([]string(nil), e.Requires...),
		}
		if len(e.Properties) > 0 {
			props, err := json.Marshal(e.Properties)
			if err != nil {
				return nil, fmt.Errorf("entity %s: failed to encode properties: %w", e.Name, err)
			}
			node.Properties = props
		}
		g.Nodes[e.Name] = node
	}
	if err := engine.ValidateGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGraph is the common path: load a file and return its stack name
// and graph.
func (l *Loader) LoadGraph(path string) (string, *engine.Graph, error) {
	f, err := l.Load(path)
	if err != nil {
		return "", nil, err
	}
	g, err := ToGraph(f)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Stack, g, nil
}
