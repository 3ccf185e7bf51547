package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the step-list form of a workflow graph, convenient for
// YAML and JSON files:
//
//	name: config-assign
//	steps:
//	  - id: START
//	    on_success: [resolve]
//	  - id: resolve
//	    on_success: [END]
//	    on_failure: [rollback]
//	  - id: rollback
//	    on_success: [END]
type Definition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition lists the successors of one node per label.
type StepDefinition struct {
	ID        string   `json:"id" yaml:"id"`
	OnSuccess []string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure []string `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Graph converts the definition into a validated graph.
func (d *Definition) Graph() (*Graph, error) {
	if len(d.Steps) == 0 {
		return nil, formatError("", -1, "workflow %q has no steps", d.Name)
	}

	seen := make(map[string]bool, len(d.Steps))
	var edges []Edge
	for i, step := range d.Steps {
		if step.ID == "" {
			return nil, formatError("", i, "step %d has no id", i)
		}
		if seen[step.ID] {
			return nil, formatError(step.ID, i, "duplicate step id")
		}
		seen[step.ID] = true

		for _, target := range step.OnSuccess {
			edges = append(edges, Edge{Source: step.ID, Target: target, Label: EdgeLabelSuccess})
		}
		for _, target := range step.OnFailure {
			edges = append(edges, Edge{Source: step.ID, Target: target, Label: EdgeLabelFailure})
		}
	}
	return NewGraph(edges...)
}

// DefinitionFromGraph builds the step-list form of g. Steps follow the order
// in which nodes first appear as edge sources.
func DefinitionFromGraph(name string, g *Graph) *Definition {
	def := &Definition{Name: name}
	index := make(map[string]int)
	for _, e := range g.edges {
		i, ok := index[e.Source]
		if !ok {
			i = len(def.Steps)
			index[e.Source] = i
			def.Steps = append(def.Steps, StepDefinition{ID: e.Source})
		}
		if e.Label == EdgeLabelSuccess {
			def.Steps[i].OnSuccess = append(def.Steps[i].OnSuccess, e.Target)
		} else {
			def.Steps[i].OnFailure = append(def.Steps[i].OnFailure, e.Target)
		}
	}
	return def
}

// ParseDefinitionYAML decodes a YAML definition.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from YAML: %w", err)
	}
	return &def, nil
}

// ParseDefinitionJSON decodes a JSON definition.
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from JSON: %w", err)
	}
	return &def, nil
}

// ToJSON converts the definition to an indented JSON string.
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts the definition to a YAML string.
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// LoadDefinitionFile reads a .json, .yaml or .yml definition file.
func LoadDefinitionFile(filename string) (*Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return ParseDefinitionJSON(data)
	case ".yaml", ".yml":
		return ParseDefinitionYAML(data)
	default:
		return nil, fmt.Errorf("unsupported definition file extension %q", filepath.Ext(filename))
	}
}

// SaveToFile writes the definition as JSON or YAML depending on the extension.
func (d *Definition) SaveToFile(filename string) error {
	var (
		out string
		err error
	)
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		out, err = d.ToJSON()
	} else {
		out, err = d.ToYAML()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadGraph accepts either the bracketed notation or a path to a definition file.
func LoadGraph(source string) (*Graph, error) {
	if strings.HasPrefix(strings.TrimSpace(source), "[") {
		return Parse(source)
	}
	def, err := LoadDefinitionFile(source)
	if err != nil {
		return nil, err
	}
	return def.Graph()
}
