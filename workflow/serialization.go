package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk shape: a single definition, a bare list, or a list under "flows".
type definitionFile struct {
	Flows []*FlowDefinition `json:"flows" yaml:"flows"`
}

// ParseDefinitions decodes one or more flow definitions from YAML or JSON.
// format is "yaml" or "json"; an empty format sniffs the first byte.
func ParseDefinitions(data []byte, format string) ([]*FlowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty definition document")
	}
	if format == "" {
		format = "yaml"
		if trimmed[0] == '{' || trimmed[0] == '[' {
			format = "json"
		}
	}

	switch strings.ToLower(format) {
	case "json":
		return parseJSONDefinitions(trimmed)
	case "yaml", "yml":
		return parseYAMLDefinitions(trimmed)
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}
}

func parseJSONDefinitions(data []byte) ([]*FlowDefinition, error) {
	if data[0] == '[' {
		var defs []*FlowDefinition
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definitions from JSON: %w", err)
		}
		return defs, nil
	}
	var file definitionFile
	if err := json.Unmarshal(data, &file); err == nil && len(file.Flows) > 0 {
		return file.Flows, nil
	}
	var def FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from JSON: %w", err)
	}
	return []*FlowDefinition{&def}, nil
}

func parseYAMLDefinitions(data []byte) ([]*FlowDefinition, error) {
	if data[0] == '-' && !bytes.HasPrefix(data, []byte("---")) {
		var defs []*FlowDefinition
		if err := yaml.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definitions from YAML: %w", err)
		}
		return normalizeYAML(defs), nil
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Flows) > 0 {
		return normalizeYAML(file.Flows), nil
	}
	var def FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from YAML: %w", err)
	}
	return normalizeYAML([]*FlowDefinition{&def}), nil
}

// normalizeYAML converts YAML-decoded values (int, map[string]any with
// nested []any) to the JSON shapes handlers expect.
func normalizeYAML(defs []*FlowDefinition) []*FlowDefinition {
	for _, def := range defs {
		def.TriggerConfig = jsonShape(def.TriggerConfig)
		def.Variables = jsonShape(def.Variables)
		for i := range def.Nodes {
			def.Nodes[i].Data = jsonShape(def.Nodes[i].Data)
		}
	}
	return defs
}

func jsonShape(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// LoadDefinitionFile reads definitions from a .yaml, .yml or .json file.
func LoadDefinitionFile(path string) ([]*FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return ParseDefinitions(data, format)
}

// ToYAML renders a definition as YAML.
func (d *FlowDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// ToJSON renders a definition as indented JSON.
func (d *FlowDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}
