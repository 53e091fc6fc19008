package stepgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the config syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// fileConfig is the on-disk step catalog. Steps may be written either as
// full records or as bare ids; the acknowledgment map is the older way of
// flagging gated steps and is merged into the records.
type fileConfig struct {
	Steps                        []stepEntry     `json:"steps" yaml:"steps"`
	StepsRequiringAcknowledgment map[string]bool `json:"steps_requiring_acknowledgment" yaml:"steps_requiring_acknowledgment"`
}

type stepEntry struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description" yaml:"description"`
	Group             string   `json:"group" yaml:"group"`
	Dependencies      []string `json:"dependencies" yaml:"dependencies"`
	RequiresUserInput bool     `json:"requiresUserInput" yaml:"requiresUserInput"`
}

func (e *stepEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	type plain stepEntry
	return json.Unmarshal(data, (*plain)(e))
}

func (e *stepEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.ID)
	}
	type plain stepEntry
	return node.Decode((*plain)(e))
}

// FormatFromPath picks the format by file extension; unknown extensions are
// treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and validates the step config at path.
func Load(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	g, err := Parse(raw, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse decodes a step config document and validates it.
func Parse(raw []byte, format Format) (*Graph, error) {
	var cfg fileConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrConfig, err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrConfig, err)
		}
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps declared", ErrConfig)
	}
	defs := make([]Definition, 0, len(cfg.Steps))
	for _, e := range cfg.Steps {
		id := strings.TrimSpace(e.ID)
		defs = append(defs, Definition{
			ID:                     id,
			Name:                   strings.TrimSpace(e.Name),
			Description:            strings.TrimSpace(e.Description),
			Group:                  strings.TrimSpace(e.Group),
			Dependencies:           e.Dependencies,
			RequiresAcknowledgment: e.RequiresUserInput || cfg.StepsRequiringAcknowledgment[id],
		})
	}
	for id := range cfg.StepsRequiringAcknowledgment {
		if !containsID(defs, id) {
			return nil, fmt.Errorf("%w: acknowledgment flag for unknown step %q", ErrConfig, id)
		}
	}
	return New(defs)
}

func containsID(defs []Definition, id string) bool {
	for _, d := range defs {
		if d.ID == id {
			return true
		}
	}
	return false
}
