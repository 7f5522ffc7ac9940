package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/play-engine/types"
)

// Definitions is the content of a definition file.
type Definitions struct {
	Plays     []types.Play             `yaml:"plays"`
	Templates []types.ApprovalTemplate `yaml:"approval_templates"`
}

// LoadDefinitions reads plays and approval templates from a YAML file.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes YAML definitions.
func ParseDefinitions(data []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse definitions: %w", err)
	}
	return defs, nil
}
