package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML form of a plan accepted by the CLI.
//
//	project_id: billing
//	tasks:
//	  - id: schema
//	    description: Add invoice tables
//	  - id: api
//	    description: Expose invoice endpoints
//	    dependencies: [schema]
type File struct {
	ProjectID string `yaml:"project_id"`
	Tasks     []Task `yaml:"tasks"`
}

// LoadFile reads a plan definition from path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("plan file %s has no tasks", path)
	}
	return &f, nil
}
