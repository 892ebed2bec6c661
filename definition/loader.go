// Package definition loads workflow definition templates from YAML files.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stef9github/flowcore/types"
)

// Loader parses YAML workflow templates into validated definitions.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads, parses and validates a single YAML template file.
func (l *Loader) LoadFile(path string) (types.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse parses YAML bytes into a definition and validates its structural
// invariants. name is used in error messages only.
func (l *Loader) Parse(data []byte, name string) (types.Definition, error) {
	var def types.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return types.Definition{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	if err := def.Validate(); err != nil {
		return types.Definition{}, fmt.Errorf("validating %s: %w", name, err)
	}
	return def, nil
}

// LoadDir recursively scans dir for *.yaml and *.yml files and parses
// each into a definition.
func (l *Loader) LoadDir(dir string) ([]types.Definition, error) {
	var defs []types.Definition

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		def, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
	}

	return defs, nil
}
