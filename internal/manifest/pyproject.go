package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// pyProject is the subset of a PEP 621 pyproject.toml read by provisioner.
type pyProject struct {
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// LoadPyProject reads [project].dependencies from a pyproject.toml file.
// Each entry is validated like a requirements-file line. Optional
// dependency groups are not installed.
func LoadPyProject(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path %s: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", abs, err)
	}

	return ParsePyProject(abs, data)
}

// ParsePyProject parses pyproject.toml content attributed to name.
func ParsePyProject(name string, data []byte) (*Manifest, error) {
	var doc pyProject
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{File: name, Message: fmt.Sprintf("invalid TOML: %v", err)}
	}

	m := &Manifest{Path: name}
	for i, dep := range doc.Project.Dependencies {
		// pyproject entries have no line numbers once decoded; report the
		// 1-based array index instead.
		req, err := parseRequirement(strings.Join(strings.Fields(dep), " "), name, i+1)
		if err != nil {
			return nil, err
		}
		m.Requirements = append(m.Requirements, req)
	}

	return m, nil
}
