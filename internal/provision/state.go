package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

const (
	// StateDir holds provisioner's bookkeeping inside a local working root.
	StateDir = ".provision"

	// StateFile is the name of the state stamp inside StateDir.
	StateFile = "state.yaml"

	// VenvDir is the virtual environment inside a local working root.
	VenvDir = ".venv"

	// SourceListFile, inside StateDir, lists the files the last
	// materialize-source step copied into the root.
	SourceListFile = "source.yaml"

	stateVersion = 1
)

// State is the stamp written into a local working root once every build
// step has succeeded. Its presence is what makes a root provisioned.
type State struct {
	Version        int               `yaml:"version"`
	Backend        model.Backend     `yaml:"backend"`
	ManifestHash   string            `yaml:"manifest_hash"`
	Requirements   int               `yaml:"requirements"`
	SourceHash     string            `yaml:"source_hash,omitempty"`
	SourceRevision string            `yaml:"source_revision,omitempty"`
	Entrypoint     string            `yaml:"entrypoint"`
	Interpreter    string            `yaml:"interpreter"`
	Environment    map[string]string `yaml:"environment"`
	ProvisionedAt  time.Time         `yaml:"provisioned_at"`
}

// StatePath returns the state file path for root.
func StatePath(root string) string {
	return filepath.Join(root, StateDir, StateFile)
}

// VenvPython returns the interpreter of the virtual environment at env.
func VenvPython(env string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(env, "Scripts", "python.exe")
	}
	return filepath.Join(env, "bin", "python")
}

// LoadState reads the state of root. It returns nil and no error when the
// root has never been provisioned.
func LoadState(root string) (*State, error) {
	data, err := os.ReadFile(StatePath(root))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning state: %w", err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", StatePath(root), err)
	}
	if s.Version != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d in %s", s.Version, StatePath(root))
	}
	return &s, nil
}

// Save writes the state of root. The file is replaced atomically so a
// crash never leaves a truncated stamp behind.
func (s *State) Save(root string) error {
	s.Version = stateVersion

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode provisioning state: %w", err)
	}

	dir := filepath.Join(root, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, StateFile+".*")
	if err != nil {
		return fmt.Errorf("failed to write provisioning state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write provisioning state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write provisioning state: %w", err)
	}
	if err := os.Rename(tmp.Name(), StatePath(root)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write provisioning state: %w", err)
	}
	return nil
}

// clearState removes the state of root, if any.
func clearState(root string) error {
	err := os.Remove(StatePath(root))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear provisioning state: %w", err)
	}
	return nil
}

// sourceList is the content of SourceListFile.
type sourceList struct {
	Files []string `yaml:"files"`
}

// loadSourceList returns the files copied into root by the previous run.
// It is kept apart from the state stamp so it survives a failed run.
func loadSourceList(root string) ([]string, error) {
	p := filepath.Join(root, StateDir, SourceListFile)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}

	var l sourceList
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return l.Files, nil
}

// saveSourceList records the files copied into root.
func saveSourceList(root string, files []string) error {
	data, err := yaml.Marshal(sourceList{Files: files})
	if err != nil {
		return fmt.Errorf("failed to encode source list: %w", err)
	}

	dir := filepath.Join(root, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	p := filepath.Join(dir, SourceListFile)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// pruneSource removes the files of prev that are not in files, then the
// directories they leave empty. Paths that leave the root or point into
// provisioner's own directories are ignored. It returns the number of files
// removed.
func pruneSource(root string, prev, files []string) (int, error) {
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[f] = true
	}

	removed := 0
	for _, rel := range prev {
		if keep[rel] || !prunable(rel) {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(rel))
		err := os.Remove(target)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return removed, fmt.Errorf("failed to remove stale file %s: %w", target, err)
		}

		// Parents go only while empty; the first non-empty one stops it.
		for dir := filepath.Dir(target); dir != root; dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
	}
	return removed, nil
}

func prunable(rel string) bool {
	p := filepath.FromSlash(rel)
	if !filepath.IsLocal(p) {
		return false
	}
	first := strings.SplitN(filepath.ToSlash(filepath.Clean(p)), "/", 2)[0]
	return first != StateDir && first != VenvDir
}
