package layout

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Directories are created under the working root, in this order, with
// slash-separated paths relative to the root.
var Directories = []string{
	"data/raw",
	"data/processed",
	"data/output",
	"logs",
}

const (
	// EnvPythonPath makes modules in the working root importable.
	EnvPythonPath = "PYTHONPATH"

	// EnvPythonUnbuffered disables stdout/stderr buffering in the
	// interpreter so output reaches logs as it is produced.
	EnvPythonUnbuffered = "PYTHONUNBUFFERED"
)

// DirMode is the permission mode of provisioned directories.
const DirMode os.FileMode = 0o755

// ErrPathCollision is wrapped by Provision when a non-directory occupies
// one of the directory paths.
var ErrPathCollision = errors.New("path exists and is not a directory")

// Variables returns the environment variables for a working root, in a
// stable order. root is used verbatim; callers pass an in-image path for
// container backends.
func Variables(root string) map[string]string {
	return map[string]string{
		EnvPythonPath:       root,
		EnvPythonUnbuffered: "1",
	}
}

// VariableNames returns the keys of Variables in sorted order.
func VariableNames() []string {
	names := []string{EnvPythonPath, EnvPythonUnbuffered}
	sort.Strings(names)
	return names
}

// Environment returns base ("KEY=value" entries, as from os.Environ) with
// the working-root variables set. Inherited values of those variables are
// dropped, never merged: a caller-supplied PYTHONPATH does not survive.
func Environment(base []string, root string) []string {
	vars := Variables(root)

	env := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, name := range VariableNames() {
		env = append(env, name+"="+vars[name])
	}
	return env
}

// Provision creates every directory under root. Existing directories are
// left untouched, including their contents, so running it twice is a
// no-op. A file (or anything else that is not a directory) at one of the
// paths, or at one of their parents, is an error wrapping ErrPathCollision.
// It returns the directories that were newly created.
func Provision(root string) ([]string, error) {
	var created []string

	for _, rel := range Directories {
		// Walk down the path one component at a time so a colliding parent
		// (e.g., a file named "data") is reported by name.
		parts := strings.Split(rel, "/")
		for i := range parts {
			sub := path.Join(parts[:i+1]...)
			abs := filepath.Join(root, filepath.FromSlash(sub))

			info, err := os.Stat(abs)
			switch {
			case err == nil && info.IsDir():
				continue
			case err == nil:
				return created, fmt.Errorf("%w: %s", ErrPathCollision, abs)
			case !errors.Is(err, os.ErrNotExist):
				return created, fmt.Errorf("failed to inspect %s: %w", abs, err)
			}

			if err := os.Mkdir(abs, DirMode); err != nil {
				return created, fmt.Errorf("failed to create directory %s: %w", abs, err)
			}
			if sub == rel && !slices.Contains(created, rel) {
				created = append(created, rel)
			}
		}
	}

	return created, nil
}

// ImagePaths returns the directories as absolute slash-separated paths
// under the in-image working root.
func ImagePaths(workingRoot string) []string {
	paths := make([]string, 0, len(Directories))
	for _, rel := range Directories {
		paths = append(paths, path.Join(workingRoot, rel))
	}
	return paths
}
