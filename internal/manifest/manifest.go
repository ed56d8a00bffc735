package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Requirement is a single declared third-party package.
type Requirement struct {
	// Name is the project name as declared (e.g., "Requests").
	Name string `json:"name" yaml:"name"`

	// Specifier is the full requirement text as declared, trimmed and with
	// inline comments removed (e.g., "requests[socks]>=2.31; python_version>'3.8'").
	Specifier string `json:"specifier" yaml:"specifier"`

	// Origin is "<file>:<line>" of the declaration, for diagnostics.
	Origin string `json:"origin" yaml:"origin"`
}

// NormalizedName returns the PEP 503 normalized project name: lowercase,
// with runs of "-", "_" and "." collapsed to a single "-".
func (r Requirement) NormalizedName() string {
	return normalizeRe.ReplaceAllString(strings.ToLower(r.Name), "-")
}

// Manifest is a parsed dependency declaration.
type Manifest struct {
	// Path is the file the manifest was loaded from.
	Path string `json:"path" yaml:"path"`

	// Options holds global installer options (e.g., "--index-url https://...")
	// in declaration order, without duplicates.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`

	// Requirements holds the declared packages in declaration order,
	// with nested includes flattened in place.
	Requirements []Requirement `json:"requirements" yaml:"requirements"`
}

// ParseError reports a malformed manifest line.
type ParseError struct {
	// File is the manifest file containing the bad line.
	File string

	// Line is the 1-based line number of the start of the logical line.
	Line int

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

var (
	// nameRe matches a PEP 508 project name at the start of a specifier.
	nameRe = regexp.MustCompile(`^([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9])`)

	// normalizeRe matches the separator runs folded by PEP 503.
	normalizeRe = regexp.MustCompile(`[-_.]+`)
)

// Load reads a manifest file, dispatching on its name: files named
// pyproject.toml (or any *.toml) are read as PEP 621 project metadata,
// everything else as a requirements file.
func Load(path string) (*Manifest, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadPyProject(path)
	}
	return LoadRequirements(path)
}

// IsEmpty reports whether the manifest declares no packages.
// An empty manifest is valid; installing it is a no-op.
func (m *Manifest) IsEmpty() bool {
	return len(m.Requirements) == 0
}

// Names returns the normalized project names in declaration order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.NormalizedName())
	}
	return names
}

// Render produces the canonical requirements-file form of the manifest:
// global options first, then one requirement per line, newline-terminated.
// Comments, blank lines and include structure are not preserved, so the
// rendering only changes when the set of installed packages could change.
func (m *Manifest) Render() []byte {
	var buf bytes.Buffer
	for _, opt := range m.Options {
		buf.WriteString(opt)
		buf.WriteByte('\n')
	}
	for _, r := range m.Requirements {
		buf.WriteString(r.Specifier)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Hash returns the hex SHA-256 of Render(). It is the dependency cache key.
func (m *Manifest) Hash() string {
	sum := sha256.Sum256(m.Render())
	return hex.EncodeToString(sum[:])
}

// parseRequirement validates a single requirement specifier and extracts
// its project name. The specifier must start with a valid project name,
// followed by nothing or by extras, a version clause, a marker or a direct
// URL reference.
func parseRequirement(spec, file string, line int) (Requirement, error) {
	if isLocalReference(spec) {
		return Requirement{}, &ParseError{
			File:    file,
			Line:    line,
			Message: fmt.Sprintf("local path requirement %q is not supported: dependencies are installed before the application source exists", spec),
		}
	}

	name := nameRe.FindString(spec)
	if name == "" {
		return Requirement{}, &ParseError{
			File:    file,
			Line:    line,
			Message: fmt.Sprintf("requirement %q does not start with a valid project name", spec),
		}
	}

	// The character following the name must begin one of the allowed
	// clauses. This rejects names like "foo/bar" or "foo$".
	rest := spec[len(name):]
	if rest != "" && !strings.ContainsAny(rest[:1], " \t[(=<>!~;@") {
		return Requirement{}, &ParseError{
			File:    file,
			Line:    line,
			Message: fmt.Sprintf("invalid project name in requirement %q", spec),
		}
	}

	return Requirement{
		Name:      name,
		Specifier: spec,
		Origin:    fmt.Sprintf("%s:%d", file, line),
	}, nil
}

// isLocalReference reports whether a specifier points at a local path or
// archive rather than a named project.
func isLocalReference(spec string) bool {
	switch {
	case strings.HasPrefix(spec, "."), strings.HasPrefix(spec, "/"), strings.HasPrefix(spec, "~"):
		return true
	case strings.HasPrefix(strings.ToLower(spec), "file:"):
		return true
	}
	return false
}
