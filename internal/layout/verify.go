package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Level grades a verification finding.
type Level string

const (
	// LevelOK marks a passed check.
	LevelOK Level = "ok"

	// LevelWarn marks a deviation that does not break the entrypoint, such
	// as a data directory that already holds files from an earlier run.
	LevelWarn Level = "warn"

	// LevelError marks a broken layout.
	LevelError Level = "error"
)

// Finding is the result of one verification check.
type Finding struct {
	// Check names the check (e.g., "directory", "writable", "entrypoint").
	Check string `json:"check" yaml:"check"`

	// Path is the slash-separated path, relative to the root, that was checked.
	Path string `json:"path" yaml:"path"`

	// Level grades the result.
	Level Level `json:"level" yaml:"level"`

	// Message explains a warning or error. Empty for passed checks.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Report collects the findings for one working root.
type Report struct {
	// Root is the verified working root.
	Root string `json:"root" yaml:"root"`

	// Findings holds one entry per check, in check order.
	Findings []Finding `json:"findings" yaml:"findings"`
}

// OK reports whether no check failed. Warnings do not count.
func (r *Report) OK() bool {
	for _, f := range r.Findings {
		if f.Level == LevelError {
			return false
		}
	}
	return true
}

// Count returns the number of findings at level.
func (r *Report) Count(level Level) int {
	n := 0
	for _, f := range r.Findings {
		if f.Level == level {
			n++
		}
	}
	return n
}

func (r *Report) add(check, path string, level Level, format string, args ...any) {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	r.Findings = append(r.Findings, Finding{Check: check, Path: path, Level: level, Message: msg})
}

// Verify checks a working root against the layout:
//   - the root is a directory and the entrypoint is a regular file in it
//   - each of the four directories exists and is writable
//   - each directory is empty (warning otherwise)
//   - data/ holds no directories beyond the three declared ones (warning)
//
// Writability is checked by creating and removing a temporary file, so
// Verify leaves the directories as it found them.
func Verify(root, entrypoint string) *Report {
	r := &Report{Root: root}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		r.add("root", ".", LevelError, "working root %s is not a directory", root)
		return r
	}
	r.add("root", ".", LevelOK, "")

	if entrypoint != "" {
		ep := filepath.Join(root, filepath.FromSlash(entrypoint))
		if info, err := os.Stat(ep); err != nil || !info.Mode().IsRegular() {
			r.add("entrypoint", entrypoint, LevelError, "entrypoint %s is missing", entrypoint)
		} else {
			r.add("entrypoint", entrypoint, LevelOK, "")
		}
	}

	for _, rel := range Directories {
		abs := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Stat(abs)
		switch {
		case err != nil:
			r.add("directory", rel, LevelError, "missing")
			continue
		case !info.IsDir():
			r.add("directory", rel, LevelError, "exists but is not a directory")
			continue
		}
		r.add("directory", rel, LevelOK, "")

		if err := checkWritable(abs); err != nil {
			r.add("writable", rel, LevelError, "%v", err)
		} else {
			r.add("writable", rel, LevelOK, "")
		}

		entries, err := os.ReadDir(abs)
		switch {
		case err != nil:
			r.add("empty", rel, LevelError, "unreadable: %v", err)
		case len(entries) > 0:
			r.add("empty", rel, LevelWarn, "holds %d entries", len(entries))
		default:
			r.add("empty", rel, LevelOK, "")
		}
	}

	if entries, err := os.ReadDir(filepath.Join(root, "data")); err == nil {
		for _, e := range entries {
			rel := "data/" + e.Name()
			if e.IsDir() && !slices.Contains(Directories, rel) {
				r.add("unexpected", rel, LevelWarn, "directory is not part of the layout")
			}
		}
	}

	return r
}

// checkWritable creates and removes a temporary file in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".provisioner-check-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("check file %s could not be removed: %w", name, err)
	}
	return nil
}
