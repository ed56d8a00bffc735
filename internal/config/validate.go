package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/distribution/reference"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// ValidationError represents a single invalid configuration value.
type ValidationError struct {
	// Field is the configuration key that failed validation (e.g., "working_root").
	Field string

	// Message describes what's wrong with the value.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found
// (empty list = valid configuration).
//
// Checks performed:
//   - working_root is an absolute POSIX path other than "/", free of
//     characters a Dockerfile would interpret
//   - entrypoint is a relative .py path that stays inside the working root
//   - interpreter, base_image and tag are set; tag and base_image parse as
//     image references
//   - pip.index_url, when set, is an http(s) URL
//   - labels do not use the reserved provisioner namespace
//   - local_root is neither the build context nor the source tree, and
//     does not contain the source tree
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// The in-image root is always a Linux path regardless of host OS.
	switch {
	case cfg.WorkingRoot == "":
		add("working_root", "must be set")
	case !path.IsAbs(cfg.WorkingRoot):
		add("working_root", "must be an absolute path, got %q", cfg.WorkingRoot)
	case path.Clean(cfg.WorkingRoot) == "/":
		add("working_root", "must not be the filesystem root")
	case strings.ContainsAny(cfg.WorkingRoot, "$\"\\`") || strings.ContainsFunc(cfg.WorkingRoot, unicode.IsControl):
		// The root is written into Dockerfile instructions and labels.
		add("working_root", "must not contain quotes, backslashes, \"$\" or control characters, got %q", cfg.WorkingRoot)
	}

	switch {
	case cfg.Entrypoint == "":
		add("entrypoint", "must be set")
	case path.IsAbs(cfg.Entrypoint) || filepath.IsAbs(cfg.Entrypoint):
		add("entrypoint", "must be relative to the working root, got %q", cfg.Entrypoint)
	case strings.HasPrefix(path.Clean(filepath.ToSlash(cfg.Entrypoint)), "../"):
		add("entrypoint", "must stay inside the working root, got %q", cfg.Entrypoint)
	case !strings.HasSuffix(cfg.Entrypoint, ".py"):
		add("entrypoint", "must be a Python file (.py), got %q", cfg.Entrypoint)
	}

	if strings.TrimSpace(cfg.Interpreter) == "" {
		add("interpreter", "must be set")
	}

	if cfg.BaseImage == "" {
		add("base_image", "must be set")
	} else if _, err := reference.ParseNormalizedNamed(cfg.BaseImage); err != nil {
		add("base_image", "invalid image reference %q: %v", cfg.BaseImage, err)
	}

	if cfg.Tag == "" {
		add("tag", "must be set")
	} else if _, err := reference.ParseNormalizedNamed(cfg.Tag); err != nil {
		add("tag", "invalid image reference %q: %v", cfg.Tag, err)
	}

	if cfg.Pip.IndexURL != "" {
		u, err := url.Parse(cfg.Pip.IndexURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("pip.index_url", "must be an http or https URL, got %q", cfg.Pip.IndexURL)
		}
	}

	for key := range cfg.Labels {
		if strings.HasPrefix(key, model.LabelNamespace) {
			add("labels", "label %q uses the reserved %q namespace", key, model.LabelNamespace)
		}
	}

	if cfg.Context != "" {
		localRoot := filepath.Clean(cfg.LocalRootDir())
		switch {
		case localRoot == filepath.Clean(cfg.Context):
			add("local_root", "must not be the build context itself")
		case Contains(localRoot, cfg.SourceDir()):
			// Copying the tree into itself would truncate every file.
			add("local_root", "must not be or contain the source tree %s", cfg.SourceDir())
		}
	}

	return errs
}

// Contains reports whether p is dir or lies below it. Both paths are
// cleaned; neither has to exist.
func Contains(dir, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Err folds validation errors into a single error, or nil when errs is
// empty. The result wraps each ValidationError for errors.As.
func Err(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, 0, len(errs))
	for i := range errs {
		joined = append(joined, &errs[i])
	}
	return errors.Join(joined...)
}
