// Package manifest parses and normalizes the dependency manifest consumed by
// the install-dependencies step.
//
// Two formats are accepted:
//
//   - requirements.txt: one requirement specifier per line, with comments,
//     line continuations, global pip options and nested -r includes
//   - pyproject.toml: the [project].dependencies array, decoded with
//     github.com/pelletier/go-toml/v2
//
// Every backend installs from the canonical rendering of a Manifest (see
// Render), and the SHA-256 of that rendering is the dependency cache key.
// Two manifests that differ only in comments, blank lines or include
// structure therefore share installed dependencies.
package manifest
