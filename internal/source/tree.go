package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExcludes are never copied into the working root. They are caches,
// VCS metadata and provisioner's own state, none of which the entrypoint
// reads.
var DefaultExcludes = []string{
	".git",
	".venv",
	"__pycache__",
	"*.pyc",
	".provision",
	".DS_Store",
}

// ErrEntrypointMissing is returned by CheckEntrypoint when the entrypoint
// is absent from the tree.
var ErrEntrypointMissing = errors.New("entrypoint not found in source tree")

// ErrCopyIntoTree is returned by Copy when the destination would overwrite
// the tree itself.
var ErrCopyIntoTree = errors.New("destination contains the source tree")

// Entry is one file or directory of the tree.
type Entry struct {
	// Path is the slash-separated path relative to the tree root.
	Path string

	// Mode holds the permission bits and type of the entry.
	Mode fs.FileMode

	// Size is the file size in bytes. Zero for directories.
	Size int64
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Mode.IsDir()
}

// Tree is an application source tree rooted at Root.
type Tree struct {
	// Root is the absolute tree root.
	Root string

	// Excludes holds name patterns (filepath.Match syntax). A pattern
	// without "/" matches the base name at any depth; a pattern with "/"
	// matches the path relative to Root.
	Excludes []string

	// skip holds absolute directories that are never descended into.
	skip []string
}

// New returns a Tree over root with DefaultExcludes plus extra patterns.
// Directories listed in skip are ignored when they lie inside root.
func New(root string, extra []string, skip ...string) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source tree %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source tree %s is not accessible: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source tree %s is not a directory", abs)
	}

	t := &Tree{
		Root:     abs,
		Excludes: append(slices.Clone(DefaultExcludes), extra...),
	}
	for _, s := range skip {
		if s == "" {
			continue
		}
		if sAbs, err := filepath.Abs(s); err == nil {
			t.skip = append(t.skip, filepath.Clean(sAbs))
		}
	}

	return t, nil
}

// Excluded reports whether the slash-separated relative path rel matches
// an exclude pattern.
func (t *Tree) Excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range t.Excludes {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if strings.Contains(pattern, "/") {
			if ok, _ := path.Match(strings.TrimPrefix(pattern, "/"), rel); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Walk calls fn for every included entry in lexical path order. The root
// itself is not reported. Excluded directories are not descended into.
func (t *Tree) Walk(fn func(e Entry, abs string) error) error {
	return filepath.WalkDir(t.Root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("error walking source tree at %s: %w", p, walkErr)
		}
		if p == t.Root {
			return nil
		}

		// Symbolic links are skipped so the copy cannot escape the tree.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() && slices.Contains(t.skip, filepath.Clean(p)) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(t.Root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		if t.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Sockets, devices and pipes have no place in an application tree.
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}

		entry := Entry{Path: rel, Mode: info.Mode()}
		if !d.IsDir() {
			entry.Size = info.Size()
		}
		return fn(entry, p)
	})
}

// Entries returns every included entry in lexical path order.
func (t *Tree) Entries() ([]Entry, error) {
	var entries []Entry
	err := t.Walk(func(e Entry, _ string) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// CheckEntrypoint verifies that entrypoint (relative to the root) is a
// regular, included file of the tree.
func (t *Tree) CheckEntrypoint(entrypoint string) error {
	rel := path.Clean(filepath.ToSlash(entrypoint))

	// Walk skips whole excluded directories, so every ancestor counts.
	for p := rel; p != "." && p != "/"; p = path.Dir(p) {
		if t.Excluded(p) {
			return fmt.Errorf("%w: %s is excluded", ErrEntrypointMissing, rel)
		}
	}

	info, err := os.Stat(filepath.Join(t.Root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEntrypointMissing, rel)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrEntrypointMissing, rel)
	}
	return nil
}

// Copy reproduces the tree under dst, preserving permission bits. Files
// that already exist in dst are overwritten; files in dst that are not in
// the tree are left alone. It returns the number of files copied.
//
// dst must not be the tree root or one of its ancestors, since every file
// would be opened as its own destination. A dst inside the tree is left out
// of the walk.
func (t *Tree) Copy(dst string) (int, error) {
	dstAbs, err := t.destination(dst)
	if err != nil {
		return 0, err
	}

	walker := t
	if within(t.Root, dstAbs) && !slices.Contains(t.skip, dstAbs) {
		c := *t
		c.skip = append(slices.Clone(t.skip), dstAbs)
		walker = &c
	}

	if err := os.MkdirAll(dstAbs, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dstAbs, err)
	}

	copied := 0
	err = walker.Walk(func(e Entry, abs string) error {
		target := filepath.Join(dstAbs, filepath.FromSlash(e.Path))

		if e.IsDir() {
			if err := os.MkdirAll(target, e.Mode.Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}

		if err := copyFile(abs, target, e.Mode.Perm()); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}

// CheckDestination reports whether Copy may write to dst. It returns an
// error wrapping ErrCopyIntoTree when dst is the tree root or one of its
// ancestors.
func (t *Tree) CheckDestination(dst string) error {
	_, err := t.destination(dst)
	return err
}

// destination returns dst as a clean absolute path after checking it.
func (t *Tree) destination(dst string) (string, error) {
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", fmt.Errorf("failed to resolve destination %s: %w", dst, err)
	}
	abs = filepath.Clean(abs)
	if within(resolve(abs), resolve(t.Root)) {
		return "", fmt.Errorf("%w: %s holds source tree %s", ErrCopyIntoTree, abs, t.Root)
	}
	return abs, nil
}

// Files returns the slash-separated paths of the regular files of the
// tree in walk order.
func (t *Tree) Files() ([]string, error) {
	var files []string
	err := t.Walk(func(e Entry, _ string) error {
		if !e.IsDir() {
			files = append(files, e.Path)
		}
		return nil
	})
	return files, err
}

// within reports whether p is dir or lies below it.
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve follows symbolic links in p when p exists.
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

// Hash fingerprints the tree: every included path, its permission bits and
// its file content, in walk order.
func (t *Tree) Hash() (string, error) {
	h := sha256.New()
	err := t.Walk(func(e Entry, abs string) error {
		fmt.Fprintf(h, "%s\x00%o\x00", e.Path, e.Mode.Perm())
		if e.IsDir() {
			return nil
		}

		f, err := os.Open(abs)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", abs, err)
		}
		defer func() { _ = f.Close() }()

		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("failed to read %s: %w", abs, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies src to dst and applies mode, replacing any existing file.
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	// OpenFile applies mode only on creation.
	if err := os.Chmod(dst, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}
	return nil
}
