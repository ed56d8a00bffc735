package source

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree creates files (relative path -> content) under a fresh temp dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func entryPaths(t *testing.T, tree *Tree) []string {
	t.Helper()
	entries, err := tree.Entries()
	require.NoError(t, err)
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}

// TestNew_Errors verifies that a missing or non-directory tree is rejected.
func TestNew_Errors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	root := writeTree(t, map[string]string{"main.py": ""})
	_, err = New(filepath.Join(root, "main.py"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

// TestWalk_ExcludesAndOrder verifies lexical order and default excludes.
func TestWalk_ExcludesAndOrder(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":                             "print('hi')\n",
		"src/extract.py":                      "",
		"src/__pycache__/extract.cpython.pyc": "",
		"src/utils.pyc":                       "",
		".git/HEAD":                           "ref: refs/heads/main\n",
		".venv/bin/python":                    "",
		".provision/state.yaml":               "",
		"config/config.yaml":                  "",
		"data/sample.csv":                     "a,b\n",
	})

	tree, err := New(root, []string{"*.csv"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"config",
		"config/config.yaml",
		"data",
		"main.py",
		"src",
		"src/extract.py",
	}, entryPaths(t, tree))
}

// TestExcluded covers base-name and path patterns.
func TestExcluded(t *testing.T) {
	tree := &Tree{Excludes: []string{"*.pyc", "tests/fixtures", "/airflow/", "notes.md"}}

	tests := []struct {
		rel  string
		want bool
	}{
		{"pkg/mod.pyc", true},
		{"notes.md", true},
		{"docs/notes.md", true},
		{"tests/fixtures", true},
		{"src/tests/fixtures", false},
		{"airflow", true},
		{"src/airflow", false},
		{"main.py", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, tree.Excluded(tt.rel))
		})
	}
}

// TestWalk_SkipsWorkingRootInsideTree verifies that a working root placed
// inside the source tree is never copied into itself.
func TestWalk_SkipsWorkingRootInsideTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":          "",
		"build/root/x.txt": "",
	})

	tree, err := New(root, nil, filepath.Join(root, "build", "root"))
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "main.py"}, entryPaths(t, tree))
}

// TestWalk_SkipsSymlinks verifies that symbolic links are not followed.
func TestWalk_SkipsSymlinks(t *testing.T) {
	root := writeTree(t, map[string]string{"main.py": ""})
	outside := writeTree(t, map[string]string{"secret.txt": "x"})
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked")))

	tree, err := New(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, entryPaths(t, tree))
}

// TestCopy verifies content and mode preservation, and overwrite semantics.
func TestCopy(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":         "import src\n",
		"src/__init__.py": "",
		"run.sh":          "#!/bin/sh\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "run.sh"), 0o755))

	dst := t.TempDir()
	// A same-named file from an earlier step is overwritten, an unrelated
	// one is left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dst, "main.py"), []byte("stale"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "requirements.txt"), []byte("requests\n"), 0o644))

	tree, err := New(root, nil)
	require.NoError(t, err)

	n, err := tree.Copy(dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(dst, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "import src\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	assert.FileExists(t, filepath.Join(dst, "src", "__init__.py"))
	assert.FileExists(t, filepath.Join(dst, "requirements.txt"))
}

// TestCopy_RefusesTreeOrAncestor verifies that copying a tree onto itself
// or one of its ancestors fails without touching any file.
func TestCopy_RefusesTreeOrAncestor(t *testing.T) {
	root := writeTree(t, map[string]string{"app/main.py": "print(1)\n"})
	app := filepath.Join(root, "app")

	tree, err := New(app, nil)
	require.NoError(t, err)

	for _, dst := range []string{app, root, filepath.Join(app, "..")} {
		t.Run(dst, func(t *testing.T) {
			_, err := tree.Copy(dst)
			require.ErrorIs(t, err, ErrCopyIntoTree)

			data, err := os.ReadFile(filepath.Join(app, "main.py"))
			require.NoError(t, err)
			assert.Equal(t, "print(1)\n", string(data))
		})
	}
}

// TestCopy_IntoSubdirectory verifies that a destination inside the tree is
// not copied into itself.
func TestCopy_IntoSubdirectory(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":  "",
		"src/a.py": "",
	})

	tree, err := New(root, nil)
	require.NoError(t, err)

	dst := filepath.Join(root, "build", "root")
	n, err := tree.Copy(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dst, "src", "a.py"))
	assert.NoDirExists(t, filepath.Join(dst, "build", "root"))
}

// TestFiles verifies that only regular files are listed.
func TestFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":               "",
		"src/a.py":              "",
		"src/__pycache__/a.pyc": "",
	})

	tree, err := New(root, nil)
	require.NoError(t, err)

	files, err := tree.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py", "src/a.py"}, files)
}

// TestHash verifies that the fingerprint tracks content, paths and modes,
// and ignores excluded files.
func TestHash(t *testing.T) {
	files := map[string]string{"main.py": "print(1)\n", "src/a.py": "x = 1\n"}

	hashOf := func(t *testing.T, root string) string {
		t.Helper()
		tree, err := New(root, nil)
		require.NoError(t, err)
		h, err := tree.Hash()
		require.NoError(t, err)
		return h
	}

	a := writeTree(t, files)
	b := writeTree(t, files)
	assert.Equal(t, hashOf(t, a), hashOf(t, b))

	require.NoError(t, os.WriteFile(filepath.Join(b, "src", "__pycache__.pyc"), []byte("junk"), 0o644))
	assert.Equal(t, hashOf(t, a), hashOf(t, b), "excluded files do not affect the hash")

	require.NoError(t, os.WriteFile(filepath.Join(b, "src", "a.py"), []byte("x = 2\n"), 0o644))
	assert.NotEqual(t, hashOf(t, a), hashOf(t, b))

	c := writeTree(t, files)
	require.NoError(t, os.Chmod(filepath.Join(c, "main.py"), 0o755))
	assert.NotEqual(t, hashOf(t, a), hashOf(t, c))
}

// TestCheckEntrypoint verifies entrypoint detection.
func TestCheckEntrypoint(t *testing.T) {
	root := writeTree(t, map[string]string{"main.py": "", "pkg/run.py": ""})
	tree, err := New(root, []string{"pkg"})
	require.NoError(t, err)

	assert.NoError(t, tree.CheckEntrypoint("main.py"))
	assert.ErrorIs(t, tree.CheckEntrypoint("app.py"), ErrEntrypointMissing)
	assert.ErrorIs(t, tree.CheckEntrypoint("pkg/run.py"), ErrEntrypointMissing)
}

// TestGitRevision verifies revision detection for a checkout and for a
// plain directory.
func TestGitRevision(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()

	t.Run("not a repository", func(t *testing.T) {
		rev, err := GitRevision(ctx, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, Revision{}, rev)
		assert.Empty(t, rev.String())
	})

	t.Run("clean and dirty checkout", func(t *testing.T) {
		dir := writeTree(t, map[string]string{"main.py": "print(1)\n"})
		runTestGit(t, dir, "init")
		runTestGit(t, dir, "config", "user.email", "test@example.com")
		runTestGit(t, dir, "config", "user.name", "Test User")
		runTestGit(t, dir, "add", ".")
		runTestGit(t, dir, "commit", "-m", "initial commit")

		rev, err := GitRevision(ctx, dir)
		require.NoError(t, err)
		assert.Len(t, rev.Commit, 40)
		assert.False(t, rev.Dirty)
		assert.Equal(t, rev.Commit, rev.String())

		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(2)\n"), 0o644))
		rev, err = GitRevision(ctx, dir)
		require.NoError(t, err)
		assert.True(t, rev.Dirty)
		assert.Equal(t, rev.Commit+"-dirty", rev.String())
	})
}

// runTestGit runs a git command in dir and fails the test on error.
func runTestGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
}
