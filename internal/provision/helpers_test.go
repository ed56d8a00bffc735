package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/app-provisioner/internal/config"
)

// writeFiles creates files (relative path -> content) under dir.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// newTestConfig returns a default configuration over a fresh build context
// holding files.
func newTestConfig(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, files)

	cfg := config.DefaultConfig()
	cfg.Context = dir
	return &cfg
}

// newTestRequest prepares a request over a build context holding files.
func newTestRequest(t *testing.T, files map[string]string) *Request {
	t.Helper()
	cfg := newTestConfig(t, files)
	req, err := Prepare(context.Background(), cfg, cfg.LocalRootDir())
	require.NoError(t, err)
	return req
}

// fakeInstaller records calls and creates a minimal environment layout.
type fakeInstaller struct {
	mu         sync.Mutex
	created    []string
	installed  []string // requirements file contents
	installErr error
}

func (f *fakeInstaller) CreateEnv(_ context.Context, dir, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, dir)

	python := f.Python(dir)
	if err := os.MkdirAll(filepath.Dir(python), 0o755); err != nil {
		return err
	}
	return os.WriteFile(python, nil, 0o755)
}

func (f *fakeInstaller) Install(_ context.Context, _ string, requirementsFile string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(requirementsFile)
	if err != nil {
		return err
	}
	f.installed = append(f.installed, strings.TrimSpace(string(data)+" "+strings.Join(args, " ")))
	return f.installErr
}

func (f *fakeInstaller) Python(env string) string {
	return VenvPython(env)
}

func (f *fakeInstaller) calls() (created, installed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.installed)
}
