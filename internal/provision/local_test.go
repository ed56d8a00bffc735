package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/source"
)

var weatherApp = map[string]string{
	"requirements.txt": "pandas==2.1.4\nrequests>=2.31  # http client\n",
	"main.py":          "from src import extract\n",
	"src/__init__.py":  "",
	"src/extract.py":   "def run(): pass\n",
}

func provisionLocal(t *testing.T, req *Request, inst Installer, force bool) (*model.Result, error) {
	t.Helper()
	l := NewLocal(req.Config.LocalRootDir(), inst, Options{})
	l.ForceInstall = force
	return l.Provision(context.Background(), req)
}

// TestLocal_Provision verifies a complete run on a fresh root.
func TestLocal_Provision(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	inst := &fakeInstaller{}

	res, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)
	root := req.Config.LocalRootDir()

	// Steps ran once each, in pipeline order.
	require.Len(t, res.Steps, len(model.BuildSteps))
	for i, s := range res.Steps {
		assert.Equal(t, model.BuildSteps[i], s.Step)
		assert.Equal(t, model.StepDone, s.Status)
	}
	assert.False(t, res.DependencyCacheHit)

	// Dependencies were installed from the canonical manifest.
	require.Len(t, inst.installed, 1)
	assert.Equal(t, "pandas==2.1.4\nrequests>=2.31", inst.installed[0])

	// The tree was copied into the root.
	assert.FileExists(t, filepath.Join(root, "main.py"))
	assert.FileExists(t, filepath.Join(root, "src", "extract.py"))

	// The four directories exist and are empty.
	report := layout.Verify(root, "main.py")
	assert.True(t, report.OK())
	assert.Zero(t, report.Count(layout.LevelWarn))

	// PYTHONPATH is the root holding the copied tree.
	assert.Equal(t, root, res.WorkingRoot)
	assert.Equal(t, root, res.Environment["PYTHONPATH"])
	assert.Equal(t, "1", res.Environment["PYTHONUNBUFFERED"])

	state, err := LoadState(root)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, req.Manifest.Hash(), state.ManifestHash)
	assert.Equal(t, 2, state.Requirements)
	assert.Equal(t, "main.py", state.Entrypoint)
	assert.Equal(t, VenvPython(filepath.Join(root, VenvDir)), state.Interpreter)
	assert.Equal(t, res.Environment, state.Environment)
}

// TestLocal_ReusesDependenciesWhenManifestUnchanged verifies that a source
// change alone does not reinstall dependencies.
func TestLocal_ReusesDependenciesWhenManifestUnchanged(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	inst := &fakeInstaller{}

	_, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)

	writeFiles(t, req.Config.Context, map[string]string{"src/transform.py": "def run(): pass\n"})
	req2, err := Prepare(context.Background(), req.Config, req.Config.LocalRootDir())
	require.NoError(t, err)
	require.NotEqual(t, req.SourceHash, req2.SourceHash)

	res, err := provisionLocal(t, req2, inst, false)
	require.NoError(t, err)

	created, installed := inst.calls()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, installed)
	assert.True(t, res.DependencyCacheHit)
	assert.Equal(t, model.StepCached, res.Steps[1].Status)
	assert.FileExists(t, filepath.Join(res.WorkingRoot, "src", "transform.py"))
}

// TestLocal_ReinstallsWhenManifestChanges verifies that a manifest change
// rebuilds the environment.
func TestLocal_ReinstallsWhenManifestChanges(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	inst := &fakeInstaller{}

	_, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)

	// Comments do not change the canonical manifest.
	writeFiles(t, req.Config.Context, map[string]string{
		"requirements.txt": "# pinned\npandas==2.1.4\nrequests>=2.31\n",
	})
	req2, err := Prepare(context.Background(), req.Config, req.Config.LocalRootDir())
	require.NoError(t, err)
	res, err := provisionLocal(t, req2, inst, false)
	require.NoError(t, err)
	assert.True(t, res.DependencyCacheHit)

	writeFiles(t, req.Config.Context, map[string]string{
		"requirements.txt": "pandas==2.2.0\nrequests>=2.31\n",
	})
	req3, err := Prepare(context.Background(), req.Config, req.Config.LocalRootDir())
	require.NoError(t, err)
	res, err = provisionLocal(t, req3, inst, false)
	require.NoError(t, err)
	assert.False(t, res.DependencyCacheHit)

	created, installed := inst.calls()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, installed)
}

// TestLocal_ForceInstall verifies that --force-install bypasses the cache.
func TestLocal_ForceInstall(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	inst := &fakeInstaller{}

	_, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)
	res, err := provisionLocal(t, req, inst, true)
	require.NoError(t, err)

	assert.False(t, res.DependencyCacheHit)
	_, installed := inst.calls()
	assert.Equal(t, 2, installed)
}

// TestLocal_UnresolvablePackage verifies that a failed install aborts the
// run, reports exit code 4 and leaves no state stamp, even over a root
// that was provisioned before.
func TestLocal_UnresolvablePackage(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	root := req.Config.LocalRootDir()

	_, err := provisionLocal(t, req, &fakeInstaller{}, false)
	require.NoError(t, err)
	require.FileExists(t, StatePath(root))

	writeFiles(t, req.Config.Context, map[string]string{
		"requirements.txt": "pandas==2.1.4\nnonexistent-pkg-xyz==9.9\n",
	})
	req2, err := Prepare(context.Background(), req.Config, root)
	require.NoError(t, err)

	failing := &fakeInstaller{installErr: errors.New("No matching distribution found for nonexistent-pkg-xyz==9.9")}
	res, err := provisionLocal(t, req2, failing, false)

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepInstallDependencies, stepErr.Step)
	assert.Equal(t, model.ExitDependencyInstallFailed, stepErr.ExitCode())
	assert.Contains(t, err.Error(), "nonexistent-pkg-xyz")

	assert.NoFileExists(t, StatePath(root))
	require.Len(t, res.Steps, 2)
	assert.Equal(t, model.StepFailed, res.Steps[1].Status)
}

// TestLocal_EmptyManifest verifies that an empty manifest installs
// nothing and still provisions the layout.
func TestLocal_EmptyManifest(t *testing.T) {
	req := newTestRequest(t, map[string]string{
		"requirements.txt": "# nothing yet\n",
		"main.py":          "print('hello')\n",
	})
	inst := &fakeInstaller{}

	res, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)

	created, installed := inst.calls()
	assert.Equal(t, 1, created)
	assert.Zero(t, installed)
	assert.Equal(t, "0 requirements", res.Steps[1].Detail)

	for _, dir := range layout.Directories {
		assert.DirExists(t, filepath.Join(res.WorkingRoot, filepath.FromSlash(dir)))
	}
}

// TestLocal_DirectoryCollision verifies that a file shipped at a data
// directory path aborts with exit code 6.
func TestLocal_DirectoryCollision(t *testing.T) {
	files := map[string]string{"logs": "not a directory\n"}
	for k, v := range weatherApp {
		files[k] = v
	}
	req := newTestRequest(t, files)

	_, err := provisionLocal(t, req, &fakeInstaller{}, false)

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepProvisionDirectories, stepErr.Step)
	assert.Equal(t, model.ExitDirectoryProvisionFailed, stepErr.ExitCode())
	assert.ErrorIs(t, err, layout.ErrPathCollision)
	assert.NoFileExists(t, StatePath(req.Config.LocalRootDir()))
}

// TestLocal_RootIsAFile verifies that an unusable working root fails the
// first step.
func TestLocal_RootIsAFile(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.WriteFile(root, nil, 0o644))

	_, err := NewLocal(root, &fakeInstaller{}, Options{}).Provision(context.Background(), req)

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepMaterializeRoot, stepErr.Step)
	assert.Equal(t, model.ExitRootFailed, stepErr.ExitCode())
}

// TestLocal_PipArgs verifies that configured installer arguments reach
// the installer.
func TestLocal_PipArgs(t *testing.T) {
	req := newTestRequest(t, weatherApp)
	req.Config.Pip.IndexURL = "https://pypi.internal/simple"
	req.Config.Pip.ExtraArgs = []string{"--prefer-binary"}
	inst := &fakeInstaller{}

	_, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)
	require.Len(t, inst.installed, 1)
	assert.Contains(t, inst.installed[0], "--index-url https://pypi.internal/simple --prefer-binary")
}

// TestLocal_RemovesFilesDroppedFromSource verifies that a file deleted from
// the tree disappears from the root on the next run, while files the tree
// never shipped stay.
func TestLocal_RemovesFilesDroppedFromSource(t *testing.T) {
	files := map[string]string{"src/legacy/old.py": "x = 1\n"}
	for k, v := range weatherApp {
		files[k] = v
	}
	req := newTestRequest(t, files)
	inst := &fakeInstaller{}

	_, err := provisionLocal(t, req, inst, false)
	require.NoError(t, err)
	root := req.Config.LocalRootDir()
	require.FileExists(t, filepath.Join(root, "src", "legacy", "old.py"))
	writeFiles(t, root, map[string]string{"data/output/report.csv": "a,b\n"})

	require.NoError(t, os.RemoveAll(filepath.Join(req.Config.Context, "src", "legacy")))
	req2, err := Prepare(context.Background(), req.Config, root)
	require.NoError(t, err)

	res, err := provisionLocal(t, req2, inst, false)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(root, "src", "legacy", "old.py"))
	assert.NoDirExists(t, filepath.Join(root, "src", "legacy"))
	assert.FileExists(t, filepath.Join(root, "src", "extract.py"))
	assert.FileExists(t, filepath.Join(root, "data", "output", "report.csv"))
	assert.Equal(t, "4 files, 1 removed", res.Steps[2].Detail)
	assert.FileExists(t, VenvPython(filepath.Join(root, VenvDir)))
}

// TestLocal_SourceIsWorkingRoot verifies that a working root pointing at
// the source tree fails without touching the source.
func TestLocal_SourceIsWorkingRoot(t *testing.T) {
	cfg := newTestConfig(t, map[string]string{
		"requirements.txt": "requests\n",
		"app/main.py":      "print('hello')\n",
	})
	cfg.Source = "app"
	cfg.LocalRoot = "app"

	req, err := Prepare(context.Background(), cfg, cfg.LocalRootDir())
	require.NoError(t, err)

	_, err = provisionLocal(t, req, &fakeInstaller{}, false)

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepMaterializeSource, stepErr.Step)
	assert.ErrorIs(t, err, source.ErrCopyIntoTree)

	data, err := os.ReadFile(filepath.Join(cfg.Context, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(data))
	assert.NoFileExists(t, filepath.Join(cfg.Context, "app", StateDir, SourceListFile))
}
