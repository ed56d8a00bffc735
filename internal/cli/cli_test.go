// cli_test.go covers error mapping, output rendering and the
// commands that need neither a Docker daemon nor a Python interpreter.
package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/app-provisioner/internal/config"
	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// TestExitCode verifies how command errors map to exit codes.
func TestExitCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   model.ExitCode
		wantSilent bool
	}{
		{
			name:     "plain error",
			err:      errors.New("boom"),
			wantCode: model.ExitGeneralError,
		},
		{
			name:     "cli error",
			err:      model.NewCLIError(model.ExitImageNotFound, "image \"x\" not found"),
			wantCode: model.ExitImageNotFound,
		},
		{
			name:     "step error",
			err:      &model.StepError{Step: model.StepProvisionDirectories, Err: errors.New("collision")},
			wantCode: model.ExitDirectoryProvisionFailed,
		},
		{
			name:     "base image step error",
			err:      &model.StepError{Step: model.StepMaterializeRoot, Err: errors.New("pull access denied")},
			wantCode: model.ExitRootFailed,
		},
		{
			name: "step error wrapping a cli error",
			err: &model.StepError{
				Step: model.StepInstallDependencies,
				Err:  model.WrapCLIError(model.ExitDockerNotRunning, "daemon gone", errors.New("EOF")),
			},
			wantCode: model.ExitDockerNotRunning,
		},
		{
			name:     "validation error",
			err:      config.Err([]config.ValidationError{{Field: "tag", Message: "must be set"}}),
			wantCode: model.ExitInvalidInput,
		},
		{
			name:       "entrypoint status",
			err:        fmt.Errorf("launch: %w", &model.EntrypointExit{Code: 42}),
			wantCode:   42,
			wantSilent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, silent := exitCode(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantSilent, silent)
		})
	}
}

// TestPrintError_JSON verifies the JSON error envelope.
func TestPrintError_JSON(t *testing.T) {
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })

	err := &model.StepError{
		Step: model.StepInstallDependencies,
		Err:  model.WrapCLIError(model.ExitDependencyInstallFailed, "pip install failed", errors.New("No matching distribution found for nonexistent-pkg")),
	}

	var buf bytes.Buffer
	printError(&buf, err)

	var got errorJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 4, got.Error.Code)
	assert.Equal(t, "install-dependencies", got.Error.Step)
	assert.Equal(t, "step install-dependencies failed: pip install failed", got.Error.Message)
	assert.Equal(t, "No matching distribution found for nonexistent-pkg", got.Error.Detail)
}

// TestPrintError_Text verifies the text error line.
func TestPrintError_Text(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, model.WrapCLIError(model.ExitInvalidInput, "invalid configuration", errors.New("tag: must be set")))

	assert.Contains(t, buf.String(), "invalid configuration: tag: must be set")
}

// TestEntrypointResult verifies that only a non-zero status is an error.
func TestEntrypointResult(t *testing.T) {
	assert.NoError(t, entrypointResult(0))

	var exit *model.EntrypointExit
	require.ErrorAs(t, entrypointResult(3), &exit)
	assert.Equal(t, 3, exit.Code)
}

// TestFormatSize verifies byte counts in `docker images` units.
func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{999, "999B"},
		{1000, "1.0kB"},
		{182_400_000, "182.4MB"},
		{1_250_000_000, "1.2GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.in))
		})
	}
}

// TestFormatDuration verifies duration rounding.
func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1ms", formatDuration(200*time.Microsecond))
	assert.Equal(t, "12ms", formatDuration(12_300*time.Microsecond))
	assert.Equal(t, "1m23.5s", formatDuration(83_456*time.Millisecond))
}

// TestRenderResult verifies that every step and the environment appear.
func TestRenderResult(t *testing.T) {
	res := &model.Result{
		Backend:      model.BackendLocal,
		WorkingRoot:  "/srv/weather-etl",
		ManifestHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Entrypoint:   "main.py",
		Environment:  layout.Variables("/srv/weather-etl"),
		Steps: []model.StepReport{
			{Step: model.StepMaterializeRoot, Status: model.StepDone, Duration: time.Millisecond},
			{Step: model.StepInstallDependencies, Status: model.StepCached, Detail: "12 requirements"},
			{Step: model.StepMaterializeSource, Status: model.StepDone, Duration: 40 * time.Millisecond},
			{Step: model.StepProvisionDirectories, Status: model.StepDone},
			{Step: model.StepConfigureEnvironment, Status: model.StepDone},
		},
	}

	out := renderResult(res)

	for _, step := range model.BuildSteps {
		assert.Contains(t, out, step.String())
	}
	assert.Contains(t, out, "cached")
	assert.Contains(t, out, "12 requirements")
	assert.Contains(t, out, "/srv/weather-etl")
	assert.Contains(t, out, "9f86d081884c")
	assert.Contains(t, out, "PYTHONPATH=/srv/weather-etl")
	assert.Contains(t, out, "PYTHONUNBUFFERED=1")
	assert.NotContains(t, out, "Image")
}

// TestRenderImages verifies the image table.
func TestRenderImages(t *testing.T) {
	assert.Equal(t, "No managed images found.\n", renderImages(nil))

	out := renderImages([]model.ImageInfo{
		{
			ID:           "sha256:4f2a9c1b7d3e5a6b7c8d9e0f",
			Tags:         []string{"weather-etl:1.4.0", "weather-etl:latest"},
			Size:         182_400_000,
			Requirements: 12,
			CreatedAt:    time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC),
		},
	})
	assert.Contains(t, out, "weather-etl:1.4.0")
	assert.Contains(t, out, "weather-etl:latest")
	assert.Contains(t, out, "4f2a9c1b7d3e")
	assert.Contains(t, out, "182.4MB")
}

// provisionedRoot lays out a working root as the local backend leaves it,
// with sh standing in for the virtual environment's interpreter.
func provisionedRoot(t *testing.T, script string) (ctxDir, root string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not installed")
	}

	ctxDir = t.TempDir()
	root = filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte(script), 0o644))
	_, err = layout.Provision(root)
	require.NoError(t, err)

	state := &provision.State{
		Backend:       model.BackendLocal,
		Entrypoint:    "main.py",
		Interpreter:   sh,
		Environment:   layout.Variables(root),
		ProvisionedAt: time.Now().UTC(),
	}
	require.NoError(t, state.Save(root))
	return ctxDir, root
}

// execute runs the root command with args.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.Execute()
}

// TestVerifyRoot verifies the stamp finding next to the layout checks.
func TestVerifyRoot(t *testing.T) {
	_, root := provisionedRoot(t, "")

	report := verifyRoot(root, "main.py")
	assert.True(t, report.OK())
	assert.Equal(t, "state", report.Findings[len(report.Findings)-1].Check)

	require.NoError(t, os.Remove(provision.StatePath(root)))
	report = verifyRoot(root, "main.py")
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Count(layout.LevelError))
}

// TestVerifyCommand verifies the exit code of the verify command.
func TestVerifyCommand(t *testing.T) {
	ctxDir, root := provisionedRoot(t, "")

	require.NoError(t, execute(t, "verify", "-C", ctxDir, "--root", root))

	require.NoError(t, os.Remove(filepath.Join(root, "logs")))
	err := execute(t, "verify", "-C", ctxDir, "--root", root)
	require.Error(t, err)
	code, _ := exitCode(err)
	assert.Equal(t, model.ExitGeneralError, code)
}

// TestRunCommand_Local verifies that the entrypoint's status becomes the
// command's exit code.
func TestRunCommand_Local(t *testing.T) {
	ctxDir, root := provisionedRoot(t, "test \"$#\" -eq 0 || exit 99\nexit 5\n")

	err := execute(t, "run", "-C", ctxDir, "--root", root)

	var exit *model.EntrypointExit
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 5, exit.Code)
}

// TestRunCommand_Errors covers invalid run invocations.
func TestRunCommand_Errors(t *testing.T) {
	t.Run("not provisioned", func(t *testing.T) {
		err := execute(t, "run", "-C", t.TempDir(), "--root", t.TempDir())
		require.Error(t, err)
		code, _ := exitCode(err)
		assert.Equal(t, model.ExitInvalidInput, code)
		assert.Contains(t, err.Error(), "not provisioned")
	})

	t.Run("container flags without image", func(t *testing.T) {
		err := execute(t, "run", "-C", t.TempDir(), "--keep")
		require.Error(t, err)
		code, _ := exitCode(err)
		assert.Equal(t, model.ExitInvalidInput, code)
	})

	t.Run("root and image together", func(t *testing.T) {
		err := execute(t, "run", "--root", t.TempDir(), "--image", "weather-etl:latest")
		require.Error(t, err)
	})
}

// TestLoadConfig_Invalid verifies that validation failures are input errors.
func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "provision.yaml"), []byte("working_root: app\n"), 0o644))

	err := execute(t, "config", "-C", dir)
	require.Error(t, err)
	code, _ := exitCode(err)
	assert.Equal(t, model.ExitInvalidInput, code)
	assert.Contains(t, err.Error(), "working_root")
}

// TestInvalidLogLevel verifies the --log-level check.
func TestInvalidLogLevel(t *testing.T) {
	err := execute(t, "config", "-C", t.TempDir(), "--log-level", "chatty")
	require.Error(t, err)
	code, _ := exitCode(err)
	assert.Equal(t, model.ExitInvalidInput, code)
}
