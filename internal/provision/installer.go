package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Installer creates dependency environments and installs manifests into
// them.
type Installer interface {
	// CreateEnv creates a fresh environment at dir using interpreter.
	CreateEnv(ctx context.Context, dir, interpreter string) error

	// Install installs every requirement listed in requirementsFile into
	// env. args are passed to the installer verbatim.
	Install(ctx context.Context, env, requirementsFile string, args []string) error

	// Python returns the interpreter inside env.
	Python(env string) string
}

// PipInstaller uses the interpreter's venv module and pip.
type PipInstaller struct {
	// Output receives installer output. Nil discards it.
	Output io.Writer
}

// CreateEnv runs `<interpreter> -m venv <dir>`.
func (p *PipInstaller) CreateEnv(ctx context.Context, dir, interpreter string) error {
	path, err := exec.LookPath(interpreter)
	if err != nil {
		return fmt.Errorf("interpreter %q not found: %w", interpreter, err)
	}
	return p.run(ctx, path, "-m", "venv", dir)
}

// Install runs `<env python> -m pip install -r <requirementsFile> <args>`.
func (p *PipInstaller) Install(ctx context.Context, env, requirementsFile string, args []string) error {
	cmdArgs := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input", "-r", requirementsFile}
	cmdArgs = append(cmdArgs, args...)
	return p.run(ctx, p.Python(env), cmdArgs...)
}

// Python returns the virtual environment interpreter.
func (p *PipInstaller) Python(env string) string {
	return VenvPython(env)
}

// run executes name with args, relaying output to p.Output. The last
// lines of stderr are folded into the returned error so a failed
// resolution is visible even when output is discarded.
func (p *PipInstaller) run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	if p.Output != nil {
		cmd.Stdout = p.Output
		cmd.Stderr = io.MultiWriter(p.Output, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	if err := cmd.Run(); err != nil {
		if tail := lastLines(stderr.String(), 5); tail != "" {
			return errors.Join(fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err), errors.New(tail))
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// lastLines returns at most n trailing non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
