package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/logging"
)

// signalExitBase is added to a signal number to form the exit status of a
// process killed by that signal, as shells report it.
const signalExitBase = 128

// killDelay is how long a cancelled entrypoint may take to exit.
const killDelay = 10 * time.Second

// Local describes an entrypoint in a local working root.
type Local struct {
	// Root is the working root. The entrypoint runs with Root as its
	// working directory and PYTHONPATH.
	Root string

	// Interpreter runs the entrypoint.
	Interpreter string

	// Entrypoint is the program, relative to Root.
	Entrypoint string

	// Env is the base environment. Nil means os.Environ().
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *log.Logger
}

// Command returns the process Run would start.
func (l *Local) Command(ctx context.Context) *exec.Cmd {
	base := l.Env
	if base == nil {
		base = os.Environ()
	}

	cmd := exec.CommandContext(ctx, l.Interpreter, filepath.FromSlash(l.Entrypoint))
	cmd.Dir = l.Root
	cmd.Env = layout.Environment(base, l.Root)
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	// Cancellation interrupts the entrypoint; it is killed only if it is
	// still running after killDelay.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = killDelay
	return cmd
}

// Run starts the entrypoint and returns its exit status. Cancelling ctx
// interrupts the entrypoint and Run still waits for its status. A process
// killed by a signal reports 128 plus the signal number. An error is
// returned only when the process could not be started.
func (l *Local) Run(ctx context.Context) (int, error) {
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	cmd := l.Command(ctx)
	logger.Debug("launching entrypoint", "interpreter", l.Interpreter, "entrypoint", l.Entrypoint, "root", l.Root)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", l.Entrypoint, err)
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		logger.Debug("entrypoint interrupted", "cause", context.Cause(ctx))
		// Wait reports the context error when the interrupted process
		// still exits cleanly.
		if errors.Is(err, ctx.Err()) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
			err = nil
		}
	}
	return exitStatus(err)
}

// exitStatus converts the result of cmd.Wait into an exit status.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return signalExitBase + int(ws.Signal()), nil
	}
	return 1, nil
}
