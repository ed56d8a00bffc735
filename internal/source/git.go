package source

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Revision identifies the commit an application tree was built from.
type Revision struct {
	// Commit is the full SHA of HEAD.
	Commit string

	// Dirty reports uncommitted changes in the tree.
	Dirty bool
}

// String returns the commit, suffixed with "-dirty" when the tree has
// uncommitted changes. The zero Revision renders as "".
func (r Revision) String() string {
	if r.Commit == "" {
		return ""
	}
	if r.Dirty {
		return r.Commit + "-dirty"
	}
	return r.Commit
}

// GitRevision returns the revision of the checkout containing dir. A tree
// outside any repository, an unborn HEAD or a missing git binary all yield
// the zero Revision and a nil error; only a context cancellation is
// reported.
func GitRevision(ctx context.Context, dir string) (Revision, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return Revision{}, nil
	}

	head, err := runGit(ctx, dir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		if ctx.Err() != nil {
			return Revision{}, ctx.Err()
		}
		return Revision{}, nil
	}

	// Only changes under dir count; the application tree may be a
	// subdirectory of a larger repository.
	status, err := runGit(ctx, dir, "status", "--porcelain", "--", ".")
	if err != nil {
		if ctx.Err() != nil {
			return Revision{}, ctx.Err()
		}
		return Revision{}, nil
	}

	return Revision{
		Commit: strings.TrimSpace(head),
		Dirty:  strings.TrimSpace(status) != "",
	}, nil
}

// runGit executes a git command in dir and returns its stdout. The -C flag
// makes git change directory itself, leaving the process cwd untouched.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 -- args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return "", errors.Join(errors.New(message), err)
	}

	return stdout.String(), nil
}
