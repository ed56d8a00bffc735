package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// Local materializes the working root on the host filesystem. The
// dependency zone is a virtual environment at <root>/.venv.
type Local struct {
	// Root is the absolute working root.
	Root string

	// Installer creates the environment and installs the manifest.
	Installer Installer

	// ForceInstall reinstalls dependencies even when the manifest is
	// unchanged.
	ForceInstall bool

	Options Options
}

// NewLocal returns a local backend rooted at root.
func NewLocal(root string, installer Installer, opts Options) *Local {
	return &Local{Root: root, Installer: installer, Options: opts}
}

// Provision runs the pipeline against l.Root. The state stamp is removed
// before dependencies change and written again only after the last step,
// so an interrupted or failed run leaves a root that is not provisioned.
func (l *Local) Provision(ctx context.Context, req *Request) (*model.Result, error) {
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "invalid working root", err)
	}

	var (
		prev *State
		env  = filepath.Join(root, VenvDir)
		hash = req.Manifest.Hash()
		res  = req.newResult(model.BackendLocal, root, l.Options.now())
	)

	pipeline := &Pipeline{Backend: model.BackendLocal, Options: l.Options}
	reports, err := pipeline.Run(ctx, []Step{
		{Name: model.StepMaterializeRoot, Run: func(context.Context) (Outcome, error) {
			if err := ensureDir(root); err != nil {
				return Outcome{}, err
			}
			// A corrupt stamp only costs a reinstall.
			prev, _ = LoadState(root)
			return Outcome{Detail: root}, clearState(root)
		}},

		{Name: model.StepInstallDependencies, Run: func(ctx context.Context) (Outcome, error) {
			if !l.ForceInstall && prev != nil && prev.ManifestHash == hash && fileExists(l.Installer.Python(env)) {
				return Outcome{Cached: true, Detail: req.requirementsDetail()}, nil
			}
			return Outcome{Detail: req.requirementsDetail()}, l.install(ctx, req, root, env)
		}},

		{Name: model.StepMaterializeSource, Run: func(context.Context) (Outcome, error) {
			return l.materializeSource(req, root)
		}},

		{Name: model.StepProvisionDirectories, Run: func(context.Context) (Outcome, error) {
			created, err := layout.Provision(root)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Detail: fmt.Sprintf("%d created", len(created))}, nil
		}},

		{Name: model.StepConfigureEnvironment, Run: func(context.Context) (Outcome, error) {
			state := &State{
				Backend:        model.BackendLocal,
				ManifestHash:   hash,
				Requirements:   res.Requirements,
				SourceHash:     res.SourceHash,
				SourceRevision: res.SourceRevision,
				Entrypoint:     res.Entrypoint,
				Interpreter:    l.Installer.Python(env),
				Environment:    res.Environment,
				ProvisionedAt:  res.CreatedAt,
			}
			return Outcome{Detail: StatePath(root)}, state.Save(root)
		}},
	})
	res.Steps = reports
	if err != nil {
		return res, err
	}

	res.DependencyCacheHit = cacheHit(reports)
	return res, nil
}

// materializeSource copies the tree into root after removing the files an
// earlier run copied that are no longer part of the tree, so the root holds
// the current tree and nothing else from the source.
func (l *Local) materializeSource(req *Request, root string) (Outcome, error) {
	// Nothing is pruned or recorded in a root the tree may not be copied to.
	if err := req.Tree.CheckDestination(root); err != nil {
		return Outcome{}, err
	}

	files, err := req.Tree.Files()
	if err != nil {
		return Outcome{}, err
	}

	// An unreadable list only means nothing is pruned.
	prev, err := loadSourceList(root)
	if err != nil {
		l.Options.logger().Warn("previous source list ignored", "err", err)
	}
	removed, err := pruneSource(root, prev, files)
	if err != nil {
		return Outcome{}, err
	}

	// Until the copy completes, either list may describe the root.
	if err := saveSourceList(root, union(prev, files)); err != nil {
		return Outcome{}, err
	}
	n, err := req.Tree.Copy(root)
	if err != nil {
		return Outcome{}, err
	}
	if err := saveSourceList(root, files); err != nil {
		return Outcome{}, err
	}

	detail := fmt.Sprintf("%d files", n)
	if removed > 0 {
		detail += fmt.Sprintf(", %d removed", removed)
	}
	return Outcome{Detail: detail}, nil
}

// install recreates the environment and installs the manifest into it.
// The environment is rebuilt from scratch so packages dropped from the
// manifest do not linger.
func (l *Local) install(ctx context.Context, req *Request, root, env string) error {
	if err := os.RemoveAll(env); err != nil {
		return fmt.Errorf("failed to remove stale environment %s: %w", env, err)
	}
	if err := l.Installer.CreateEnv(ctx, env, req.Config.Interpreter); err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	if req.Manifest.IsEmpty() {
		return nil
	}

	reqFile := filepath.Join(root, StateDir, "requirements.txt")
	if err := os.MkdirAll(filepath.Dir(reqFile), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(reqFile), err)
	}
	if err := os.WriteFile(reqFile, req.Manifest.Render(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", reqFile, err)
	}
	return l.Installer.Install(ctx, env, reqFile, req.pipArgs())
}

// ensureDir creates root and its parents. Anything that is not a directory
// at root is an error.
func ensureDir(root string) error {
	info, err := os.Stat(root)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("working root %s exists and is not a directory", root)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to inspect working root %s: %w", root, err)
	}
	if err := os.MkdirAll(root, layout.DirMode); err != nil {
		return fmt.Errorf("failed to create working root %s: %w", root, err)
	}
	return nil
}

func union(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
