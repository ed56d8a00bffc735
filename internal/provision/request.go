package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/app-provisioner/internal/config"
	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/logging"
	"github.com/shinji-kodama/app-provisioner/internal/manifest"
	"github.com/shinji-kodama/app-provisioner/internal/metrics"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/source"
)

// Provisioner runs the build-time pipeline for one backend.
type Provisioner interface {
	// Provision runs every build step in order and describes the result.
	// A step failure is returned as *model.StepError.
	Provision(ctx context.Context, req *Request) (*model.Result, error)
}

// Options are shared by every backend.
type Options struct {
	// Logger receives step progress. Nil discards it.
	Logger *log.Logger

	// Metrics records step durations and failures. Nil disables metrics.
	Metrics *metrics.Recorder

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

func (o Options) logger() *log.Logger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Request is a validated provisioning input: the configuration plus the
// parsed manifest and the application tree it points at.
type Request struct {
	Config   *config.Config
	Manifest *manifest.Manifest
	Tree     *source.Tree
	Revision source.Revision

	// SourceHash fingerprints Tree.
	SourceHash string
}

// Prepare loads the manifest and the application tree named by cfg.
// skip lists directories to leave out of the tree, typically a local
// working root that lives inside the source.
//
// A manifest that does not parse is reported with ExitInvalidInput. A
// missing tree or entrypoint is reported with ExitSourceCopyFailed.
func Prepare(ctx context.Context, cfg *config.Config, skip ...string) (*Request, error) {
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		var perr *manifest.ParseError
		switch {
		case errors.As(err, &perr):
			return nil, model.WrapCLIError(model.ExitInvalidInput, "invalid dependency manifest", err)
		case errors.Is(err, fs.ErrNotExist):
			return nil, model.WrapCLIError(model.ExitInvalidInput, "dependency manifest not found", err)
		default:
			return nil, model.WrapCLIError(model.ExitInvalidInput, "failed to read dependency manifest", err)
		}
	}

	tree, err := source.New(cfg.SourceDir(), cfg.Exclude, skip...)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitSourceCopyFailed, "application tree unavailable", err)
	}
	if err := tree.CheckEntrypoint(cfg.Entrypoint); err != nil {
		return nil, model.WrapCLIError(model.ExitSourceCopyFailed, "entrypoint unavailable", err)
	}

	hash, err := tree.Hash()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitSourceCopyFailed, "failed to read application tree", err)
	}

	rev, err := source.GitRevision(ctx, tree.Root)
	if err != nil {
		return nil, err
	}

	return &Request{
		Config:     cfg,
		Manifest:   m,
		Tree:       tree,
		Revision:   rev,
		SourceHash: hash,
	}, nil
}

// newResult fills the backend-independent part of a result for a working
// root at root.
func (r *Request) newResult(backend model.Backend, root string, now time.Time) *model.Result {
	return &model.Result{
		Backend:        backend,
		WorkingRoot:    root,
		ManifestHash:   r.Manifest.Hash(),
		Requirements:   len(r.Manifest.Requirements),
		SourceHash:     r.SourceHash,
		SourceRevision: r.Revision.String(),
		Entrypoint:     r.Config.Entrypoint,
		Environment:    layout.Variables(root),
		CreatedAt:      now.UTC(),
	}
}

// pipArgs returns the extra installer arguments from the configuration.
func (r *Request) pipArgs() []string {
	var args []string
	if r.Config.Pip.IndexURL != "" {
		args = append(args, "--index-url", r.Config.Pip.IndexURL)
	}
	return append(args, r.Config.Pip.ExtraArgs...)
}

// requirementsDetail summarizes the manifest for step reports.
func (r *Request) requirementsDetail() string {
	n := len(r.Manifest.Requirements)
	if n == 1 {
		return "1 requirement"
	}
	return fmt.Sprintf("%d requirements", n)
}
