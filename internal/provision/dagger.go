package provision

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"dagger.io/dagger"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// Dagger expresses the pipeline as a Dagger container graph. Each step is
// synced before the next one is added so failures and timings stay
// attributable to a single step.
type Dagger struct {
	// Publish, when set, is the registry address the container is pushed
	// to after the last step.
	Publish string

	// LogOutput receives the engine's progress output. Nil discards it.
	LogOutput io.Writer

	Options Options
}

// NewDagger returns a dagger backend.
func NewDagger(publish string, opts Options) *Dagger {
	return &Dagger{Publish: publish, Options: opts}
}

// Provision connects to the Dagger engine and runs the pipeline in it.
//
// The container graph is planned up front by daggerPlan; Provision only
// applies the calls of each step to the container and syncs the result.
// Nothing is pushed unless every step succeeded and Publish is set.
func (d *Dagger) Provision(ctx context.Context, req *Request) (*model.Result, error) {
	out := d.LogOutput
	if out == nil {
		out = io.Discard
	}

	// Step 1: Connect to the engine. Without it no step can run, so the
	// failure is reported on its own rather than against a step.
	client, err := dagger.Connect(ctx, dagger.WithLogOutput(out))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitBackendFailed, "failed to connect to the Dagger engine", err)
	}
	defer func() { _ = client.Close() }()

	// Step 2: Plan the graph. The include filter is the file list a local
	// copy would produce.
	files, err := req.Tree.Files()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitSourceCopyFailed, "failed to read application tree", err)
	}

	cfg := req.Config
	root := cfg.WorkingRoot
	res := req.newResult(model.BackendDagger, root, d.Options.now())
	calls := daggerPlan(req, res, files)

	// Step 3: Apply and sync one step at a time.
	var ctr *dagger.Container
	stage := func(step model.StepName, detail string) Step {
		return Step{Name: step, Run: func(ctx context.Context) (Outcome, error) {
			next := ctr
			for _, c := range calls {
				if c.Step == step {
					next = c.apply(client, next, req.Tree.Root)
				}
			}
			synced, err := next.Sync(ctx)
			if err != nil {
				return Outcome{}, err
			}
			ctr = synced
			return Outcome{Detail: detail}, nil
		}}
	}

	pipeline := &Pipeline{Backend: model.BackendDagger, Options: d.Options}
	reports, err := pipeline.Run(ctx, []Step{
		stage(model.StepMaterializeRoot, root),
		stage(model.StepInstallDependencies, req.requirementsDetail()),
		stage(model.StepMaterializeSource, fmt.Sprintf("%d files", len(files))),
		stage(model.StepProvisionDirectories, ""),
		stage(model.StepConfigureEnvironment, ""),
	})
	res.Steps = reports
	if err != nil {
		return res, err
	}

	// Step 4: Publish the finished container, if asked to.
	if d.Publish != "" {
		ref, err := ctr.Publish(ctx, d.Publish)
		if err != nil {
			return res, model.WrapCLIError(model.ExitBackendFailed, fmt.Sprintf("failed to publish to %s", d.Publish), err)
		}
		res.Image = ref
	}
	return res, nil
}

// Container calls made by the dagger backend.
const (
	callFrom        = "From"
	callWorkdir     = "WithWorkdir"
	callFile        = "WithFile"
	callExec        = "WithExec"
	callDirectory   = "WithDirectory"
	callEnvVariable = "WithEnvVariable"
	callEntrypoint  = "WithEntrypoint"
	callLabel       = "WithLabel"
)

// daggerCall is one call on the Dagger container and the pipeline step it
// belongs to.
type daggerCall struct {
	Step model.StepName
	Name string
	Args []string

	// Contents is the body of the file written by a WithFile call.
	Contents string

	// Include filters the host directory of a WithDirectory call.
	Include []string
}

// String renders the call as "Name arg...", for logs and tests.
func (c daggerCall) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// apply adds the call to ctr. A From call starts a new container, so ctr
// may be nil for it. hostRoot is the directory WithDirectory reads.
func (c daggerCall) apply(client *dagger.Client, ctr *dagger.Container, hostRoot string) *dagger.Container {
	switch c.Name {
	case callFrom:
		return client.Container().From(c.Args[0])
	case callWorkdir:
		return ctr.WithWorkdir(c.Args[0])
	case callFile:
		name := path.Base(c.Args[0])
		file := client.Directory().WithNewFile(name, c.Contents).File(name)
		return ctr.WithFile(c.Args[0], file)
	case callExec:
		return ctr.WithExec(c.Args)
	case callDirectory:
		dir := client.Host().Directory(hostRoot, dagger.HostDirectoryOpts{Include: c.Include})
		return ctr.WithDirectory(c.Args[0], dir)
	case callEnvVariable:
		return ctr.WithEnvVariable(c.Args[0], c.Args[1])
	case callEntrypoint:
		return ctr.WithEntrypoint(c.Args)
	case callLabel:
		return ctr.WithLabel(c.Args[0], c.Args[1])
	default:
		panic("unknown dagger call " + c.Name)
	}
}

// daggerPlan returns the container calls that build req, in pipeline
// order. It mirrors Dockerfile: the manifest is added and installed before
// the tree is copied, and files (the tree's regular files) become the
// include filter of the copy.
func daggerPlan(req *Request, res *model.Result, files []string) []daggerCall {
	cfg := req.Config
	root := cfg.WorkingRoot

	var calls []daggerCall
	add := func(step model.StepName, c daggerCall) {
		c.Step = step
		calls = append(calls, c)
	}

	add(model.StepMaterializeRoot, daggerCall{Name: callFrom, Args: []string{cfg.BaseImage}})
	add(model.StepMaterializeRoot, daggerCall{Name: callWorkdir, Args: []string{root}})

	add(model.StepInstallDependencies, daggerCall{
		Name:     callFile,
		Args:     []string{path.Join(root, contextRequirements)},
		Contents: string(req.Manifest.Render()),
	})
	if !req.Manifest.IsEmpty() {
		args := []string{cfg.Interpreter, "-m", "pip", "install", "--no-cache-dir", "--disable-pip-version-check", "-r", contextRequirements}
		add(model.StepInstallDependencies, daggerCall{Name: callExec, Args: append(args, req.pipArgs()...)})
	}

	add(model.StepMaterializeSource, daggerCall{Name: callDirectory, Args: []string{root}, Include: files})

	add(model.StepProvisionDirectories, daggerCall{
		Name: callExec,
		Args: append([]string{"mkdir", "-p"}, layout.ImagePaths(root)...),
	})

	for _, name := range layout.VariableNames() {
		add(model.StepConfigureEnvironment, daggerCall{Name: callEnvVariable, Args: []string{name, res.Environment[name]}})
	}
	add(model.StepConfigureEnvironment, daggerCall{
		Name: callEntrypoint,
		Args: []string{cfg.Interpreter, path.Clean(cfg.Entrypoint)},
	})

	labels := docker.BuildLabels(res, cfg.Labels)
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(model.StepConfigureEnvironment, daggerCall{Name: callLabel, Args: []string{k, labels[k]}})
	}

	return calls
}
