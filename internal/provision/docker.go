package provision

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// ImageBuilder builds an image from a tar context. *docker.Client
// implements it.
type ImageBuilder interface {
	BuildImage(ctx context.Context, opts docker.BuildOptions) (string, error)
}

// Docker builds and labels an image through the Docker Engine.
type Docker struct {
	Builder ImageBuilder

	// Tag is the reference applied to the image.
	Tag string

	// NoCache disables the engine's layer cache.
	NoCache bool

	// Pull refreshes the base image.
	Pull bool

	// Progress receives the engine's build output. Nil discards it.
	Progress io.Writer

	Options Options
}

// NewDocker returns a docker backend that tags images with tag.
func NewDocker(builder ImageBuilder, tag string, opts Options) *Docker {
	return &Docker{Builder: builder, Tag: tag, Options: opts}
}

// Provision generates the Dockerfile and context for req and builds them.
// The steps run inside the daemon; their boundaries and cache hits are
// recovered from the classic builder's "Step N/M" output. The image is
// tagged and labelled only when the whole build succeeds.
func (d *Docker) Provision(ctx context.Context, req *Request) (*model.Result, error) {
	ins, err := Dockerfile(req)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "failed to generate Dockerfile", err)
	}
	dockerfile := RenderDockerfile(ins)

	res := req.newResult(model.BackendDocker, req.Config.WorkingRoot, d.Options.now())
	res.Image = d.Tag
	labels := docker.BuildLabels(res, req.Config.Labels)

	pr, pw := io.Pipe()
	contextErr := make(chan error, 1)
	go func() {
		err := WriteContext(pw, req, dockerfile)
		pw.CloseWithError(err)
		contextErr <- err
	}()

	tracker := newStepTracker(ins, req, newStepLog(model.BackendDocker, d.Options), d.Progress)
	id, err := d.Builder.BuildImage(ctx, docker.BuildOptions{
		Context:    pr,
		Dockerfile: contextDockerfile,
		Tags:       []string{d.Tag},
		Labels:     labels,
		NoCache:    d.NoCache,
		Pull:       d.Pull,
		Progress:   tracker.writer(),
	})

	// Unblock the context writer if the build stopped reading early.
	_ = pr.Close()
	if cerr := <-contextErr; err != nil && cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
		// The tree could not be streamed, whatever the daemon made of it.
		err = tracker.log.fail(model.StepMaterializeSource, cerr)
		res.Steps = tracker.log.reports
		return res, err
	}

	err = tracker.close(err)
	res.Steps = tracker.log.reports
	if err != nil {
		return res, err
	}

	res.ImageID = id
	res.DependencyCacheHit = cacheHit(res.Steps)
	return res, nil
}

var (
	// stepLineRe matches the classic builder's instruction header.
	stepLineRe = regexp.MustCompile(`^Step (\d+)/(\d+) : `)

	// ansiRe matches terminal control sequences in rendered progress.
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
)

// usingCache is printed by the classic builder for each reused layer.
const usingCache = "---> Using cache"

// stepTracker follows build output and maps each Dockerfile instruction
// back to its pipeline step. Instructions the engine appends beyond the
// Dockerfile (LABEL from build options) count toward the last step.
type stepTracker struct {
	ins []Instruction
	req *Request
	log *stepLog
	out io.Writer

	partial []byte
	current model.StepName
	total   map[model.StepName]int
	cached  map[model.StepName]int
}

func newStepTracker(ins []Instruction, req *Request, log *stepLog, out io.Writer) *stepTracker {
	if out == nil {
		out = io.Discard
	}
	return &stepTracker{
		ins:    ins,
		req:    req,
		log:    log,
		out:    out,
		total:  map[model.StepName]int{},
		cached: map[model.StepName]int{},
	}
}

// writer returns t as a progress writer. When the output is a file, the
// file descriptor stays visible so progress can render in place.
func (t *stepTracker) writer() io.Writer {
	if f, ok := t.out.(*os.File); ok {
		return fdWriter{Writer: t, f: f}
	}
	return t
}

// Write relays p and consumes complete lines.
func (t *stepTracker) Write(p []byte) (int, error) {
	if _, err := t.out.Write(p); err != nil {
		return 0, err
	}

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.line(string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	return len(p), nil
}

func (t *stepTracker) line(s string) {
	s = strings.TrimSpace(ansiRe.ReplaceAllString(s, ""))

	if m := stepLineRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		step := t.current
		if n >= 1 && n <= len(t.ins) {
			step = t.ins[n-1].Step
		}
		if step == "" {
			return
		}
		if step != t.current {
			t.finishCurrent()
			t.current = step
			t.log.start(step)
		}
		t.total[step]++
		return
	}

	if strings.HasPrefix(s, usingCache) && t.current != "" {
		t.cached[t.current]++
	}
}

func (t *stepTracker) finishCurrent() {
	if t.current == "" {
		return
	}
	out := Outcome{Cached: t.total[t.current] > 0 && t.cached[t.current] == t.total[t.current]}
	if t.current == model.StepInstallDependencies {
		out.Detail = t.req.requirementsDetail()
	}
	t.log.finish(out)
}

// close ends tracking. A build error is attributed to the step that was
// running; an error before any step started is returned unchanged.
func (t *stepTracker) close(buildErr error) error {
	if len(t.partial) > 0 {
		t.line(string(t.partial))
		t.partial = nil
	}

	if buildErr != nil {
		if t.current == "" {
			return buildErr
		}
		return t.log.fail(t.current, buildErr)
	}
	t.finishCurrent()
	t.current = ""
	return nil
}

// fdWriter exposes the descriptor of the file behind a wrapping writer.
type fdWriter struct {
	io.Writer
	f *os.File
}

func (w fdWriter) Fd() uintptr { return w.f.Fd() }
