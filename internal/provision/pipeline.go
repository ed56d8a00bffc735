package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/app-provisioner/internal/metrics"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// Outcome is what a step reports back to the pipeline.
type Outcome struct {
	// Cached marks a step whose output was reused from an earlier run.
	Cached bool

	// Detail is a short note for the step report.
	Detail string
}

// Step is one stage of a pipeline run.
type Step struct {
	Name model.StepName
	Run  func(ctx context.Context) (Outcome, error)
}

// Pipeline executes steps in model.BuildSteps order.
type Pipeline struct {
	Backend model.Backend
	Options Options
}

// Run executes steps one at a time and stops at the first failure, which
// is returned as *model.StepError. Steps must appear in model.BuildSteps
// order without repeats; anything else is rejected before any step runs.
func (p *Pipeline) Run(ctx context.Context, steps []Step) ([]model.StepReport, error) {
	if err := checkOrder(steps); err != nil {
		return nil, err
	}

	rec := newStepLog(p.Backend, p.Options)
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return rec.reports, rec.fail(s.Name, err)
		}

		rec.start(s.Name)
		out, err := s.Run(ctx)
		if err != nil {
			return rec.reports, rec.fail(s.Name, err)
		}
		rec.finish(out)
	}
	return rec.reports, nil
}

// checkOrder verifies that steps follow model.BuildSteps without repeats.
func checkOrder(steps []Step) error {
	next := 0
	for _, s := range steps {
		i := stepIndex(s.Name)
		if i < next {
			return fmt.Errorf("step %s is out of order", s.Name)
		}
		next = i + 1
	}
	return nil
}

// stepIndex returns the position of name in model.BuildSteps, or
// len(model.BuildSteps) for a step that never runs at build time.
func stepIndex(name model.StepName) int {
	for i, s := range model.BuildSteps {
		if s == name {
			return i
		}
	}
	return len(model.BuildSteps)
}

// stepLog times steps and reports them to the logger and the metrics
// recorder. Backends whose steps run elsewhere (the Docker daemon) drive
// it from their progress stream instead of through Pipeline.Run.
type stepLog struct {
	backend model.Backend
	logger  *log.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	current *model.StepName
	began   time.Time
	reports []model.StepReport
}

func newStepLog(backend model.Backend, opts Options) *stepLog {
	opts.Metrics.RunStarted(backend)
	return &stepLog{
		backend: backend,
		logger:  opts.logger(),
		metrics: opts.Metrics,
		now:     opts.now,
	}
}

// start opens name. A step that is still open is finished first.
func (l *stepLog) start(name model.StepName) {
	if l.current != nil {
		if *l.current == name {
			return
		}
		l.finish(Outcome{})
	}
	l.current = &name
	l.began = l.now()
	l.logger.Debug("step started", "step", name)
}

// finish closes the open step, if any.
func (l *stepLog) finish(out Outcome) {
	if l.current == nil {
		return
	}
	name := *l.current
	l.current = nil

	d := l.now().Sub(l.began)
	status := model.StepDone
	if out.Cached {
		status = model.StepCached
		if name == model.StepInstallDependencies {
			l.metrics.DependencyCacheHit(l.backend)
		}
	}

	l.reports = append(l.reports, model.StepReport{Step: name, Status: status, Duration: d, Detail: out.Detail})
	l.metrics.ObserveStep(l.backend, name, d)
	l.logger.Info("step finished", "step", name, "status", status, "duration", d.Round(time.Millisecond))
}

// fail records name as failed and returns the error to report.
func (l *stepLog) fail(name model.StepName, err error) error {
	d := time.Duration(0)
	if l.current != nil && *l.current == name {
		d = l.now().Sub(l.began)
	}
	l.current = nil

	l.reports = append(l.reports, model.StepReport{Step: name, Status: model.StepFailed, Duration: d})
	l.metrics.StepFailed(l.backend, name)
	l.logger.Error("step failed", "step", name, "duration", d.Round(time.Millisecond), "err", err)
	return &model.StepError{Step: name, Err: err}
}

// cacheHit reports whether the dependency step was reused.
func cacheHit(reports []model.StepReport) bool {
	for _, r := range reports {
		if r.Step == model.StepInstallDependencies {
			return r.Status == model.StepCached
		}
	}
	return false
}
