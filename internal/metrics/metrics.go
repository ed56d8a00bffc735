// Package metrics records provisioning runs as Prometheus metrics.
//
// The CLI is a short-lived process, so there is no scrape endpoint. A
// Recorder owns a private registry and, when asked, writes it in the text
// exposition format for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

const namespace = "provisioner"

// Recorder collects pipeline metrics. A nil *Recorder is valid and records
// nothing, so callers never need to check whether metrics are enabled.
type Recorder struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall-clock duration of each provisioning step.",
				// Steps range from sub-second directory creation to
				// multi-minute dependency installs.
				Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"backend", "step"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Provisioning runs started.",
			},
			[]string{"backend"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Provisioning runs aborted, by failing step.",
			},
			[]string{"backend", "step"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_cache_hits_total",
				Help:      "Runs that reused previously installed dependencies.",
			},
			[]string{"backend"},
		),
	}

	r.registry.MustRegister(r.stepDuration, r.runs, r.failures, r.cacheHits)
	return r
}

// RunStarted counts a provisioning run.
func (r *Recorder) RunStarted(backend model.Backend) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(backend.String()).Inc()
}

// ObserveStep records the duration of one completed or failed step.
func (r *Recorder) ObserveStep(backend model.Backend, step model.StepName, d time.Duration) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(backend.String(), step.String()).Observe(d.Seconds())
}

// StepFailed counts a run aborted by step.
func (r *Recorder) StepFailed(backend model.Backend, step model.StepName) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(backend.String(), step.String()).Inc()
}

// DependencyCacheHit counts a run whose dependency install was skipped.
func (r *Recorder) DependencyCacheHit(backend model.Backend) {
	if r == nil {
		return
	}
	r.cacheHits.WithLabelValues(backend.String()).Inc()
}

// Registry returns the underlying registry, or nil for a nil Recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteFile writes every metric to path in the Prometheus text format. The
// file is written atomically, as the textfile collector requires.
func (r *Recorder) WriteFile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
