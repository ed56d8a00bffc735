// Package model defines the domain types for the provisioner CLI.
//
// These types describe a provisioning run: which backend produced the
// environment, which pipeline steps ran (or were reused from cache), and
// what the resulting working root, image and environment look like. They are
// shared by the backends, the launcher and the CLI output layer.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend identifies how a working environment is materialized.
type Backend string

const (
	// BackendDocker builds a container image through the Docker Engine API.
	// Dependency reuse relies on the engine's layer cache.
	BackendDocker Backend = "docker"

	// BackendLocal materializes the working root on the host filesystem,
	// with dependencies in a virtual environment inside the root.
	BackendLocal Backend = "local"

	// BackendDagger expresses the pipeline as a Dagger container graph.
	BackendDagger Backend = "dagger"
)

// String returns the string representation of Backend.
func (b Backend) String() string {
	return string(b)
}

// IsValid checks whether the Backend value is one of the known backends.
func (b Backend) IsValid() bool {
	switch b {
	case BackendDocker, BackendLocal, BackendDagger:
		return true
	default:
		return false
	}
}

// ParseBackend converts a string to a Backend.
// Returns an error if the string does not match any known backend.
func ParseBackend(s string) (Backend, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(s)))
	if !backend.IsValid() {
		return "", fmt.Errorf("invalid backend: %q (valid: docker, local, dagger)", s)
	}
	return backend, nil
}

// LabelNamespace prefixes every image label written by provisioner. User
// supplied labels may not use it.
const LabelNamespace = "provisioner."

// StepName names one stage of the provisioning pipeline. The pipeline is a
// strictly ordered, one-shot sequence:
//
//	materialize-root → install-dependencies → materialize-source
//	  → provision-directories → configure-environment
//
// launch-entrypoint is the run-time stage and never runs during a build.
type StepName string

const (
	// StepMaterializeRoot creates the working root directory.
	StepMaterializeRoot StepName = "materialize-root"

	// StepInstallDependencies installs every package declared in the manifest.
	// It always precedes StepMaterializeSource so that an unchanged manifest
	// can reuse the installed dependency zone.
	StepInstallDependencies StepName = "install-dependencies"

	// StepMaterializeSource copies the application tree into the working root.
	StepMaterializeSource StepName = "materialize-source"

	// StepProvisionDirectories creates the fixed data and log directories.
	StepProvisionDirectories StepName = "provision-directories"

	// StepConfigureEnvironment exports the process-wide environment variables.
	StepConfigureEnvironment StepName = "configure-environment"

	// StepLaunchEntrypoint starts the designated entrypoint process.
	StepLaunchEntrypoint StepName = "launch-entrypoint"
)

// BuildSteps lists the build-time pipeline steps in their required order.
var BuildSteps = []StepName{
	StepMaterializeRoot,
	StepInstallDependencies,
	StepMaterializeSource,
	StepProvisionDirectories,
	StepConfigureEnvironment,
}

// String returns the string representation of StepName.
func (s StepName) String() string {
	return string(s)
}

// ExitCode returns the process exit code reported when this step fails.
func (s StepName) ExitCode() ExitCode {
	switch s {
	case StepInstallDependencies:
		return ExitDependencyInstallFailed
	case StepMaterializeRoot:
		return ExitRootFailed
	case StepMaterializeSource:
		return ExitSourceCopyFailed
	case StepProvisionDirectories:
		return ExitDirectoryProvisionFailed
	default:
		return ExitGeneralError
	}
}

// StepStatus is the outcome of a single pipeline step.
type StepStatus string

const (
	// StepDone indicates the step ran and completed.
	StepDone StepStatus = "done"

	// StepCached indicates the step's output was reused from a previous run.
	// Only install-dependencies can be cached.
	StepCached StepStatus = "cached"

	// StepFailed indicates the step ran and failed. The pipeline stops here.
	StepFailed StepStatus = "failed"
)

// String returns the string representation of StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// StepReport records what happened to one pipeline step.
type StepReport struct {
	// Step is the pipeline step this report belongs to.
	Step StepName `json:"step" yaml:"step"`

	// Status is the outcome of the step.
	Status StepStatus `json:"status" yaml:"status"`

	// Duration is the wall-clock time spent in the step.
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Detail is an optional human-readable note (e.g., "12 requirements").
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Result describes a completed provisioning run.
type Result struct {
	// Backend is the backend that produced this environment.
	Backend Backend `json:"backend" yaml:"backend"`

	// WorkingRoot is the directory holding the application tree and, for the
	// local backend, the dependency zone. For image backends this is the
	// path inside the image.
	WorkingRoot string `json:"workingRoot" yaml:"workingRoot"`

	// Image is the tag of the built image. Empty for the local backend.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// ImageID is the engine-assigned image identifier, when known.
	ImageID string `json:"imageId,omitempty" yaml:"imageId,omitempty"`

	// ManifestHash is the SHA-256 of the canonical rendered manifest.
	// It is the dependency cache key for every backend.
	ManifestHash string `json:"manifestHash" yaml:"manifestHash"`

	// Requirements is the number of requirement entries in the manifest.
	Requirements int `json:"requirements" yaml:"requirements"`

	// DependencyCacheHit reports whether the installed dependencies from a
	// previous run were reused.
	DependencyCacheHit bool `json:"dependencyCacheHit" yaml:"dependencyCacheHit"`

	// SourceHash fingerprints the copied application tree.
	SourceHash string `json:"sourceHash,omitempty" yaml:"sourceHash,omitempty"`

	// SourceRevision is the git commit of the application tree, if any.
	SourceRevision string `json:"sourceRevision,omitempty" yaml:"sourceRevision,omitempty"`

	// Entrypoint is the program launched at run time, relative to WorkingRoot.
	Entrypoint string `json:"entrypoint" yaml:"entrypoint"`

	// Environment holds the variables exported to the entrypoint process.
	Environment map[string]string `json:"environment" yaml:"environment"`

	// Steps lists the pipeline steps in execution order.
	Steps []StepReport `json:"steps" yaml:"steps"`

	// CreatedAt is when the run completed.
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// ImageInfo describes a managed image, reconstructed from its labels.
type ImageInfo struct {
	// ID is the engine-assigned image identifier.
	ID string `json:"id" yaml:"id"`

	// Tags holds the repository tags pointing at the image.
	Tags []string `json:"tags" yaml:"tags"`

	// Size is the image size in bytes.
	Size int64 `json:"size" yaml:"size"`

	// Backend is the backend that produced the image.
	Backend Backend `json:"backend" yaml:"backend"`

	// WorkingRoot is the in-image working root.
	WorkingRoot string `json:"workingRoot" yaml:"workingRoot"`

	// Entrypoint is the program launched when a container starts.
	Entrypoint string `json:"entrypoint" yaml:"entrypoint"`

	// ManifestHash is the dependency cache key the image was built with.
	ManifestHash string `json:"manifestHash" yaml:"manifestHash"`

	// Requirements is the number of requirement entries installed.
	Requirements int `json:"requirements" yaml:"requirements"`

	// SourceHash fingerprints the application tree baked into the image.
	SourceHash string `json:"sourceHash,omitempty" yaml:"sourceHash,omitempty"`

	// SourceRevision is the git commit of the application tree, if any.
	SourceRevision string `json:"sourceRevision,omitempty" yaml:"sourceRevision,omitempty"`

	// Environment holds the variables baked into the image.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// CreatedAt is when the image was provisioned.
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// ExitCode defines standard CLI exit codes. These allow scripts and CI
// systems to tell which provisioning stage failed.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitInvalidInput indicates the configuration or manifest is invalid.
	ExitInvalidInput ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitDependencyInstallFailed indicates a declared package could not be
	// resolved or installed.
	ExitDependencyInstallFailed ExitCode = 4

	// ExitSourceCopyFailed indicates the application tree could not be
	// copied into the working root.
	ExitSourceCopyFailed ExitCode = 5

	// ExitDirectoryProvisionFailed indicates a data directory could not be
	// created, typically because a file occupies its path.
	ExitDirectoryProvisionFailed ExitCode = 6

	// ExitImageNotFound indicates the requested image does not exist or is
	// not managed by provisioner.
	ExitImageNotFound ExitCode = 7

	// ExitBackendFailed indicates the selected backend engine failed for a
	// reason outside the pipeline steps (e.g., the Dagger engine).
	ExitBackendFailed ExitCode = 8

	// ExitRootFailed indicates the working root could not be materialized:
	// the base image could not be pulled or resolved, or the root directory
	// could not be created.
	ExitRootFailed ExitCode = 9
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// StepError reports the pipeline step that aborted a build.
// Every build-time failure is fatal; there are no retries.
type StepError struct {
	// Step is the pipeline step that failed.
	Step StepName

	// Err is the underlying cause.
	Err error
}

// Error satisfies the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code associated with the failed step, unless
// the underlying error already carries one.
func (e *StepError) ExitCode() ExitCode {
	var cliErr *CLIError
	if errors.As(e.Err, &cliErr) {
		return cliErr.Code
	}
	return e.Step.ExitCode()
}

// EntrypointExit carries the exit status of a launched entrypoint process.
// The CLI exits with exactly this code and prints nothing, because the
// entrypoint owns its own diagnostics.
type EntrypointExit struct {
	// Code is the entrypoint process (or container) exit status.
	Code int
}

// Error satisfies the error interface.
func (e *EntrypointExit) Error() string {
	return fmt.Sprintf("entrypoint exited with status %d", e.Code)
}
