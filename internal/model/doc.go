// Package model defines the domain types and value objects for the
// provisioner CLI.
//
// This package contains pure data structures with no external dependencies.
// A Result describes one provisioning run: the backend, the working root,
// the manifest hash used as the dependency cache key, and a StepReport for
// each pipeline step in execution order.
//
// The package also defines exit codes (ExitCode) and the error types that
// carry them: CLIError for general failures, StepError for a failed pipeline
// step, and EntrypointExit for the status of a launched entrypoint.
package model
