// Package cli implements the cobra-based CLI commands for provisioner.
//
// Each subcommand lives in its own file within this package. This file
// defines the root command, the global flags and the translation of errors
// into process exit codes.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/config"
	"github.com/shinji-kodama/app-provisioner/internal/logging"
	"github.com/shinji-kodama/app-provisioner/internal/metrics"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// Global flag variables shared across all subcommands.
// They are bound to persistent flags on the root command, so every
// subcommand sees them without declaring them again.
var (
	// jsonOutput switches command output and log lines to JSON.
	// Results go to stdout; errors keep going to stderr, as a JSON
	// envelope.
	jsonOutput bool

	// verbose enables debug logging and streams installer and engine output.
	verbose bool

	// configFile is read instead of searching the context directory.
	configFile string

	// contextDir is the build context. Relative configuration paths
	// (source, manifest, local_root) resolve against it.
	contextDir string

	// logLevel sets the logger level explicitly.
	logLevel string

	// metricsFile receives the run's metrics in the Prometheus text format.
	metricsFile string
)

// Process-wide collaborators, set up by PersistentPreRunE before any
// subcommand runs. The logger starts out discarding so helpers stay safe
// to call from tests that never run the root command.
var (
	logger   = logging.Discard()
	recorder *metrics.Recorder
)

// Version, Commit and Date are set at build time via ldflags.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI.
//
// The root command only carries help text, global flags and process setup.
// Each backend (build, provision, dagger) and each inspection command lives
// in its own file and is registered here.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Build and launch runtime environments for Python applications",
		Long: `provisioner turns a dependency manifest and an application tree into a
runnable environment: a container image, a local working root or a Dagger
pipeline. Dependencies are installed before the application source is
copied, so an unchanged manifest reuses the installed packages.

The entrypoint (main.py by default) runs with PYTHONPATH set to the working
root and PYTHONUNBUFFERED=1, next to empty data/raw, data/processed,
data/output and logs directories.`,

		// Errors are printed by Execute, in text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		// PersistentPreRunE runs before every subcommand, after flag
		// parsing, so the logger and recorder see the final flag values.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Step 1: Build the logger. An unknown level is an input error.
			l, err := logging.New(os.Stderr, logging.Options{
				Level:   logLevel,
				Verbose: verbose,
				JSON:    jsonOutput,
			})
			if err != nil {
				return model.WrapCLIError(model.ExitInvalidInput, "invalid --log-level", err)
			}
			logger = l

			// Step 2: Record metrics only when they will be written.
			if metricsFile != "" {
				recorder = metrics.New()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file (default: provision.{yaml,yml,toml,json,jsonc} in the context)")
	flags.StringVarP(&contextDir, "context", "C", ".", "Build context directory")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file")

	// Register subcommands. Each one is defined in its own file and
	// returns a *cobra.Command.
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewProvisionCommand())
	rootCmd.AddCommand(NewDaggerCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewVerifyCommand())
	rootCmd.AddCommand(NewDockerfileCommand())
	rootCmd.AddCommand(NewImagesCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewConfigCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// Errors returned by commands are translated by exitCode. A step failure
// exits with its step's code, a *model.CLIError with its own code and an
// entrypoint's non-zero status with that status, unprinted. Anything else
// exits with code 1.
func Execute(rootCmd *cobra.Command) {
	// Step 1: Run the command tree.
	err := rootCmd.Execute()

	// Step 2: Write metrics, for a failed run too. A nil recorder writes
	// nothing.
	if werr := recorder.WriteFile(metricsFile); werr != nil {
		logger.Warn("metrics not written", "err", werr)
	}

	if err == nil {
		return
	}

	// Step 3: Report the error and exit with its code.
	code, silent := exitCode(err)
	if !silent {
		printError(os.Stderr, err)
	}
	os.Exit(int(code))
}

// exitCode maps a command error to the process exit code. silent is true
// when the error only carries an entrypoint's status, which the entrypoint
// has already explained on its own.
//
// The checks run from the most specific to the least: an entrypoint status,
// a failed pipeline step (which prefers a CLIError it wraps), a CLIError,
// and a configuration ValidationError.
func exitCode(err error) (code model.ExitCode, silent bool) {
	var exit *model.EntrypointExit
	if errors.As(err, &exit) {
		return model.ExitCode(exit.Code), true
	}

	var stepErr *model.StepError
	if errors.As(err, &stepErr) {
		return stepErr.ExitCode(), false
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code, false
	}

	var validationErr *config.ValidationError
	if errors.As(err, &validationErr) {
		return model.ExitInvalidInput, false
	}

	return model.ExitGeneralError, false
}

// errorJSON is the JSON error envelope written to stderr.
type errorJSON struct {
	Error errorBodyJSON `json:"error"`
}

// errorBodyJSON is the body of errorJSON. Step is set only for a failed
// pipeline step and Detail only when the error wraps an underlying cause.
type errorBodyJSON struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Step    string `json:"step,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// printError writes err to w in the format selected by --json.
//
// Text output is one line, "Error: <message>: <detail>". JSON output is the
// errorJSON envelope. Errors go to stderr even in JSON mode, since stdout
// only carries the output of commands that succeeded.
func printError(w io.Writer, err error) {
	code, _ := exitCode(err)
	body := errorBodyJSON{Message: err.Error(), Code: int(code)}

	var stepErr *model.StepError
	if errors.As(err, &stepErr) {
		body.Step = stepErr.Step.String()
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		body.Message = cliErr.Message
		if cliErr.Err != nil {
			body.Detail = cliErr.Err.Error()
		}
		if stepErr != nil {
			body.Message = fmt.Sprintf("step %s failed: %s", stepErr.Step, cliErr.Message)
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(errorJSON{Error: body}, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	if body.Detail != "" {
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", errorStyle.Render("Error:"), body.Message, body.Detail)
	} else {
		_, _ = fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Error:"), body.Message)
	}
}

// VerboseLog writes a debug message through the process logger. It is
// shown with --verbose or --log-level debug.
func VerboseLog(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig reads and validates the configuration. overrides hold the
// values of command flags that were set explicitly.
func loadConfig(overrides map[string]any) (*config.Config, error) {
	cfg, path, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		ContextDir: contextDir,
		Overrides:  overrides,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "failed to load configuration", err)
	}
	if path != "" {
		VerboseLog("Loaded configuration from %s", path)
	}

	if err := config.Err(config.Validate(cfg)); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "invalid configuration", err)
	}
	return cfg, nil
}

// pipelineOptions returns the backend options shared by every build
// command.
func pipelineOptions() provision.Options {
	return provision.Options{Logger: logger, Metrics: recorder}
}

// progressOutput returns where installer and engine output goes: stderr in
// verbose mode, nowhere otherwise.
func progressOutput() io.Writer {
	if verbose {
		return os.Stderr
	}
	return nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
