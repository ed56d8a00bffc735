// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// Prefix is prepended to every log line.
const Prefix = "provisioner"

// Options selects the logger's level and format.
type Options struct {
	// Level is a level name ("debug", "info", "warn", "error"). Empty means info.
	Level string

	// Verbose forces debug level regardless of Level.
	Verbose bool

	// JSON switches the formatter to one JSON object per line.
	JSON bool
}

// New creates a logger writing to w. Step logs carry "step" and "duration"
// keys so both formats stay machine-filterable.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	if opts.Verbose {
		level = log.DebugLevel
	}

	formatter := log.TextFormatter
	if opts.JSON {
		formatter = log.JSONFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Prefix:          Prefix,
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: opts.JSON,
		TimeFormat:      time.RFC3339,
	}), nil
}

// Discard returns a logger that drops everything. Tests and library
// callers without a logger use it.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
