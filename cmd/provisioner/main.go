// Package main is the entry point for the provisioner CLI.
//
// All functionality lives in internal/cli. Build-time variables (version,
// commit, date) are injected via ldflags by GoReleaser.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shinji-kodama/app-provisioner/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	// Interrupts cancel the running command. "run" forwards them to the
	// entrypoint and still exits with the entrypoint's status.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCommand()
	rootCmd.SetContext(ctx)
	cli.Execute(rootCmd)
}
