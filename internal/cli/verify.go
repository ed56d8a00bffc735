package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// verifyFlags holds the flag values for the verify command.
type verifyFlags struct {
	root string
	all  bool
}

// NewVerifyCommand creates the "verify" command.
func NewVerifyCommand() *cobra.Command {
	flags := &verifyFlags{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a local working root",
		Long: `Check a local working root: the provisioning stamp, the entrypoint and
the four data and log directories, which must exist and be writable.
Directories that already hold files are reported as warnings.

Examples:
  provisioner verify
  provisioner verify --root /srv/weather-etl --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.root, "root", "", "Working root (overrides the local_root setting)")
	cmd.Flags().BoolVar(&flags.all, "all", false, "List passed checks too")

	return cmd
}

func runVerify(cmd *cobra.Command, flags *verifyFlags) error {
	cfg, err := loadConfig(rootOverrides(cmd, flags.root))
	if err != nil {
		return err
	}
	root := cfg.LocalRootDir()

	report := verifyRoot(root, cfg.Entrypoint)

	if IsJSONOutput() {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Print(renderReport(report, flags.all))
	}

	if !report.OK() {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("working root %s failed %d checks", root, report.Count(layout.LevelError)))
	}
	return nil
}

// verifyRoot checks the layout of root and its provisioning stamp. The
// entrypoint recorded in the stamp wins over the configured one.
func verifyRoot(root, entrypoint string) *layout.Report {
	state, stateErr := provision.LoadState(root)
	if state != nil {
		entrypoint = state.Entrypoint
	}

	report := layout.Verify(root, entrypoint)

	stamp := layout.Finding{Check: "state", Path: provision.StateDir + "/" + provision.StateFile, Level: layout.LevelOK}
	switch {
	case stateErr != nil:
		stamp.Level = layout.LevelError
		stamp.Message = stateErr.Error()
	case state == nil:
		stamp.Level = layout.LevelError
		stamp.Message = "not provisioned"
	}
	report.Findings = append(report.Findings, stamp)

	return report
}
