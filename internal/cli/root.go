package cli

import (
	"os"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "cloudcode",
		Short:        "Cloud Code — turn work items into reviewed code changes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Cloud Code home directory (default: ~/.cloud-code, env: CLOUDCODE_HOME)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newItemCmd())
	cmd.AddCommand(newStationCmd())
	cmd.AddCommand(newCredentialCmd())
	cmd.AddCommand(newApikeyCmd())

	// Workstation entrypoint: runs the control loop against a mounted workspace.
	cmd.AddCommand(newWorkerCmd())

	// Hidden internal subcommand used by `cloudcode start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
