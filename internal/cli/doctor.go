package cli

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/runner"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = config.MustHomeFrom(cmd.Context()) // currently unused, but ensures home resolves

			var problems []string

			// git is required for the workspace mirror and checkouts.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			// docker is only needed for the docker runtime; report but don't fail.
			if _, err := exec.LookPath("docker"); err != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "docker not found on PATH (ok when using --runtime stub)")
			}

			// At least one coding tool must be installed for real execution.
			tools := runner.Tools()
			sort.Strings(tools)
			available := 0
			for _, tool := range tools {
				if err := runner.CheckTool(tool); err == nil {
					available++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tool %s: ok\n", tool)
				}
			}
			if available == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no coding tools found (looked for: %v)\n", tools)
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
