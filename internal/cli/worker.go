package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/lsadehaan/cloud-code/internal/runner"
	"github.com/lsadehaan/cloud-code/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var (
		workspacePath string
		tool          string
		toolTimeout   time.Duration
		poll          time.Duration
		sandboxHome   string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop against a mounted workspace (workstation entrypoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspacePath == "" {
				return errors.New("--workspace is required")
			}

			var r runner.Runner
			if tool == "stub" {
				r = &runner.Stub{}
			} else {
				sub, err := runner.ForTool(tool, toolTimeout, sandboxHome)
				if err != nil {
					return err
				}
				if cerr := runner.CheckTool(tool); cerr != nil {
					return fmt.Errorf("tool not usable: %w", cerr)
				}
				r = sub
			}

			loop := worker.New(workspacePath, tool, r)
			if poll > 0 {
				loop.Poll = poll
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "worker %s polling %s\n", loop.AgentID, workspacePath)
			return loop.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&workspacePath, "workspace", "", "Path to the mounted workspace directory")
	cmd.Flags().StringVar(&tool, "tool", "claude", "Coding tool to run (claude, aider, codex, gemini, or stub)")
	cmd.Flags().DurationVar(&toolTimeout, "tool-timeout", 30*time.Minute, "Per-invocation tool timeout")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Tasking-document poll interval (0 = default)")
	cmd.Flags().StringVar(&sandboxHome, "sandbox-home", "", "Run the tool inside bubblewrap with this dir writable (Linux only)")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}
