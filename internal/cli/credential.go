package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Review credential requests",
	}
	cmd.AddCommand(newCredentialListCmd())
	cmd.AddCommand(newCredentialApproveCmd())
	cmd.AddCommand(newCredentialDenyCmd())
	return cmd
}

func newCredentialListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential requests waiting for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			reqs, err := c.ListCredentials(cmd.Context())
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No pending credential requests")
				return nil
			}
			for _, r := range reqs {
				line := fmt.Sprintf("%s  %s/%s  item=%s", r.ID, r.Type, r.Scope, r.ItemID)
				if r.Reason != "" {
					line += "  (" + r.Reason + ")"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	return cmd
}

func newCredentialApproveCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending credential request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			if err := c.ApproveCredential(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Approved %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Credential request ID")
	return cmd
}

func newCredentialDenyCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "deny",
		Short: "Deny a pending credential request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			if err := c.DenyCredential(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Denied %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Credential request ID")
	return cmd
}
