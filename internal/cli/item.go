package cli

import (
	"encoding/json"
	"fmt"

	"github.com/lsadehaan/cloud-code/internal/git"
	"github.com/lsadehaan/cloud-code/pkg/models"
	"github.com/spf13/cobra"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	cmd.AddCommand(newItemSubmitCmd())
	cmd.AddCommand(newItemListCmd())
	cmd.AddCommand(newItemGetCmd())
	cmd.AddCommand(newItemReportCmd())
	cmd.AddCommand(newItemCancelCmd())
	cmd.AddCommand(newItemUnblockCmd())
	return cmd
}

func newItemSubmitCmd() *cobra.Command {
	var (
		addr        string
		title       string
		description string
		criteria    []string
		class       string
		priority    int
		dependsOn   []string
		repoOwner   string
		repoName    string
		cloneURL    string
		mode        string
		maxAttempts int
		costLimit   float64
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a work item for autonomous execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			if repoOwner == "" || repoName == "" {
				return fmt.Errorf("--owner and --repo are required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			item, err := c.SubmitItem(cmd.Context(), models.WorkItem{
				Title:              title,
				Description:        description,
				AcceptanceCriteria: criteria,
				CapabilityClass:    class,
				Priority:           priority,
				DependsOn:          dependsOn,
				RepoOwner:          repoOwner,
				RepoName:           repoName,
				CloneURL:           cloneURL,
				WorkspaceMode:      mode,
				MaxAttempts:        maxAttempts,
				CostLimitUSD:       costLimit,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (class %s, branch %s)\n", item.ID, item.CapabilityClass, git.BranchName(item.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&title, "title", "", "Work item title")
	cmd.Flags().StringVar(&description, "description", "", "Longer description of the change")
	cmd.Flags().StringSliceVar(&criteria, "criterion", nil, "Acceptance criterion (repeatable)")
	cmd.Flags().StringVar(&class, "class", "", "Capability class (default: routed from title/description)")
	cmd.Flags().IntVar(&priority, "priority", 1, "Priority (lower dispatches first)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Item IDs that must complete first")
	cmd.Flags().StringVar(&repoOwner, "owner", "", "Repository owner")
	cmd.Flags().StringVar(&repoName, "repo", "", "Repository name")
	cmd.Flags().StringVar(&cloneURL, "clone-url", "", "Clone URL (default: derived from owner/repo)")
	cmd.Flags().StringVar(&mode, "mode", "", "Workspace mode: shared, isolated, or copy_on_write")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget before escalation (0 = default)")
	cmd.Flags().Float64Var(&costLimit, "cost-limit", 0, "Dollar spend ceiling (0 = default)")
	return cmd
}

func newItemListCmd() *cobra.Command {
	var addr string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			items, err := c.ListItems(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No work items")
				return nil
			}
			for _, it := range items {
				line := fmt.Sprintf("%s  %-24s  %s", it.ID, it.Status, it.Title)
				if it.Workstation != "" {
					line += "  [" + it.Workstation + "]"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max items to list (0 = server default)")
	return cmd
}

func newItemGetCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a work item as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			item, err := c.GetItem(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Work item ID")
	return cmd
}

func newItemReportCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the live worker report for an item as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			report, err := c.GetReport(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Work item ID")
	return cmd
}

func newItemCancelCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a work item and release its workstation and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			item, err := c.CancelItem(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (status %s)\n", item.ID, item.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Work item ID")
	return cmd
}

func newItemUnblockCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Release an item held for human review back into the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			item, err := c.UnblockItem(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s (status %s)\n", item.ID, item.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Work item ID")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
