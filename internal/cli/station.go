package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Inspect workstations",
	}
	cmd.AddCommand(newStationListCmd())
	cmd.AddCommand(newStationGetCmd())
	return cmd
}

func newStationListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workstations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			stations, err := c.ListStations(cmd.Context())
			if err != nil {
				return err
			}
			if len(stations) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No workstations")
				return nil
			}
			for _, s := range stations {
				line := fmt.Sprintf("%s  %-8s  class=%s served=%d", s.ID, s.Status, s.CapabilityClass, s.ItemsServed)
				if s.CurrentItem != "" {
					line += " item=" + s.CurrentItem
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	return cmd
}

func newStationGetCmd() *cobra.Command {
	var addr string
	var id string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a workstation as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd, addr)
			if err != nil {
				return err
			}
			station, err := c.GetStation(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, station)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: discovered from the running daemon)")
	cmd.Flags().StringVar(&id, "id", "", "Workstation ID")
	return cmd
}
