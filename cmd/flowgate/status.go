package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	clientConfig
}

var statusCmd = &cobra.Command{
	Use:   "status [uid]",
	Short: "Show daemon or user state",
	Long: `Without arguments, show daemon status and per-app flow counters. With a
uid, show that user's keys, downtime, exemption and suspension.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	addClientFlags(statusCmd, &statusFlags.clientConfig)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := statusFlags.newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		summary, err := c.UserSummary(uid)
		if err != nil {
			return err
		}
		return printJSON(out, summary)
	}

	status, err := c.Status()
	if err != nil {
		return err
	}
	if err := printJSON(out, status); err != nil {
		return err
	}

	obs, err := c.Observations()
	if err != nil {
		return err
	}
	if len(obs.Observations) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-40s  %s\n", "BUNDLE ID", "FLOWS")
	for _, id := range slices.Sorted(maps.Keys(obs.Observations)) {
		fmt.Fprintf(out, "%-40s  %d\n", id, obs.Observations[id])
	}
	return nil
}
