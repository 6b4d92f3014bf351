package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/rules"
)

var suspendFlags struct {
	clientConfig
	scope string
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <uid> <duration>",
	Short: "Suspend a user's filter temporarily",
	Long: `Suspend a user's filter for a duration such as 10m or 1h30m. Suspending
an already suspended user extends the suspension from its current expiry.

Scopes:
  unrestricted       every app (default)
  webBrowsers        web browsers only
  single:<app>       one app, by manifest slug or bundle id`,
	Args: cobra.ExactArgs(2),
	RunE: runSuspend,
}

var unsuspendFlags struct {
	clientConfig
}

var unsuspendCmd = &cobra.Command{
	Use:   "unsuspend <uid>",
	Short: "End a user's filter suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnsuspend,
}

func init() {
	rootCmd.AddCommand(suspendCmd, unsuspendCmd)

	addClientFlags(suspendCmd, &suspendFlags.clientConfig)
	suspendCmd.Flags().StringVar(&suspendFlags.scope, "scope", "unrestricted", "apps the suspension applies to")
	addClientFlags(unsuspendCmd, &unsuspendFlags.clientConfig)
}

func parseScope(s string) (rules.Scope, error) {
	switch {
	case s == "" || s == "unrestricted":
		return rules.Unrestricted{}, nil
	case s == "webBrowsers":
		return rules.WebBrowsers{}, nil
	case strings.HasPrefix(s, "single:"):
		id := strings.TrimPrefix(s, "single:")
		if id == "" {
			return nil, fmt.Errorf("scope %q names no app", s)
		}
		return rules.SingleApp{Identifier: id}, nil
	default:
		return nil, fmt.Errorf("unknown scope %q", s)
	}
}

func runSuspend(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	d, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	scope, err := parseScope(suspendFlags.scope)
	if err != nil {
		return err
	}

	c, err := suspendFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.Suspend(uid, d, scope)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runUnsuspend(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	c, err := unsuspendFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.EndSuspension(uid)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}
