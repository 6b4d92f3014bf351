package main

import (
	"github.com/spf13/cobra"
)

var exemptFlags struct {
	clientConfig
	off bool
}

var exemptCmd = &cobra.Command{
	Use:   "exempt <uid>",
	Short: "Exempt a user from filtering",
	Args:  cobra.ExactArgs(1),
	RunE:  runExempt,
}

var streamFlags struct {
	clientConfig
	off bool
}

var streamCmd = &cobra.Command{
	Use:   "stream <uid>",
	Short: "Stream a user's blocked requests to listeners",
	Long: `Register a live listener for a user's blocked requests. The registration
lapses unless renewed within the daemon's stream TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var disconnectFlags struct {
	clientConfig
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <uid>",
	Short: "Remove every rule and override for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisconnect,
}

var heartbeatFlags struct {
	clientConfig
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Report companion liveness",
	Args:  cobra.NoArgs,
	RunE:  runHeartbeat,
}

func init() {
	rootCmd.AddCommand(exemptCmd, streamCmd, disconnectCmd, heartbeatCmd)

	addClientFlags(exemptCmd, &exemptFlags.clientConfig)
	exemptCmd.Flags().BoolVar(&exemptFlags.off, "off", false, "remove the exemption")
	addClientFlags(streamCmd, &streamFlags.clientConfig)
	streamCmd.Flags().BoolVar(&streamFlags.off, "off", false, "unregister the listener")
	addClientFlags(disconnectCmd, &disconnectFlags.clientConfig)
	addClientFlags(heartbeatCmd, &heartbeatFlags.clientConfig)
}

func runExempt(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	c, err := exemptFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.SetExemption(uid, !exemptFlags.off)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runStream(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	c, err := streamFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.SetStreaming(uid, !streamFlags.off)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	c, err := disconnectFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.Disconnect(uid)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	c, err := heartbeatFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.Heartbeat()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}
