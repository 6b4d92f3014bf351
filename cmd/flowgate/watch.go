package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/events"
)

var watchFlags struct {
	clientConfig
	jsonOut bool
}

var watchCmd = &cobra.Command{
	Use:   "watch [uid]",
	Short: "Tail blocked requests and suspension endings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addClientFlags(watchCmd, &watchFlags.clientConfig)
	watchCmd.Flags().BoolVar(&watchFlags.jsonOut, "json", false, "print raw envelopes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	var uid *uint32
	if len(args) == 1 {
		u, err := parseUID(args[0])
		if err != nil {
			return err
		}
		uid = &u
	}
	c, err := watchFlags.newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = c.Watch(ctx, uid, func(env events.Envelope) error {
		if watchFlags.jsonOut {
			return printJSON(out, env)
		}
		_, err := fmt.Fprintln(out, formatEnvelope(env))
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatEnvelope(env events.Envelope) string {
	ts := env.Time.Local().Format(time.TimeOnly)
	switch env.Kind {
	case events.KindBlockedRequest:
		target := "-"
		if env.Request != nil {
			switch {
			case env.Request.URL != "":
				target = env.Request.URL
			case env.Request.Hostname != "":
				target = env.Request.Hostname
			case env.Request.IPAddress != "":
				target = env.Request.IPAddress
			}
			return fmt.Sprintf("%s  uid=%d  blocked  %s  %s", ts, env.UserID, env.Request.App, target)
		}
		return fmt.Sprintf("%s  uid=%d  blocked  %s", ts, env.UserID, target)
	case events.KindSuspensionEnded:
		return fmt.Sprintf("%s  uid=%d  suspension ended", ts, env.UserID)
	default:
		return fmt.Sprintf("%s  uid=%d  %s", ts, env.UserID, env.Kind)
	}
}
