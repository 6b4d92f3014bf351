package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/client"
)

const defaultListen = "unix:///var/run/flowgate.sock"

type clientConfig struct {
	apiKey string
	addr   string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("FLOWGATE_API_KEY"), "companion key for authentication")
	cmd.Flags().StringVar(&cfg.addr, "addr", getEnv("FLOWGATE_LISTEN", defaultListen), "daemon address (unix:///path or tcp://host:port)")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("companion key required (use --api-key flag or FLOWGATE_API_KEY env var)")
	}
	return client.NewClient(cfg.addr, cfg.apiKey)
}
