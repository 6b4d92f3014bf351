package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/api"
)

var rulesFlags struct {
	clientConfig
}

var rulesCmd = &cobra.Command{
	Use:   "rules <uid> <file.json|->",
	Short: "Replace a user's rules",
	Long: `Replace a user's keychains, downtime window and the global app manifest
from a JSON document. A flat "keys" list becomes one unscheduled keychain.
Delivering at least one key clears the user's exemption.`,
	Args: cobra.ExactArgs(2),
	RunE: runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)

	addClientFlags(rulesCmd, &rulesFlags.clientConfig)
}

func runRules(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	req, err := readRules(cmd.InOrStdin(), args[1])
	if err != nil {
		return err
	}

	c, err := rulesFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.SetUserRules(uid, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func readRules(stdin io.Reader, path string) (api.RulesRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return api.RulesRequest{}, err
		}
		defer f.Close()
		r = f
	}

	var req api.RulesRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return api.RulesRequest{}, fmt.Errorf("parse rules: %w", err)
	}
	return req, nil
}
