package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/db"
	"github.com/rsclarke/flowgate/internal/persist"
)

var stateFlags struct {
	dbPath string
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair the saved filter state",
	Long: `These commands open the database directly. Stop the daemon first: a running
daemon overwrites the saved state on its next change.`,
}

var stateRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the filter state saved before the current one",
	Args:  cobra.NoArgs,
	RunE:  runStateRollback,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateRollbackCmd)

	stateCmd.PersistentFlags().StringVar(&stateFlags.dbPath, "db", getEnv("FLOWGATE_DB", "/var/lib/flowgate/flowgate.db"), "database path")
}

func runStateRollback(cmd *cobra.Command, args []string) error {
	database, err := db.Open(stateFlags.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	state, err := persist.NewStore(database, logger).Rollback()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Restored state: %d users with rules, %d exempt users\n",
		len(state.UserKeychains), len(state.ExemptUsers))
	return err
}
