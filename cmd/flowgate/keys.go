package main

import (
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flowgate/internal/auth"
	"github.com/rsclarke/flowgate/internal/db"
)

var keysFlags struct {
	dbPath string
	label  string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage companion keys",
	Long: `Manage the bearer keys companions use to reach the daemon. These commands
open the database directly and must run on the managed machine.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a companion key and print it once",
	Args:  cobra.NoArgs,
	RunE:  runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companion keys",
	Args:  cobra.NoArgs,
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke a companion key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)

	keysCmd.PersistentFlags().StringVar(&keysFlags.dbPath, "db", getEnv("FLOWGATE_DB", "/var/lib/flowgate/flowgate.db"), "database path")
	keysCreateCmd.Flags().StringVar(&keysFlags.label, "label", "", "optional label for the key")
}

// ensureCompanionKey creates and prints a key when none is active.
func ensureCompanionKey(w io.Writer, database *sql.DB) error {
	count, err := db.CountCompanionKeys(database)
	if err != nil {
		return fmt.Errorf("count companion keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	display, err := createKey(database, "initial")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "=============================================================")
	fmt.Fprintln(w, "COMPANION KEY CREATED (save this, it will not be shown again):")
	fmt.Fprintln(w, display)
	fmt.Fprintln(w, "=============================================================")
	return nil
}

func createKey(database *sql.DB, label string) (string, error) {
	key, err := auth.GenerateCompanionKey()
	if err != nil {
		return "", fmt.Errorf("generate companion key: %w", err)
	}
	if _, err := db.CreateCompanionKey(database, key.Prefix, key.Hash, label); err != nil {
		return "", fmt.Errorf("create companion key: %w", err)
	}
	return key.Display, nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	database, err := db.Open(keysFlags.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	display, err := createKey(database, keysFlags.label)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), display)
	return err
}

func runKeysList(cmd *cobra.Command, args []string) error {
	database, err := db.Open(keysFlags.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	keys, err := db.ListCompanionKeys(database)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No companion keys found.")
		return nil
	}

	fmt.Fprintf(out, "%-12s  %-16s  %-19s  %-19s  %s\n", "PREFIX", "LABEL", "CREATED", "LAST USED", "STATUS")
	for _, k := range keys {
		lastUsed := "-"
		if k.LastUsedAt != nil {
			lastUsed = formatUnix(*k.LastUsedAt)
		}
		status := "active"
		if k.Revoked() {
			status = "revoked"
		}
		fmt.Fprintf(out, "%-12s  %-16s  %-19s  %-19s  %s\n", k.KeyPrefix, k.DisplayLabel(), formatUnix(k.CreatedAt), lastUsed, status)
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	database, err := db.Open(keysFlags.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	revoked, err := db.RevokeCompanionKey(database, args[0])
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("no active key with prefix %q", args[0])
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
	return err
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).Format("2006-01-02 15:04:05")
}
