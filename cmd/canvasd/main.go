package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	roomFlag   string

	rootCmd = &cobra.Command{
		Use:           "canvasd",
		Short:         "Stroke ledger service for the collaborative canvas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				return os.Setenv("CANVAS_CONFIG_FILE", configFile)
			}
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ledger retry worker",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runMigrate,
	}
	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the cache from the durable store (all rooms unless --room is set)",
		RunE:  runRebuild,
	}

	retryCmd = &cobra.Command{
		Use:   "retry",
		Short: "Inspect and drain the ledger retry queue",
	}
	retryDrainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Retry queued ledger commits until the queue is empty or stops shrinking",
		RunE:  runRetryDrain,
	}
	retryStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the number of queued ledger commits",
		RunE:  runRetryStatus,
	}

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
	}
	ledgerVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check the digests of the git ledger (all rooms unless --room is set)",
		RunE:  runLedgerVerify,
	}

	importCmd = &cobra.Command{
		Use:   "import [file.jsonl]",
		Short: "Append records from a JSON-lines export, one document per line",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file; environment variables override it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(rebuildCmd)
	rebuildCmd.Flags().StringVar(&roomFlag, "room", "", "Room to rebuild")

	rootCmd.AddCommand(retryCmd)
	retryCmd.AddCommand(retryDrainCmd)
	retryCmd.AddCommand(retryStatusCmd)

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerVerifyCmd.Flags().StringVar(&roomFlag, "room", "", "Room to verify")

	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
