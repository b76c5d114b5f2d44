package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edupay/edupay/internal/daemon"
	"github.com/edupay/edupay/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect tuition ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show ENROLLMENT_ID",
	Short: "Show the ledger for an enrollment",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	ledger, err := db.GetLedger(context.Background(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ledger)
}
