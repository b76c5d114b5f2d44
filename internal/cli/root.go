// Package cli implements the edupayd command tree.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "edupayd",
	Short: "Tuition payment reconciliation daemon",
	Long: `edupayd consumes payment transaction events, reconciles them against
tuition ledgers, and emits confirmation or failure events. It also serves a
small HTTP API for ledger reads, administrative status changes, dead-letter
inspection, and synchronous payment notifications.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to the TOML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".edupay", "config.toml")
}
