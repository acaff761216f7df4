// Package cmd implements the nostrdm command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chebizarro/nostrdm/internal/log"
)

var (
	verbose    bool
	configPath string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "nostrdm",
	Short: "Encrypted Nostr direct messages with multi-device key sync",
	Long: `nostrdm sends and reads NIP-44 encrypted direct messages over Nostr relays.

Messages are encrypted with a dedicated DM encryption key, separate from the
identity key. The key is announced on relays (kind 10044) and can be moved to
another device with "nostrdm sync".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $NOSTRDM_CONFIG or <data-dir>/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.nostrdm)")
}

// Execute runs the root command.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\n%s", cmd.UsageString())
	}
	return fmt.Errorf("unknown command %q for %q\n\n%s", args[0], cmd.CommandPath(), cmd.UsageString())
}
