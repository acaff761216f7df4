package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay, signer, spool and key state",
	RunE:  runStatus,
}

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Manage relay lists",
	RunE:  requireSubcommand,
}

var relaysPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the configured relay list (kind 10002) and DM relays (kind 10050)",
	RunE:  runRelaysPublish,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")

	relaysCmd.AddCommand(relaysPublishCmd)
	rootCmd.AddCommand(statusCmd, relaysCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	kp, err := s.keys.Get(ctx, s.account())
	if err != nil {
		return err
	}
	health := gtnostr.CheckHealth(s.pool, s.publisher, s.cfg, kp != nil)

	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), health)
	}
	fmt.Fprint(cmd.OutOrStdout(), gtnostr.FormatHealthStatus(health))
	return nil
}

func runRelaysPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := gtnostr.PublishRelayLists(ctx, s.publisher, s.cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d relays and %d DM relays.\n", len(s.cfg.AllRelays()), len(s.cfg.DMRelays))
	return nil
}
