package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

var keysResetYes bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the DM encryption key",
	RunE:  requireSubcommand,
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the local DM encryption pubkey",
	RunE:  runKeysShow,
}

var keysResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the DM encryption key and announce the new one",
	Long: `Replace the DM encryption key and announce the new one.

Messages encrypted to the old key can no longer be read, on this device or
any device the old key was synced to.`,
	RunE: runKeysReset,
}

var supportCmd = &cobra.Command{
	Use:   "support <pubkey>",
	Short: "Check whether a pubkey can receive direct messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSupport,
}

func init() {
	keysResetCmd.Flags().BoolVar(&keysResetYes, "yes", false, "Confirm that old messages become unreadable")

	keysCmd.AddCommand(keysShowCmd, keysResetCmd)
	rootCmd.AddCommand(keysCmd, supportCmd)
}

func runKeysShow(cmd *cobra.Command, args []string) error {
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
	out := cmd.OutOrStdout()
	if kp == nil {
		fmt.Fprintln(out, "No encryption key on this device. Send a message to create one, or run \"nostrdm sync request\".")
		return nil
	}
	fmt.Fprintf(out, "Account:        %s\n", s.account())
	fmt.Fprintf(out, "Encryption key: %s\n", kp.PublicKey)
	fmt.Fprintf(out, "Created:        %s\n", kp.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func runKeysReset(cmd *cobra.Command, args []string) error {
	if !keysResetYes {
		return fmt.Errorf("resetting makes existing messages unreadable; re-run with --yes")
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	kp, err := s.dm.ResetEncryptionKey(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "New encryption key %s announced.\n", gtnostr.ShortKey(kp.PublicKey))
	return nil
}

func runSupport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	pubkey, err := gtnostr.ParsePubKey(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	support, err := s.dm.CheckDMSupport(ctx, pubkey)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DM relays:      %s\n", yesNo(support.HasDMRelays))
	fmt.Fprintf(out, "Encryption key: %s\n", yesNo(support.HasEncryptionKey))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
