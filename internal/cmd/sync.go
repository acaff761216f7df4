package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chebizarro/nostrdm/internal/keysync"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

var (
	syncRequestTimeout time.Duration
	syncClientName     string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Move the DM encryption key between devices",
	Long: `Move the DM encryption key between devices of the same account.

Run "nostrdm sync listen" on the device that has the key, then
"nostrdm sync request" on the new device and approve the prompt.`,
	RunE: requireSubcommand,
}

var syncRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask another device of this account for the encryption key",
	RunE:  runSyncRequest,
}

var syncListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Answer key sync requests from other devices",
	RunE:  runSyncListen,
}

var syncDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices this device has granted the key to",
	RunE:  runSyncDevices,
}

func init() {
	syncRequestCmd.Flags().DurationVar(&syncRequestTimeout, "timeout", 5*time.Minute, "How long to wait for approval")
	syncRequestCmd.Flags().StringVar(&syncClientName, "name", "", "Device name shown on the other device (default client_name)")

	syncCmd.AddCommand(syncRequestCmd, syncListenCmd, syncDevicesCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSyncRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	name := syncClientName
	if name == "" {
		name = s.cfg.ClientName
	}
	secondary := keysync.NewSecondary(keysync.SecondaryConfig{
		Account:    s.account(),
		Signer:     s.signer,
		Relays:     s.pool,
		Keys:       s.keys,
		ClientName: name,
	})
	defer secondary.Cancel()

	req, err := secondary.Request(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sent key sync request %s as %q. Approve it on your other device.\n", gtnostr.ShortKey(req.ID), name)

	waitCtx, stop := context.WithTimeout(ctx, syncRequestTimeout)
	defer stop()
	kp, err := secondary.Await(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no answer within %s", syncRequestTimeout)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Received encryption key %s.\n", gtnostr.ShortKey(kp.PublicKey))
	return nil
}

func runSyncListen(cmd *cobra.Command, args []string) error {
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
	if kp == nil {
		return fmt.Errorf("this device has no encryption key to share")
	}

	requests := make(chan keysync.Request, 16)
	unsub := s.dm.OnSyncRequest(func(req keysync.Request) {
		select {
		case requests <- req:
		default:
		}
	})
	defer unsub()
	if err := s.primary.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	answers := readLines(ctx)
	fmt.Fprintln(out, "Waiting for key sync requests (Ctrl-C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-requests:
			if pending := s.primary.Pending(); pending == nil || pending.ID != req.ID {
				continue
			}
			fmt.Fprintf(out, "Device %q (%s) asks for the encryption key. Grant? [y/N] ",
				req.ClientName, gtnostr.ShortKey(req.ClientPubkey))

			var answer string
			select {
			case <-ctx.Done():
				return nil
			case answer = <-answers:
			}
			if !isYes(answer) {
				s.primary.Dismiss(req.ID)
				fmt.Fprintln(out, "Dismissed.")
				continue
			}
			if err := s.primary.Grant(ctx, req.ID); err != nil {
				fmt.Fprintf(out, "Grant failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "Key sent to %q.\n", req.ClientName)
		}
	}
}

// readLines delivers stdin lines until ctx ends or stdin closes.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func runSyncDevices(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	devices := s.registry.All()
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices have been granted the key from here.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCLIENT KEY\tGRANTED\tREQUEST")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ClientName, gtnostr.ShortKey(d.ClientPubkey),
			d.GrantedAt.Local().Format(time.DateTime), gtnostr.ShortKey(d.RequestID))
	}
	return tw.Flush()
}
