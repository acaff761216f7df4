package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"fiatjaf.com/nostr"
	"github.com/spf13/cobra"

	"github.com/chebizarro/nostrdm/internal/dm"
	"github.com/chebizarro/nostrdm/internal/keysync"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

var (
	sendReplyTo string
	inboxJSON   bool
	readMark    bool
	readJSON    bool
)

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <message...>",
	Short: "Send an encrypted direct message",
	Long: `Send an encrypted direct message to a pubkey (hex or npub).

The recipient must have announced a DM encryption key. Your own key is
created and announced on first use.

Examples:
  nostrdm send npub1... "hello"
  nostrdm send npub1... --reply-to 3fa2 "sounds good"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations, most recent first",
	RunE:  runInbox,
}

var readCmd = &cobra.Command{
	Use:   "read <counterparty>",
	Short: "Show the conversation with a pubkey",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream incoming messages until interrupted",
	RunE:  runListen,
}

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id (or id prefix) of the message being answered")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output as JSON")
	readCmd.Flags().BoolVar(&readMark, "mark", false, "Mark the conversation as read")
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(sendCmd, inboxCmd, readCmd, listenCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	recipient, err := gtnostr.ParsePubKey(args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var reply *dm.ReplyRef
	if sendReplyTo != "" {
		history, err := s.dm.Messages(ctx, s.account(), recipient)
		if err != nil {
			return err
		}
		target, err := findMessage(history, sendReplyTo)
		if err != nil {
			return err
		}
		reply = dm.NewReplyRef(target)
	}

	msg, err := s.dm.SendMessage(ctx, s.account(), recipient, text, reply)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", gtnostr.ShortKey(msg.ID), gtnostr.ShortKey(recipient))
	return nil
}

func findMessage(history []dm.Message, prefix string) (dm.Message, error) {
	var found []dm.Message
	for _, m := range history {
		if strings.HasPrefix(m.ID, prefix) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return dm.Message{}, fmt.Errorf("no message with id %q in this conversation", prefix)
	case 1:
		return found[0], nil
	default:
		return dm.Message{}, fmt.Errorf("id prefix %q is ambiguous (%d matches)", prefix, len(found))
	}
}

func runInbox(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	convs, err := s.dm.GetConversations(ctx, s.account())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if inboxJSON {
		return writeJSON(out, convs)
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WITH\tLAST\tUNREAD\tMESSAGE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Key, formatTime(c.LastMessageAt), c.Unread, preview(c.LastMessage))
	}
	return tw.Flush()
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	peer, err := gtnostr.ParsePubKey(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	msgs, err := s.dm.Messages(ctx, s.account(), peer)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if readJSON {
		if err := writeJSON(out, msgs); err != nil {
			return err
		}
	} else {
		for _, m := range msgs {
			printMessage(out, s.account(), m)
		}
	}

	if readMark && len(msgs) > 0 {
		return s.dm.MarkRead(ctx, s.account(), peer, msgs[len(msgs)-1].CreatedAt)
	}
	return nil
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	unsubSync := s.dm.OnSyncRequest(func(req keysync.Request) {
		fmt.Fprintf(out, "Key sync requested by %q; run \"nostrdm sync listen\" to answer.\n", req.ClientName)
	})
	defer unsubSync()
	if err := s.primary.Start(ctx); err != nil {
		return err
	}

	unsub, err := s.dm.SubscribeToMessages(ctx, s.account(), nil, func(batch []dm.Message) {
		for _, m := range batch {
			printMessage(out, s.account(), m)
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	fmt.Fprintln(out, "Listening for messages (Ctrl-C to stop)...")
	<-ctx.Done()
	return nil
}

func printMessage(w io.Writer, account string, m dm.Message) {
	direction := "<"
	if m.Sender == account {
		direction = ">"
	}
	fmt.Fprintf(w, "%s %s %s %s\n", formatTime(m.CreatedAt), direction, gtnostr.ShortKey(m.Counterparty(account)), m.Content)
	if m.ReplyTo != nil {
		fmt.Fprintf(w, "    re %s: %s\n", gtnostr.ShortKey(m.ReplyTo.ID), m.ReplyTo.Snippet)
	}
}

func formatTime(ts nostr.Timestamp) string {
	return time.Unix(int64(ts), 0).Local().Format(time.DateTime)
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
