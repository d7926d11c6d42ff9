package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyLimit int
	historyJSON  bool

	// send
	sendFile string
	sendJSON bool

	// close / archive
	statusReason string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultHistoryLimit, "Number of messages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file (uploaded first)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	closeCmd.Flags().StringVar(&statusReason, "reason", "", "Reason recorded with the status change")
	archiveCmd.Flags().StringVar(&statusReason, "reason", "", "Reason recorded with the status change")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, deleteCmd, closeCmd, archiveCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			kept := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					kept = append(kept, c)
				}
			}
			convs = kept
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Text
			}
			fmt.Printf("%-24s %-9s %3d unread  %s\n", c.ID, valueOrDefault(string(c.Status), "-"), c.UnreadCount, last)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		msgs, err := chatsync.NewHistoryLoader(client, logger, nil).Fetch(ctx, args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		session := newSession(cfg, client)
		for _, m := range msgs {
			fmt.Println(formatMessage(m, session.DisplayName(ctx, m.SenderID)))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		d := chatsync.Draft{ConversationID: args[0]}
		if len(args) == 2 {
			d.Body = args[1]
		}
		if sendFile != "" {
			f, err := readFile(sendFile)
			if err != nil {
				return err
			}
			d.File = &f
		}

		store := chatsync.NewStore(d.ConversationID)
		p := chatsync.NewSendPipeline(client, client, chatsync.SingleStore(store), cfg.Auth.UserID, logger, nil)
		msg, err := p.Send(ctx, d)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

func readFile(path string) (chatsync.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatsync.File{}, fmt.Errorf("cannot read file: %w", err)
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	return chatsync.File{Name: name, MimeType: mimeType, Data: data}, nil
}

// ============================================================================
// delete / close / archive
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <conversation-id>",
	Short: "Close a conversation (operators only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateStatus(args[0], chatsync.StatusClosed)
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation (operators only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateStatus(args[0], chatsync.StatusArchived)
	},
}

func updateStatus(conversationID string, state chatsync.ConversationStatus) error {
	cfg, client, _, err := setup()
	if err != nil {
		return err
	}
	if !cfg.Auth.Operator {
		return fmt.Errorf("%s %s: %w (set auth.operator to true)", state, conversationID, chatsync.ErrForbidden)
	}
	ctx, cancel := commandContext()
	defer cancel()

	conv, err := client.UpdateConversationStatus(ctx, conversationID, chatsync.StatusUpdate{State: state, Reason: statusReason})
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", valueOrDefault(conv.ID, conversationID), valueOrDefault(string(conv.Status), string(state)))
	return nil
}
