package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	sendReplyTo string
	sendJSON    bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(readCmd)

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
}

// withEngine runs fn against a started engine with the conversation mounted
// and releases everything afterwards.
func withEngine(conversationID string, fn func(ctx context.Context, e *chatsync.Engine) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.Mount(ctx, conversationID); err != nil {
		return err
	}
	return fn(ctx, s.engine)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, content := args[0], strings.Join(args[1:], " ")
		return withEngine(conv, func(ctx context.Context, e *chatsync.Engine) error {
			msg, err := e.Send(ctx, conv, content, chatsync.SendOptions{ReplyToMessageID: sendReplyTo})
			if err != nil {
				return err
			}
			if sendJSON {
				out, _ := json.MarshalIndent(msg, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("Sent %s\n", msg.ID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <content>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, id, content := args[0], args[1], strings.Join(args[2:], " ")
		return withEngine(conv, func(ctx context.Context, e *chatsync.Engine) error {
			msg, err := e.Edit(ctx, id, content)
			if err != nil {
				return err
			}
			fmt.Printf("Edited %s: %s\n", msg.ID, msg.Content)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, id := args[0], args[1]
		return withEngine(conv, func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", id)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		return withEngine(conv, func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.MarkRead(ctx, conv); err != nil {
				return err
			}
			fmt.Printf("Marked %s as read\n", conv)
			return nil
		})
	},
}
