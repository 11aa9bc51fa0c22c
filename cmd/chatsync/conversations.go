package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var conversationsJSON bool

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := getClient(cfg).ListConversations(ctx)
		if err != nil {
			return err
		}
		if conversationsJSON {
			out, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(out))
			return nil
		}

		printBucket("Direct", list.Direct)
		printBucket("Groups", list.Groups)
		return nil
	},
}

func printBucket(title string, convs []chatsync.Conversation) {
	fmt.Printf("%s (%d):\n", title, len(convs))
	if len(convs) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, c := range convs {
		name := valueOrDefault(c.Title, c.ID)
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
		}
		fmt.Printf("  %-24s %s%s\n", name, truncate(c.LastMessagePreview, 48), unread)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
