package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and check the server",
	Long:  "Display the effective configuration and fetch the conversation list to verify the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Actor ID:   %s\n", valueOrDefault(cfg.Default.ActorID, "(not set)"))
		fmt.Printf("  Token:      %s\n", valueOrDefault(maskKey(cfg.Default.Token), "(not set)"))
		fmt.Printf("  Transport:  %s\n", valueOrDefault(cfg.Feed.Transport, "ws"))
		if cfg.Feed.Transport == "redis" {
			fmt.Printf("  Redis URL:  %s\n", valueOrDefault(cfg.Feed.RedisURL, "(not set)"))
		}

		if cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		list, err := getClient(cfg).ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		if statusJSON {
			out, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(out))
			return nil
		}

		unread := 0
		for _, c := range append(list.Direct, list.Groups...) {
			unread += c.UnreadCount
		}
		fmt.Printf("  Latency:    %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Direct:     %d\n", len(list.Direct))
		fmt.Printf("  Groups:     %d\n", len(list.Groups))
		fmt.Printf("  Unread:     %d\n", unread)
		return nil
	},
}
