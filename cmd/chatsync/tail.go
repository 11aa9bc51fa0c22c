package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	tailHistory     int
	tailInteractive bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().IntVar(&tailHistory, "history", 20, "Number of recent messages to print on start")
	tailCmd.Flags().BoolVarP(&tailInteractive, "interactive", "i", false, "Send each line read from stdin")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Mount a conversation, print its recent history, then print changes as they arrive until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		s, err := newSession(startCtx)
		if err != nil {
			cancel()
			return err
		}
		defer s.Close()

		err = s.engine.Mount(startCtx, conv)
		cancel()
		if err != nil {
			return err
		}

		msgs := s.engine.Messages(conv)
		if tailHistory >= 0 && len(msgs) > tailHistory {
			msgs = msgs[len(msgs)-tailHistory:]
		}
		for _, m := range msgs {
			printMessage(s.engine, m)
		}

		s.engine.ObserveTimeline(func(c chatsync.TimelineChange) {
			if c.ConversationID != conv || c.Message == nil {
				return
			}
			switch c.Kind {
			case chatsync.ChangeInserted:
				printMessage(s.engine, *c.Message)
			case chatsync.ChangeReplaced:
				if c.Message.IsDeleted || c.PreviousID == c.Message.ID {
					return
				}
				fmt.Printf("  ✓ %s delivered as %s\n", c.PreviousID, c.Message.ID)
			case chatsync.ChangeUpdated:
				if c.Message.IsDeleted {
					fmt.Printf("  ✗ %s deleted\n", c.Message.ID)
				} else if c.Message.IsEdited {
					fmt.Printf("  ✎ %s edited: %s\n", c.Message.ID, c.Message.Content)
				}
			}
		})
		s.engine.ObserveTyping(func(c chatsync.TypingChange) {
			if c.ConversationID != conv || len(c.UserIDs) == 0 {
				return
			}
			fmt.Printf("  … %s typing\n", strings.Join(c.UserIDs, ", "))
		})
		s.engine.OnFailure(func(f *chatsync.Failure) {
			fmt.Fprintf(os.Stderr, "  ! %s failed (%s): %v\n", f.Op, f.Kind, f.Err)
		})

		stale := make(chan chatsync.Scope, 1)
		s.engine.OnStale(func(scope chatsync.Scope) {
			select {
			case stale <- scope:
			default:
			}
		})

		lines := make(chan string)
		if tailInteractive {
			go readLines(ctx, lines)
		}
		input := s.engine.TypingInput(ctx, conv)
		defer input.Blur()

		fmt.Fprintf(os.Stderr, "Following %s (Ctrl-C to stop)\n", conv)
		for {
			select {
			case <-ctx.Done():
				return nil
			case scope := <-stale:
				s.logger.Warn("feed went stale, reloading", "scope", scope.String())
				rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
				if _, err := s.engine.LoadPage(rctx, conv, ""); err != nil && !errors.Is(err, chatsync.ErrSuperseded) {
					s.logger.Error("reload failed", "err", err)
				}
				rcancel()
			case line := <-lines:
				input.Change(line)
				sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
				_, err := s.engine.Send(sctx, conv, line, chatsync.SendOptions{})
				scancel()
				input.Sent()
				if err != nil {
					s.logger.Error("send failed", "err", err)
				}
			}
		}
	},
}

func readLines(ctx context.Context, out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func printMessage(e *chatsync.Engine, m chatsync.Message) {
	who := m.SenderID
	if m.Sender != nil && m.Sender.DisplayName != "" {
		who = m.Sender.DisplayName
	} else if s, ok := e.Sender(m.SenderID); ok && s.DisplayName != "" {
		who = s.DisplayName
	}
	content := m.Content
	switch {
	case m.IsDeleted:
		content = "(deleted)"
	case m.IsEdited:
		content += " (edited)"
	}
	marker := ""
	if m.Pending() {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, content, marker)
}
