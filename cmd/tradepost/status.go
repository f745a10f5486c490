package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and conversation summary",
	Long:  "Display the current configuration and, if a user is configured, fetch the message list and print a per-conversation unread summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Poll interval: %s\n", pollInterval(cfg))
		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID: %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		switch {
		case cfg.Auth.Token != "":
			fmt.Printf("  Token:   %s\n", maskToken(cfg.Auth.Token))
		case cfg.Auth.TokenFile != "":
			fmt.Printf("  Token:   from file %s\n", cfg.Auth.TokenFile)
		default:
			fmt.Println("  Token:   (not set)")
		}

		if cfg.Auth.UserID == "" {
			return nil
		}

		// Live summary via one poll.
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Messages(ctx)
		if err != nil {
			fmt.Printf("\nError fetching messages: %v\n", err)
			return nil
		}

		inbox := client.NewInbox()
		inbox.MergePoll(msgs)

		fmt.Println()
		fmt.Printf("Messages: %d total, %d unread\n", inbox.Len(), inbox.UnreadCount())
		for _, conv := range inbox.Conversations() {
			marker := " "
			if conv.UnreadCount > 0 {
				marker = "*"
			}
			fmt.Printf("%s %s / listing %s  (%d messages, %d unread)  last: %s\n",
				marker, conv.Key.OtherUserID, conv.Key.ListingID,
				len(conv.Messages), conv.UnreadCount,
				conv.LastMessage.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a credential.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
