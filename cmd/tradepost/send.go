package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <receiver-id> <listing-id> <body...>",
	Short: "Send a message about a listing",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, listingID := args[0], args[1]
		body := strings.Join(args[2:], " ")

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, receiverID, listingID, body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent message %s to %s (listing %s) at %s\n",
			msg.ID, msg.ReceiverID, msg.ListingID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}
