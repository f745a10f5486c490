package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	tradepost "github.com/tradepost-im/tradepost-go"
)

var watchOnlineUsers bool

func init() {
	watchCmd.Flags().BoolVar(&watchOnlineUsers, "online", false, "request the online-users list after connecting")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live message notifications",
	Long:  "Connect to the notification socket and print incoming messages, presence changes, and connection state transitions until interrupted. A background poll keeps the view consistent if pushes are missed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		inbox := client.NewInbox()
		inbox.OnChange(func() {
			fmt.Printf("-- %d messages, %d unread\n", inbox.Len(), inbox.UnreadCount())
		})

		rt, err := client.Realtime(tradepost.RealtimeConfig{
			OnMessage: func(m tradepost.Message) {
				if inbox.Add(m) {
					fmt.Printf("[%s] %s -> %s (listing %s): %s\n",
						m.CreatedAt.Format(time.Kitchen), m.SenderID, m.ReceiverID, m.ListingID, m.Body)
				}
			},
		})
		if err != nil {
			return err
		}
		rt.OnPresenceChange(func(p tradepost.PresenceChange) {
			fmt.Printf("** %s is %s\n", p.UserID, p.Status)
		})
		rt.OnOnlineUsersList(func(l tradepost.OnlineUsersList) {
			fmt.Printf("** %d online: %s\n", l.Count, strings.Join(l.OnlineUsers, ", "))
		})
		rt.OnStateChange(func(s tradepost.ConnectionState) {
			log.Info().Str("state", string(s)).Msg("connection state")
		})

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer rt.Disconnect()

		if watchOnlineUsers {
			if err := rt.RequestOnlineUsers(ctx); err != nil {
				log.Warn().Err(err).Msg("online-users request failed")
			}
		}

		syncer := tradepost.NewSyncer(client, inbox, &tradepost.SyncerOptions{
			PollInterval: pollInterval(cfg),
		})
		if err := syncer.Poll(ctx); err != nil {
			log.Warn().Err(err).Msg("initial poll failed")
		}
		syncer.Start()
		defer syncer.Stop()

		<-ctx.Done()
		fmt.Println("\nStopping.")
		return nil
	},
}
