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
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, the stored session, and live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Storage:    %s\n", valueOrDefault(cfg.Storage.Backend, "sqlite"))
		fmt.Printf("  Transport:  %s\n", valueOrDefault(cfg.Realtime.Transport, "websocket"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		fmt.Println()
		fmt.Println("Cart:")
		fmt.Printf("  Items:      %d\n", hub.Cart().TotalItems())
		fmt.Printf("  Total:      %d\n", hub.Cart().TotalPrice())

		fmt.Println()
		fmt.Println("Session:")
		s, err := hub.Resume(ctx)
		if err != nil {
			fmt.Printf("  (none: %v)\n", err)
			return nil
		}
		fmt.Printf("  Username:   %s\n", s.Username)
		fmt.Printf("  User ID:    %s\n", s.UserID)
		if s.ExpiresAt.IsZero() {
			fmt.Println("  Expires:    (no expiry)")
		} else {
			fmt.Printf("  Expires:    %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
		}

		fmt.Println()
		fmt.Println("Live status:")
		feed, inbox := hub.Notifications(), hub.Inbox()
		if err := feed.Load(ctx); err != nil {
			fmt.Printf("  Notifications: error: %s\n", describeError(err))
		} else {
			fmt.Printf("  Notifications: %d unread of %d\n", feed.UnreadCount(), len(feed.Items()))
		}
		if err := inbox.Load(ctx); err != nil {
			fmt.Printf("  Messages:      error: %s\n", describeError(err))
		} else {
			fmt.Printf("  Messages:      %d unread in %d conversations\n", inbox.TotalUnread(), len(inbox.Items()))
		}
		return nil
	},
}
