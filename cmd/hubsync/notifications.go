package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	notificationsReadAll bool
	notificationsRead    []string
	notificationsJSON    bool
)

func init() {
	notificationsCmd.Flags().BoolVar(&notificationsReadAll, "read-all", false, "Mark every notification as read")
	notificationsCmd.Flags().StringSliceVar(&notificationsRead, "read", nil, "Mark the given notification ids as read")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := resume(ctx, hub); err != nil {
			return err
		}

		feed := hub.Notifications()
		if err := feed.Load(ctx); err != nil {
			return fmt.Errorf("cannot load notifications: %s", describeError(err))
		}

		switch {
		case notificationsReadAll:
			if err := feed.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("mark all read failed: %s", describeError(err))
			}
		case len(notificationsRead) > 0:
			if err := feed.MarkRead(ctx, notificationsRead...); err != nil {
				return fmt.Errorf("mark read failed: %s", describeError(err))
			}
		}

		items := feed.Items()
		if notificationsJSON {
			data, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		fmt.Printf("%d unread\n\n", feed.UnreadCount())
		for _, n := range items {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			fmt.Printf("%s %-24s %-12s %s\n", mark, n.ID, n.Type, n.Title)
			if n.Body != "" {
				fmt.Printf("  %s\n", n.Body)
			}
		}
		return nil
	},
}
