package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/hubsync"
)

func init() {
	friendsCmd.AddCommand(friendsAcceptCmd)
	rootCmd.AddCommand(friendsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List pending friend requests",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		requests, err := hub.Client().Friends.Requests(ctx)
		if err != nil {
			return fmt.Errorf("cannot load friend requests: %s", describeError(err))
		}
		if len(requests) == 0 {
			fmt.Println("No pending friend requests.")
			return nil
		}
		for _, fr := range requests {
			fmt.Printf("%-24s %-20s %s\n", fr.ID, fr.From.Username, fr.CreatedAt.Format("2006-01-02"))
		}
		return nil
	}),
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		if err := hub.Client().Friends.Accept(ctx, args[0]); err != nil {
			return fmt.Errorf("cannot accept friend request: %s", describeError(err))
		}
		fmt.Printf("Friend request %s accepted.\n", args[0])
		return nil
	}),
}
