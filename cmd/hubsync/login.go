package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/hubsync"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("cannot read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		s, err := hub.Login(ctx, args[0], password)
		if err != nil {
			if errors.Is(err, hubsync.ErrUnauthorized) {
				return fmt.Errorf("wrong username or password")
			}
			return fmt.Errorf("login failed: %s", describeError(err))
		}

		fmt.Printf("Logged in as %s (%s)\n", s.Username, s.UserID)
		if !s.ExpiresAt.IsZero() {
			fmt.Printf("Session expires %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := hub.Resume(ctx); err != nil {
			fmt.Println("Not logged in.")
			return nil
		}
		hub.Logout(ctx)
		fmt.Println("Logged out.")
		return nil
	},
}
