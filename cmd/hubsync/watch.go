package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/hubsync"
)

var (
	watchJSON   bool
	sendTimeout time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON lines")
	sendCmd.Flags().DurationVar(&sendTimeout, "wait", 5*time.Second, "How long to wait for the message to come back over the stream")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream messages, notifications and connection status until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		hub.Connection().OnStatus(func(st hubsync.ConnectionStatus) {
			line := fmt.Sprintf("[%s]", st.State)
			if st.Attempt > 0 {
				line += fmt.Sprintf(" attempt %d", st.Attempt)
			}
			if st.Err != nil {
				line += " " + st.Err.Error()
			}
			fmt.Fprintln(os.Stderr, line)
		})
		hub.Router().OnMessage(func(m hubsync.Message) {
			printEvent(hubsync.EventNewMessage, m, fmt.Sprintf("%s  %s -> %s: %s",
				m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.ReceiverID, m.Content))
		})
		hub.Router().OnNotification(func(n hubsync.NotificationItem) {
			printEvent(hubsync.EventNotification, n, fmt.Sprintf("%s  [%s] %s: %s",
				n.CreatedAt.Local().Format(time.Kitchen), n.Type, n.Title, n.Body))
		})
		hub.OnReset(func() {
			fmt.Fprintln(os.Stderr, "Session ended.")
			stop()
		})

		s, err := resume(ctx, hub)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Watching as %s. Press Ctrl-C to stop.\n", s.Username)

		<-ctx.Done()
		return nil
	},
}

func printEvent(name string, v any, text string) {
	if !watchJSON {
		fmt.Println(text)
		return
	}
	data, _ := json.Marshal(map[string]any{"type": name, "payload": v})
	fmt.Println(string(data))
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text...>",
	Short: "Send a direct message and wait for it to be delivered",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second+sendTimeout)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := resume(ctx, hub); err != nil {
			return err
		}

		conv, err := hub.OpenConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot open conversation: %s", describeError(err))
		}
		defer conv.Close()

		content := strings.Join(args[1:], " ")
		before := len(conv.Messages())
		arrived := make(chan struct{}, 1)
		conv.Observe(func() {
			if len(conv.Messages()) > before {
				select {
				case arrived <- struct{}{}:
				default:
				}
			}
		})

		if err := conv.Send(ctx, content); err != nil {
			return fmt.Errorf("send failed: %s", describeError(err))
		}

		select {
		case <-arrived:
			fmt.Println("Delivered.")
		case <-time.After(sendTimeout):
			fmt.Println("Sent; delivery not confirmed yet.")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}
