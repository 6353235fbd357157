package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var notificationsUnreadOnly bool

func init() {
	notificationsListCmd.Flags().BoolVarP(&notificationsUnreadOnly, "unread", "u", false, "show unread notifications only")
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification commands",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		notifs, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		shown := 0
		for _, n := range notifs {
			if notificationsUnreadOnly && n.Read {
				continue
			}
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s %s  [%s]  %s\n", marker, n.Timestamp.Local().Format("Jan 02 15:04"), n.Type, n.Message)
			shown++
		}
		if shown == 0 {
			fmt.Println("No notifications.")
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark one notification read, or all when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if len(args) == 1 {
			if err := client.Notifications.MarkRead(ctx, args[0]); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("Marked read.")
			return nil
		}
		if err := client.Notifications.MarkAllRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked all read.")
		return nil
	},
}
