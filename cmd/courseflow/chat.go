package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	courseflow "github.com/course-flow/courseflow-go"
	"github.com/spf13/cobra"
)

var chatNoHistory bool

func init() {
	chatCmd.Flags().BoolVar(&chatNoHistory, "no-history", false, "skip loading prior messages")
}

var chatCmd = &cobra.Command{
	Use:   "chat <course-id>",
	Short: "Join the live chat of a course",
	Long: "Open an interactive chat session for a course.\n" +
		"Incoming messages print as they arrive; type a line to send, /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID := args[0]
		client := getAuthedClient()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		session := client.Chat.Session(courseID, &courseflow.SessionConfig{
			SelfID:   cfg.Auth.UserID,
			SelfName: cfg.Auth.DisplayName,
		})
		defer session.Close()

		session.OnStateChange(func(state courseflow.SessionState, msg string) {
			if msg != "" {
				fmt.Printf("-- %s: %s\n", state, msg)
				return
			}
			fmt.Printf("-- %s\n", state)
		})
		session.OnMessage(func(m courseflow.ChatMessage) {
			if m.FromID == cfg.Auth.UserID {
				return
			}
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Sender, m.Text)
		})
		session.OnNotification(func(n courseflow.Notification) {
			fmt.Printf("-- notification: %s\n", n.Message)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if !chatNoHistory {
			if err := session.Hydrate(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not load history: %v\n", err)
			}
			for _, m := range session.Messages() {
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Sender, m.Text)
			}
		}
		if err := session.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("could not connect: %w", err)
		}
		cancel()

		// Close the session cleanly on Ctrl-C so the server sees a normal
		// closure instead of a dropped connection.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigs
			session.Close()
			os.Exit(0)
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := session.Send(sendCtx, line)
			sendCancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}
