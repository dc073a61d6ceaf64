package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	ministry "github.com/cptvargo/mens-ministry"
	"github.com/spf13/cobra"
)

var (
	notifyTitle string
	notifyBody  string
	notifyURL   string
	notifyTag   string
)

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyStatusCmd)
	notifyCmd.AddCommand(notifySendCmd)

	notifySendCmd.Flags().StringVar(&notifyTitle, "title", "", "Notification title")
	notifySendCmd.Flags().StringVar(&notifyBody, "body", "", "Notification body")
	notifySendCmd.Flags().StringVar(&notifyURL, "url", "/", "Target URL on click")
	notifySendCmd.Flags().StringVar(&notifyTag, "tag", "message-notification", "Collapse tag")
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification status and push delivery",
}

var notifyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notification support on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		bridge := ministry.NewBridge(ministry.UnsupportedPlatform{}, "")
		if bridge.Enabled() {
			fmt.Println("Notifications: enabled")
		} else {
			fmt.Println("Notifications: disabled (no notification platform in the terminal client; run 'ministry worker' to receive pushes)")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Push.ServerKey != "" {
			fmt.Println("Push server key: configured")
		} else {
			fmt.Println("Push server key: not set (ministry config set push.server_key <key>)")
		}
		return nil
	},
}

var notifySendCmd = &cobra.Command{
	Use:   "send <subscription-file>",
	Short: "Send a push through the relay",
	Long:  "Forward a notification payload to one device's push subscription, read as JSON from the given file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read subscription file: %w", err)
		}
		var sub ministry.PushSubscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("cannot parse subscription: %w", err)
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err = client.Push.Send(ctx, &sub, &ministry.PushPayload{
			Title: notifyTitle,
			Body:  notifyBody,
			URL:   notifyURL,
			Tag:   notifyTag,
		})
		if err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		fmt.Println("Push delivered to the relay.")
		return nil
	},
}
