package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ministry "github.com/cptvargo/mens-ministry"
	"github.com/spf13/cobra"
)

var chatPoll bool

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVar(&chatPoll, "poll", false, "Use polling instead of the realtime feed")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, room := range ministry.Rooms {
			fmt.Printf("%-20s %s\n", room.ID, room.Description)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Join a chat room",
	Long:  "Tail a room's messages and send lines typed on stdin. Ctrl-D or Ctrl-C leaves the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, ok := ministry.RoomByID(args[0])
		if !ok {
			return fmt.Errorf("unknown room %q (run 'ministry rooms' to list them)", args[0])
		}

		client := getClient()
		_, profile := getProfile()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := &ministry.RoomSyncOptions{
			OptimisticEcho: true,
			OnAppend: func(m ministry.Message) {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName(), m.Content)
			},
		}
		if chatPoll {
			opts.Strategy = ministry.StrategyPolling
		} else {
			feed := ministry.NewFeedClient(client.BaseURL(), client.APIKey(), nil)
			if err := feed.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Realtime feed unavailable (%v), polling instead.\n", err)
				opts.Strategy = ministry.StrategyPolling
			} else {
				defer feed.Disconnect()
				opts.Feed = feed
			}
		}

		sync := ministry.NewRoomSync(client, room.ID, opts)
		if err := sync.Start(ctx); err != nil {
			return fmt.Errorf("failed to join room: %w", err)
		}
		defer sync.Stop()

		for _, m := range sync.Messages() {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName(), m.Content)
		}
		fmt.Printf("-- %s -- type a message and press enter --\n", room.Name)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := sync.Send(ctx, profile.ID, profile.Name, profile.Avatar, line); err != nil {
					fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				}
			}
		}
	},
}
