package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ministry "github.com/cptvargo/mens-ministry"
	"github.com/spf13/cobra"
)

var (
	eventsAll   bool
	eventsWatch bool
	rsvpStatus  string
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsRSVPCmd)
	eventsCmd.AddCommand(eventsWhoCmd)

	eventsListCmd.Flags().BoolVar(&eventsAll, "all", false, "Include past events")
	eventsListCmd.Flags().BoolVar(&eventsWatch, "watch", false, "Keep watching and reprint when the list changes")
	eventsRSVPCmd.Flags().StringVar(&rsvpStatus, "status", "attending", "attending or not_attending")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse and RSVP to ministry events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upcoming events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		if eventsWatch {
			return watchEvents(client)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		events, err := client.Events.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printEvents(events)
		return nil
	},
}

func printEvents(events []ministry.Event) {
	if !eventsAll {
		events = ministry.UpcomingEvents(events, time.Now(), 0)
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, e := range events {
		fmt.Printf("%s  %s  %s\n", e.ID, e.Date.Format("Jan 2, 2006"), e.Title)
		if e.Description != "" {
			fmt.Printf("    %s\n", e.Description)
		}
	}
}

// watchEvents reprints the list whenever the events table changes, over the
// realtime feed when available and 3s polling otherwise.
func watchEvents(client *ministry.Client) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &ministry.EventsSyncOptions{}
	feed := ministry.NewFeedClient(client.BaseURL(), client.APIKey(), nil)
	if err := feed.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Realtime feed unavailable (%v), polling instead.\n", err)
	} else {
		defer feed.Disconnect()
		opts.Feed = feed
	}

	var events *ministry.EventsSync
	opts.OnChange = func() {
		fmt.Println("---")
		printEvents(events.Events())
	}
	events = ministry.NewEventsSync(client, opts)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	defer events.Stop()

	<-ctx.Done()
	return nil
}

var eventsRSVPCmd = &cobra.Command{
	Use:   "rsvp <event-id>",
	Short: "RSVP to an event",
	Long:  "Record your attendance for an event. Repeating with a different --status changes your answer; there is never more than one answer per device.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := ministry.AttendanceStatus(rsvpStatus)
		if !status.Valid() {
			return fmt.Errorf("invalid status %q (valid: attending, not_attending)", rsvpStatus)
		}

		client := getClient()
		_, profile := getProfile()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sync := ministry.NewAttendanceSync(client, args[0], profile.ID, nil)
		if err := sync.Start(ctx); err != nil {
			return fmt.Errorf("failed to load attendance: %w", err)
		}
		defer sync.Stop()

		if err := sync.Update(ctx, status); err != nil {
			return fmt.Errorf("rsvp failed: %w", err)
		}

		attending, notAttending := sync.Counts()
		fmt.Printf("RSVP recorded: %s\n", status)
		fmt.Printf("Attending: %d  Not attending: %d\n", attending, notAttending)
		return nil
	},
}

var eventsWhoCmd = &cobra.Command{
	Use:   "who <event-id>",
	Short: "Show who is attending an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		records, err := client.Attendance.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No responses yet.")
			return nil
		}

		for _, r := range records {
			marker := "-"
			if r.Status == ministry.StatusAttending {
				marker = "+"
			}
			fmt.Printf("%s %s\n", marker, r.DisplayName())
		}
		return nil
	},
}
