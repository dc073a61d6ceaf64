package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ministry "github.com/cptvargo/mens-ministry"
	"github.com/spf13/cobra"
)

var workerAddr string

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerAddr, "addr", "127.0.0.1:8477", "Listen address for the push receiver")
}

// terminalSink prints notifications to stdout. Clicks have no app surface to
// focus from a terminal, so FocusOrOpen just reports the target.
type terminalSink struct{}

func (terminalSink) ShowNotification(_ context.Context, n *ministry.Notification) error {
	fmt.Printf("\a[%s] %s: %s\n", n.Tag, n.Title, n.Body)
	return nil
}

func (terminalSink) FocusOrOpen(_ context.Context, url string) error {
	fmt.Printf("open %s\n", url)
	return nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the push notification worker",
	Long:  "Listen for pushed payloads and surface each as a notification. Intended to run in the background, independent of any chat session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		worker := ministry.NewPushWorker(terminalSink{})

		mux := http.NewServeMux()
		mux.Handle("/push", worker.HTTPHandler())

		srv := &http.Server{Addr: workerAddr, Handler: mux}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		fmt.Printf("Push worker listening on %s\n", workerAddr)

		select {
		case err := <-errc:
			return fmt.Errorf("worker stopped: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}
