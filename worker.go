package ministry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"
)

// Defaults for push payloads that omit fields. A plain-text push still
// surfaces as a notification with these filled in.
const (
	defaultPushTitle = "Men's Ministry Connect"
	defaultPushBody  = "You have a new message"
	defaultPushURL   = "/"
	defaultPushTag   = "message-notification"
)

// ParsePushPayload decodes a raw push body into a notification. Payloads are
// JSON with optional title, body, url and tag fields; a body that is not
// valid JSON is treated as plain text and becomes the notification body.
// Parsing never fails.
func ParsePushPayload(body []byte) *Notification {
	n := &Notification{
		Title: defaultPushTitle,
		Body:  defaultPushBody,
		URL:   defaultPushURL,
		Tag:   defaultPushTag,
	}

	var payload PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			n.Body = text
		}
		return n
	}

	if payload.Title != "" {
		n.Title = payload.Title
	}
	if payload.Body != "" {
		n.Body = payload.Body
	}
	if payload.URL != "" {
		n.URL = payload.URL
	}
	if payload.Tag != "" {
		n.Tag = payload.Tag
	}
	return n
}

// NotificationSink is where the worker surfaces notifications and routes
// clicks. FocusOrOpen brings an existing app surface for url to the
// foreground, or opens a new one when none exists.
type NotificationSink interface {
	ShowNotification(ctx context.Context, n *Notification) error
	FocusOrOpen(ctx context.Context, url string) error
}

// PushWorker is the background half of the notification pipeline: it decodes
// incoming push payloads into notifications and routes notification clicks
// back into the app. It runs without the app open.
type PushWorker struct {
	sink NotificationSink
}

// NewPushWorker creates a worker delivering to sink.
func NewPushWorker(sink NotificationSink) *PushWorker {
	return &PushWorker{sink: sink}
}

// HandlePush decodes a push body and surfaces it as a notification.
func (w *PushWorker) HandlePush(ctx context.Context, body []byte) error {
	return w.sink.ShowNotification(ctx, ParsePushPayload(body))
}

// HandleClick dismisses a clicked notification by focusing the app surface
// for its URL, opening one if needed.
func (w *PushWorker) HandleClick(ctx context.Context, n *Notification) error {
	url := n.URL
	if url == "" {
		url = defaultPushURL
	}
	return w.sink.FocusOrOpen(ctx, url)
}

// HTTPHandler returns an http.Handler that accepts POSTed push bodies and
// surfaces each as a notification.
//
// Example:
//
//	worker := ministry.NewPushWorker(sink)
//	http.Handle("/push", worker.HTTPHandler())
func (w *PushWorker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		if err := w.HandlePush(r.Context(), body); err != nil {
			glog.Warningf("push worker: show failed: %v", err)
			rw.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
			return
		}

		rw.WriteHeader(http.StatusOK)
		json.NewEncoder(rw).Encode(map[string]bool{"ok": true})
	})
}
