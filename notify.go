package ministry

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Permission is the platform notification permission state.
type Permission string

const (
	PermissionUnrequested Permission = "default"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
)

// Notification is a locally rendered notification.
type Notification struct {
	Title string
	Body  string
	Tag   string
	URL   string
}

// Platform is the capability surface the bridge requests and observes. It
// wraps whatever the host environment provides: permission prompts, a
// background worker registration, and a push subscription. The app never
// implements these; it only asks for them.
//
// Contract: Permission is a live query of the platform state (it reflects a
// revocation made outside the app); RequestPermission and RegisterWorker are
// idempotent and never re-prompt once the state is settled; PushSubscription
// returns the existing subscription or nil.
type Platform interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	RegisterWorker(ctx context.Context) error
	PushSubscription(ctx context.Context) (*PushSubscription, error)
	SubscribePush(ctx context.Context, applicationServerKey string) (*PushSubscription, error)
	ShowNotification(ctx context.Context, n *Notification) error
}

// UnsupportedPlatform is the Platform for environments without notification
// support. Every capability degrades quietly.
type UnsupportedPlatform struct{}

func (UnsupportedPlatform) Permission() Permission { return PermissionDenied }
func (UnsupportedPlatform) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, ErrUnsupported
}
func (UnsupportedPlatform) RegisterWorker(context.Context) error { return ErrUnsupported }
func (UnsupportedPlatform) PushSubscription(context.Context) (*PushSubscription, error) {
	return nil, ErrUnsupported
}
func (UnsupportedPlatform) SubscribePush(context.Context, string) (*PushSubscription, error) {
	return nil, ErrUnsupported
}
func (UnsupportedPlatform) ShowNotification(context.Context, *Notification) error {
	return ErrUnsupported
}

// maxNotificationBody is where message previews are cut.
const maxNotificationBody = 100

// Bridge orchestrates notifications on top of a Platform. Any failure along
// the enable path degrades to the disabled state; the bridge never blocks
// messaging or RSVP flows and never returns those failures to them.
type Bridge struct {
	platform  Platform
	serverKey string
}

// NewBridge creates a bridge. serverKey is the relay's public signing key,
// needed only for the remote-push path; it may be empty when only local
// notifications are wanted.
func NewBridge(platform Platform, serverKey string) *Bridge {
	if platform == nil {
		platform = UnsupportedPlatform{}
	}
	return &Bridge{platform: platform, serverKey: serverKey}
}

// Enabled reports whether notifications are currently permitted. This is a
// live platform query, not a cached flag: a revocation made in system
// settings is reflected on the next call.
func (b *Bridge) Enabled() bool {
	return b.platform.Permission() == PermissionGranted
}

// Enable registers the background worker and requests permission. Both steps
// are idempotent: with the worker registered and permission already settled,
// Enable reports the current state without prompting. A prompt may never
// resolve; pass a context the caller is willing to wait on.
func (b *Bridge) Enable(ctx context.Context) bool {
	if err := b.platform.RegisterWorker(ctx); err != nil {
		glog.Infof("notify: worker registration unavailable: %v", err)
		return false
	}
	perm, err := b.platform.RequestPermission(ctx)
	if err != nil {
		glog.Infof("notify: permission request failed: %v", err)
		return false
	}
	return perm == PermissionGranted
}

// EnablePush enables notifications and establishes the remote push
// subscription, reusing an existing one rather than creating a duplicate:
// two calls yield the same handle. A nil handle with nil error means
// notifications are unavailable and the app continues without them.
func (b *Bridge) EnablePush(ctx context.Context) (*PushSubscription, error) {
	if !b.Enable(ctx) {
		return nil, nil
	}

	existing, err := b.platform.PushSubscription(ctx)
	if err != nil {
		glog.Infof("notify: cannot query push subscription: %v", err)
		return nil, nil
	}
	if existing != nil {
		return existing, nil
	}

	sub, err := b.platform.SubscribePush(ctx, b.serverKey)
	if err != nil {
		glog.Infof("notify: push subscribe failed: %v", err)
		return nil, nil
	}
	return sub, nil
}

// Show renders a local notification when enabled; a disabled bridge drops it
// silently.
func (b *Bridge) Show(ctx context.Context, n *Notification) {
	if !b.Enabled() {
		return
	}
	if err := b.platform.ShowNotification(ctx, n); err != nil {
		glog.V(1).Infof("notify: show failed: %v", err)
	}
}

// NotifyNewMessage renders the new-message notification, with the message
// preview cut at 100 runes.
func (b *Bridge) NotifyNewMessage(ctx context.Context, userName, content, roomName string) {
	body := content
	if runes := []rune(body); len(runes) > maxNotificationBody {
		body = string(runes[:maxNotificationBody]) + "..."
	}
	b.Show(ctx, &Notification{
		Title: userName + " in " + roomName,
		Body:  body,
		Tag:   "new-message",
		URL:   "/",
	})
}

// NotifyNewEvent renders the new-event notification.
func (b *Bridge) NotifyNewEvent(ctx context.Context, title string, date time.Time) {
	b.Show(ctx, &Notification{
		Title: "New Event Posted",
		Body:  title + " - " + date.Format("Jan 2, 2006"),
		Tag:   "new-event",
		URL:   "/",
	})
}
