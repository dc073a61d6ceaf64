package ministry

import (
	"errors"
	"fmt"
)

// Input validation errors, rejected before any network call.
var (
	ErrEmptyContent  = errors.New("message content is empty")
	ErrEmptyName     = errors.New("profile name is empty")
	ErrMissingEvent  = errors.New("event id is required")
	ErrMissingUser   = errors.New("user id is required")
	ErrInvalidStatus = errors.New("invalid attendance status")
)

// ErrNotConnected is returned when a feed command is issued without an
// established connection.
var ErrNotConnected = errors.New("feed not connected")

// ErrUnsupported is returned by platforms without notification support. The
// bridge treats it as a quiet degradation, never a failure of the app.
var ErrUnsupported = errors.New("notifications not supported on this platform")

// SendError wraps a failed message send. The caller owns the retry decision.
type SendError struct {
	RoomID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to room %s: %v", e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// AttendanceError wraps a failed RSVP read or update.
type AttendanceError struct {
	EventID string
	UserID  string
	Err     error
}

func (e *AttendanceError) Error() string {
	return fmt.Sprintf("attendance for event %s user %s: %v", e.EventID, e.UserID, e.Err)
}

func (e *AttendanceError) Unwrap() error { return e.Err }

// SubscriptionError wraps a change-feed subscription failure. Engines log it
// and fall back to polling; it never surfaces through a send or an RSVP.
type SubscriptionError struct {
	Scope FeedScope
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s (%s): %v", e.Scope.Table, e.Scope.Filter, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
