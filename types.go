package ministry

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Rooms
// ============================================================================

// Room is a named message channel.
type Room struct {
	ID          string
	Name        string
	Description string
	// ShowEvents marks rooms whose view includes the upcoming-events strip.
	ShowEvents bool
}

// Rooms is the built-in room registry.
var Rooms = []Room{
	{
		ID:          "ministry-events",
		Name:        "Ministry Events",
		Description: "Schedule, gatherings, and ministry activities",
		ShowEvents:  true,
	},
	{
		ID:          "work-days",
		Name:        "Community Work Days",
		Description: "Help requests and service opportunities",
		ShowEvents:  false,
	},
}

// RoomByID looks up a built-in room.
func RoomByID(id string) (Room, bool) {
	for _, r := range Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}

// ============================================================================
// Device profile
// ============================================================================

// DeviceProfile is the locally stored display identity for one device.
// It never leaves the device except as denormalized fields on sent messages.
type DeviceProfile struct {
	ID        string    `toml:"id" json:"id"`
	DeviceID  string    `toml:"device_id" json:"deviceId"`
	Name      string    `toml:"name" json:"name"`
	Avatar    string    `toml:"avatar,omitempty" json:"avatar,omitempty"` // data URI
	CreatedAt time.Time `toml:"created_at" json:"createdAt"`
}

// ============================================================================
// Store rows
// ============================================================================

// Profile is a row of the remote profiles table, joined onto messages and
// attendance records for display.
type Profile struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is a row of the remote messages table. Sender display identity is
// carried two ways: a joined Profile when the read selected it, and
// denormalized user_name/user_avatar embedded at send time. SenderName and
// SenderAvatar apply the resolution rule; callers should not read the raw
// fields directly.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	UserName   string    `json:"user_name,omitempty"`
	UserAvatar string    `json:"user_avatar,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Profile    *Profile  `json:"profiles,omitempty"`
}

// SenderName resolves the sender's display name: joined profile first,
// denormalized field as fallback.
func (m *Message) SenderName() string {
	if m.Profile != nil && m.Profile.Name != "" {
		return m.Profile.Name
	}
	if m.UserName != "" {
		return m.UserName
	}
	return "Unknown"
}

// SenderAvatar resolves the sender's avatar with the same preference order
// as SenderName. Empty when the sender has none.
func (m *Message) SenderAvatar() string {
	if m.Profile != nil && m.Profile.AvatarURL != "" {
		return m.Profile.AvatarURL
	}
	return m.UserAvatar
}

// NewMessage is the insert shape for the messages table.
type NewMessage struct {
	RoomID     string `json:"room_id"`
	UserID     string `json:"user_id"`
	Content    string `json:"content"`
	UserName   string `json:"user_name,omitempty"`
	UserAvatar string `json:"user_avatar,omitempty"`
}

// Event is a row of the remote events table. Read-only from this client;
// events are created by admin tooling.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
}

// UpcomingEvents filters events to those on or after now, keeping the store's
// date-ascending order, capped at limit (0 means no cap).
func UpcomingEvents(events []Event, now time.Time, limit int) []Event {
	var out []Event
	for _, e := range events {
		if e.Date.Before(now) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// AttendanceStatus is the RSVP state for one (event, user) pair.
type AttendanceStatus string

const (
	StatusAttending    AttendanceStatus = "attending"
	StatusNotAttending AttendanceStatus = "not_attending"
)

// Valid reports whether s is one of the two accepted statuses.
func (s AttendanceStatus) Valid() bool {
	return s == StatusAttending || s == StatusNotAttending
}

// AttendanceRecord is a row of the remote event_attendance table. The store
// enforces at most one row per (event_id, user_id) via upsert-on-conflict.
type AttendanceRecord struct {
	ID        string           `json:"id"`
	EventID   string           `json:"event_id"`
	UserID    string           `json:"user_id"`
	Status    AttendanceStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
	Profile   *Profile         `json:"profiles,omitempty"`
}

// DisplayName resolves the attendee's display name from the joined profile,
// falling back to the raw user id.
func (r *AttendanceRecord) DisplayName() string {
	if r.Profile != nil && r.Profile.Name != "" {
		return r.Profile.Name
	}
	return r.UserID
}

// ============================================================================
// Push
// ============================================================================

// PushSubscription is the platform push subscription handed to the relay.
// Endpoint and keys are opaque to this client.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// PushKeys are the subscription's encryption keys.
type PushKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushPayload is the JSON payload forwarded through the relay and decoded by
// the background worker.
type PushPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// ============================================================================
// Store errors
// ============================================================================

// APIError is an error reported by the remote store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Change feed wire format
// ============================================================================

// ChangeEvent is a row-level notification from the store's change feed.
type ChangeEvent struct {
	Type   string          `json:"type"` // INSERT, UPDATE, DELETE
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// feedEnvelope is the wire format for all feed frames.
type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// feedCommand is a client-to-server feed command.
type feedCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
