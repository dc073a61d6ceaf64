// Package ministry is the Go client for the Men's Ministry Connect backend:
// a hosted row store with a realtime change feed and a web-push relay.
//
// The client exposes thin table gateways plus two synchronization engines
// that keep a local view consistent with the remote store.
//
// Example:
//
//	client := ministry.NewClient("https://store.example.com", "anon-key")
//
//	// Gateway access
//	msgs, _ := client.Messages.List(ctx, "ministry-events")
//
//	// Synchronized room view
//	sync := ministry.NewRoomSync(client, "ministry-events", nil)
//	sync.Start(ctx)
//	defer sync.Stop()
package ministry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the remote data gateway. All reads and writes go through the
// store's row endpoints; the store owns every persisted entity and the client
// only ever holds a transient cached copy.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	Messages   *MessagesClient
	Events     *EventsClient
	Attendance *AttendanceClient
	Profiles   *ProfilesClient
	Push       *PushClient
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new store client. apiKey is the store's public key and
// is sent both as the apikey header and as a bearer token.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{client: c}
	c.Events = &EventsClient{client: c}
	c.Attendance = &AttendanceClient{client: c}
	c.Profiles = &ProfilesClient{client: c}
	c.Push = &PushClient{client: c}
	return c
}

// BaseURL returns the store base URL, without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// APIKey returns the store key, for handing to the feed client.
func (c *Client) APIKey() string { return c.apiKey }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, prefer string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("store returned HTTP %d", resp.StatusCode)
	}

	return data, nil
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	return rows, nil
}

// decodeRow expects a representation response of exactly one row.
func decodeRow[T any](data []byte) (*T, error) {
	rows, err := decodeRows[T](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("store returned no rows")
	}
	return &rows[0], nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient reads and inserts rows of the messages table.
type MessagesClient struct{ client *Client }

// List fetches the full history of a room ordered by created_at ascending,
// with the sender profile joined where one exists.
func (mc *MessagesClient) List(ctx context.Context, roomID string) ([]Message, error) {
	q := url.Values{}
	q.Set("select", "*,profiles(name,avatar_url)")
	q.Set("room_id", "eq."+roomID)
	q.Set("order", "created_at.asc")

	data, err := mc.client.doRequest(ctx, "GET", "/rest/v1/messages", nil, q, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[Message](data)
}

// Insert appends one message. The row id and created_at are assigned by the
// store; the returned row carries them.
func (mc *MessagesClient) Insert(ctx context.Context, msg *NewMessage) (*Message, error) {
	data, err := mc.client.doRequest(ctx, "POST", "/rest/v1/messages", msg, nil, "return=representation")
	if err != nil {
		return nil, err
	}
	return decodeRow[Message](data)
}

// ============================================================================
// Events
// ============================================================================

// EventsClient reads rows of the events table.
type EventsClient struct{ client *Client }

// List fetches all events ordered by date ascending.
func (ec *EventsClient) List(ctx context.Context) ([]Event, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "date.asc")

	data, err := ec.client.doRequest(ctx, "GET", "/rest/v1/events", nil, q, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[Event](data)
}

// ============================================================================
// Attendance
// ============================================================================

// AttendanceClient reads and upserts rows of the event_attendance table.
type AttendanceClient struct{ client *Client }

// List fetches all attendance rows for one event, with attendee profiles
// joined for display.
func (ac *AttendanceClient) List(ctx context.Context, eventID string) ([]AttendanceRecord, error) {
	q := url.Values{}
	q.Set("select", "*,profiles(name,avatar_url)")
	q.Set("event_id", "eq."+eventID)

	data, err := ac.client.doRequest(ctx, "GET", "/rest/v1/event_attendance", nil, q, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[AttendanceRecord](data)
}

// Upsert creates or overwrites the one record keyed (event_id, user_id).
// The uniqueness constraint lives in the store; re-sending the same status
// is a no-op in effect.
func (ac *AttendanceClient) Upsert(ctx context.Context, eventID, userID string, status AttendanceStatus) (*AttendanceRecord, error) {
	q := url.Values{}
	q.Set("on_conflict", "event_id,user_id")

	body := map[string]any{
		"event_id": eventID,
		"user_id":  userID,
		"status":   status,
	}
	data, err := ac.client.doRequest(ctx, "POST", "/rest/v1/event_attendance", body, q,
		"resolution=merge-duplicates,return=representation")
	if err != nil {
		return nil, err
	}
	return decodeRow[AttendanceRecord](data)
}

// ============================================================================
// Profiles
// ============================================================================

// ProfilesClient reads rows of the profiles table.
type ProfilesClient struct{ client *Client }

// Get fetches one profile by id, or nil when absent.
func (pc *ProfilesClient) Get(ctx context.Context, id string) (*Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)

	data, err := pc.client.doRequest(ctx, "GET", "/rest/v1/profiles", nil, q, "")
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[Profile](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ============================================================================
// Push relay
// ============================================================================

// PushClient forwards notification payloads through the store's stateless
// push relay. The relay signs and delivers; this client only posts
// {subscription, payload}.
type PushClient struct{ client *Client }

type pushRelayResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Send forwards one payload to one subscription.
func (pc *PushClient) Send(ctx context.Context, sub *PushSubscription, payload *PushPayload) error {
	body := map[string]any{
		"subscription": sub,
		"payload":      payload,
	}
	data, err := pc.client.doRequest(ctx, "POST", "/functions/v1/send-push", body, nil, "")
	if err != nil {
		return err
	}
	var res pushRelayResult
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to unmarshal relay response: %w", err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "push relay rejected the payload"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
