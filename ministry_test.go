package ministry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake store
// ============================================================================

// fakeStore is an in-memory stand-in for the hosted row store, just enough
// PostgREST surface for the gateway and the sync engines.
type fakeStore struct {
	t *testing.T

	mu         sync.Mutex
	messages   map[string][]Message
	events     []Event
	attendance []AttendanceRecord
	profiles   map[string]Profile
	hits       map[string]int
	lastPrefer map[string]string
	nextID     int
	failWrites bool
	pushErr    string

	srv *httptest.Server
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	fs := &fakeStore{
		t:          t,
		messages:   make(map[string][]Message),
		profiles:   make(map[string]Profile),
		hits:       make(map[string]int),
		lastPrefer: make(map[string]string),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStore) client(opts ...ClientOption) *Client {
	return NewClient(fs.srv.URL, "test-anon-key", opts...)
}

func (fs *fakeStore) hitCount(key string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[key]
}

func (fs *fakeStore) addMessage(roomID, userID, userName, content string) Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.addMessageLocked(roomID, userID, userName, content)
}

func (fs *fakeStore) addMessageLocked(roomID, userID, userName, content string) Message {
	fs.nextID++
	m := Message{
		ID:        fmt.Sprintf("m%04d", fs.nextID),
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(fs.nextID) * time.Second),
	}
	fs.messages[roomID] = append(fs.messages[roomID], m)
	return m
}

func (fs *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	fs.mu.Lock()
	fs.hits[key]++
	fs.lastPrefer[key] = r.Header.Get("Prefer")
	fs.mu.Unlock()

	if r.Header.Get("apikey") != "test-anon-key" {
		writeJSON(w, http.StatusUnauthorized, &APIError{Code: "401", Message: "No API key found in request"})
		return
	}

	switch key {
	case "GET /rest/v1/messages":
		roomID, _ := cutEq(r.URL.Query().Get("room_id"))
		fs.mu.Lock()
		rows := append([]Message(nil), fs.messages[roomID]...)
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, rows)

	case "POST /rest/v1/messages":
		var in NewMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, &APIError{Code: "PGRST102", Message: err.Error()})
			return
		}
		fs.mu.Lock()
		if fs.failWrites {
			fs.mu.Unlock()
			writeJSON(w, http.StatusConflict, &APIError{Code: "23505", Message: "insert rejected"})
			return
		}
		m := fs.addMessageLocked(in.RoomID, in.UserID, in.UserName, in.Content)
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, []Message{m})

	case "GET /rest/v1/events":
		fs.mu.Lock()
		rows := append([]Event(nil), fs.events...)
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, rows)

	case "GET /rest/v1/event_attendance":
		eventID, _ := cutEq(r.URL.Query().Get("event_id"))
		fs.mu.Lock()
		var rows []AttendanceRecord
		for _, rec := range fs.attendance {
			if rec.EventID == eventID {
				rows = append(rows, rec)
			}
		}
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, rows)

	case "POST /rest/v1/event_attendance":
		if got := r.URL.Query().Get("on_conflict"); got != "event_id,user_id" {
			writeJSON(w, http.StatusBadRequest, &APIError{Code: "PGRST117", Message: "missing on_conflict columns"})
			return
		}
		var in AttendanceRecord
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, &APIError{Code: "PGRST102", Message: err.Error()})
			return
		}
		fs.mu.Lock()
		if fs.failWrites {
			fs.mu.Unlock()
			writeJSON(w, http.StatusConflict, &APIError{Code: "23505", Message: "upsert rejected"})
			return
		}
		stored := in
		replaced := false
		for i, rec := range fs.attendance {
			if rec.EventID == in.EventID && rec.UserID == in.UserID {
				stored.ID = rec.ID
				fs.attendance[i] = stored
				replaced = true
				break
			}
		}
		if !replaced {
			fs.nextID++
			stored.ID = fmt.Sprintf("a%04d", fs.nextID)
			fs.attendance = append(fs.attendance, stored)
		}
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, []AttendanceRecord{stored})

	case "GET /rest/v1/profiles":
		id, _ := cutEq(r.URL.Query().Get("id"))
		fs.mu.Lock()
		p, ok := fs.profiles[id]
		fs.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusOK, []Profile{})
			return
		}
		writeJSON(w, http.StatusOK, []Profile{p})

	case "POST /functions/v1/send-push":
		fs.mu.Lock()
		pushErr := fs.pushErr
		fs.mu.Unlock()
		if pushErr != "" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": pushErr})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeJSON(w, http.StatusNotFound, &APIError{Code: "404", Message: "no route"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// cutEq strips the "eq." operator from a query value.
func cutEq(v string) (string, bool) {
	if len(v) > 3 && v[:3] == "eq." {
		return v[3:], true
	}
	return v, false
}

// ============================================================================
// Gateway
// ============================================================================

func TestMessagesList(t *testing.T) {
	fs := newFakeStore(t)
	fs.addMessage("ministry-events", "u1", "Dave", "first")
	fs.addMessage("ministry-events", "u2", "Mike", "second")
	fs.addMessage("work-days", "u1", "Dave", "other room")

	client := fs.client()
	msgs, err := client.Messages.List(context.Background(), "ministry-events")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	for _, m := range msgs {
		assert.Equal(t, "ministry-events", m.RoomID)
	}
}

func TestMessagesInsert(t *testing.T) {
	fs := newFakeStore(t)
	client := fs.client()

	m, err := client.Messages.Insert(context.Background(), &NewMessage{
		RoomID:   "work-days",
		UserID:   "u1",
		UserName: "Dave",
		Content:  "need hands Saturday",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID, "store should assign the row id")
	assert.False(t, m.CreatedAt.IsZero(), "store should assign created_at")
	assert.Equal(t, "return=representation", fs.lastPrefer["POST /rest/v1/messages"])
}

func TestAttendanceUpsert(t *testing.T) {
	fs := newFakeStore(t)
	client := fs.client()
	ctx := context.Background()

	rec, err := client.Attendance.Upsert(ctx, "ev1", "u1", StatusAttending)
	require.NoError(t, err)
	assert.Equal(t, StatusAttending, rec.Status)
	assert.Equal(t, "resolution=merge-duplicates,return=representation",
		fs.lastPrefer["POST /rest/v1/event_attendance"])

	// Same key again flips the status in place instead of adding a row.
	again, err := client.Attendance.Upsert(ctx, "ev1", "u1", StatusNotAttending)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "upsert should overwrite the existing row")

	rows, err := client.Attendance.List(ctx, "ev1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusNotAttending, rows[0].Status)
}

func TestProfilesGet(t *testing.T) {
	fs := newFakeStore(t)
	fs.profiles["u1"] = Profile{Name: "Dave"}
	client := fs.client()

	t.Run("present", func(t *testing.T) {
		p, err := client.Profiles.Get(context.Background(), "u1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "Dave", p.Name)
	})

	t.Run("absent is nil not error", func(t *testing.T) {
		p, err := client.Profiles.Get(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestClientAuthHeaders(t *testing.T) {
	var apikey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apikey = r.Header.Get("apikey")
		auth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, []Event{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "anon")
	_, err := client.Events.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anon", apikey)
	assert.Equal(t, "Bearer anon", auth)
}

func TestClientAPIError(t *testing.T) {
	fs := newFakeStore(t)
	client := NewClient(fs.srv.URL, "wrong-key")

	_, err := client.Messages.List(context.Background(), "ministry-events")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "401", apiErr.Code)
	assert.Contains(t, apiErr.Message, "API key")
}

func TestPushSend(t *testing.T) {
	fs := newFakeStore(t)
	client := fs.client()
	sub := &PushSubscription{Endpoint: "https://push.example/ep", Keys: PushKeys{P256DH: "p", Auth: "a"}}

	t.Run("relay accepts", func(t *testing.T) {
		err := client.Push.Send(context.Background(), sub, &PushPayload{Title: "hi"})
		assert.NoError(t, err)
	})

	t.Run("relay rejects", func(t *testing.T) {
		fs.pushErr = "subscription expired"
		defer func() { fs.pushErr = "" }()
		err := client.Push.Send(context.Background(), sub, &PushPayload{Title: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscription expired")
	})
}
