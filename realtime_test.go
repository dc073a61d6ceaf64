package ministry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake feed server
// ============================================================================

// feedServer accepts one feed connection, records the commands the client
// sends, and lets tests push change frames down the socket.
type feedServer struct {
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
	cmds chan struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		cmds: make(chan struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") == "" {
			http.Error(w, "missing apikey", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string            `json:"type"`
				Payload map[string]string `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) == nil {
				fs.cmds <- cmd
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) waitCommand(t *testing.T, typ string) map[string]string {
	t.Helper()
	for {
		select {
		case cmd := <-fs.cmds:
			if cmd.Type == "ping" {
				continue
			}
			require.Equal(t, typ, cmd.Type)
			return cmd.Payload
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s command", typ)
		}
	}
}

// push writes one change frame for ev.
func (fs *feedServer) push(t *testing.T, ev ChangeEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(`"change"`),
		"payload": payload,
	})
	require.NoError(t, err)

	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	require.NotNil(t, conn, "no client connected")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func insertRecord(t *testing.T, m Message) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

// ============================================================================
// FeedClient
// ============================================================================

func TestFeedClientConnect(t *testing.T) {
	fs := newFeedServer(t)
	client := NewFeedClient(fs.srv.URL, "test-anon-key", nil)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	assert.Equal(t, FeedConnected, client.State())

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		assert.NoError(t, client.Connect(context.Background()))
	})
}

func TestFeedClientSubscribe(t *testing.T) {
	fs := newFeedServer(t)
	client := NewFeedClient(fs.srv.URL, "test-anon-key", nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	got := make(chan ChangeEvent, 4)
	sub, err := client.Subscribe(context.Background(), RoomScope("ministry-events"), func(ev ChangeEvent) {
		got <- ev
	})
	require.NoError(t, err)
	defer sub.Release()

	payload := fs.waitCommand(t, "subscribe")
	assert.Equal(t, "messages", payload["table"])
	assert.Equal(t, "room_id=eq.ministry-events", payload["filter"])

	t.Run("matching event delivered", func(t *testing.T) {
		fs.push(t, ChangeEvent{
			Type:   "INSERT",
			Table:  "messages",
			Record: insertRecord(t, Message{ID: "m1", RoomID: "ministry-events", Content: "hello"}),
		})

		select {
		case ev := <-got:
			assert.Equal(t, "INSERT", ev.Type)
			var m Message
			require.NoError(t, json.Unmarshal(ev.Record, &m))
			assert.Equal(t, "hello", m.Content)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("other room filtered out", func(t *testing.T) {
		fs.push(t, ChangeEvent{
			Type:   "INSERT",
			Table:  "messages",
			Record: insertRecord(t, Message{ID: "m2", RoomID: "work-days", Content: "not ours"}),
		})

		select {
		case ev := <-got:
			t.Fatalf("unexpected delivery: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("release unsubscribes once", func(t *testing.T) {
		sub.Release()
		payload := fs.waitCommand(t, "unsubscribe")
		assert.Equal(t, "messages", payload["table"])

		sub.Release() // second release must not send again

		fs.push(t, ChangeEvent{
			Type:   "INSERT",
			Table:  "messages",
			Record: insertRecord(t, Message{ID: "m3", RoomID: "ministry-events", Content: "late"}),
		})
		select {
		case ev := <-got:
			t.Fatalf("delivery after release: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestFeedClientSubscribeNotConnected(t *testing.T) {
	client := NewFeedClient("http://127.0.0.1:1", "key", nil)
	_, err := client.Subscribe(context.Background(), RoomScope("ministry-events"), func(ChangeEvent) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFeedClientDisconnect(t *testing.T) {
	fs := newFeedServer(t)
	client := NewFeedClient(fs.srv.URL, "test-anon-key", nil)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Disconnect())
	assert.Equal(t, FeedDisconnected, client.State())

	t.Run("disconnect twice", func(t *testing.T) {
		assert.NoError(t, client.Disconnect())
	})
}

// ============================================================================
// Filter and reconnect policy
// ============================================================================

func TestMatchFilter(t *testing.T) {
	record := json.RawMessage(`{"room_id":"ministry-events","content":"hi"}`)

	cases := []struct {
		name   string
		filter string
		want   bool
	}{
		{"exact match", "room_id=eq.ministry-events", true},
		{"different value", "room_id=eq.work-days", false},
		{"missing column", "user_id=eq.u1", false},
		{"empty filter matches all", "", true},
		{"malformed filter matches all", "room_id=ministry-events", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchFilter(tc.filter, record))
		})
	}
}

func TestReconnector(t *testing.T) {
	config := &FeedConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    1 * time.Second,
		MaxReconnectAttempts: 3,
	}

	t.Run("backoff grows and caps", func(t *testing.T) {
		r := newReconnector(config)
		prev := time.Duration(0)
		for i := 0; i < 6; i++ {
			d := r.nextDelay()
			assert.LessOrEqual(t, d, config.ReconnectMaxDelay)
			if d < config.ReconnectMaxDelay {
				assert.GreaterOrEqual(t, d, prev/2, "delay should trend upward")
			}
			prev = d
		}
	})

	t.Run("attempt limit", func(t *testing.T) {
		r := newReconnector(config)
		for i := 0; i < 3; i++ {
			assert.True(t, r.shouldReconnect())
			r.nextDelay()
		}
		assert.False(t, r.shouldReconnect())
	})

	t.Run("stable connection resets the attempt count", func(t *testing.T) {
		r := newReconnector(config)
		for i := 0; i < 3; i++ {
			r.nextDelay()
		}
		require.False(t, r.shouldReconnect())

		r.connectedAt = time.Now().Add(-2 * time.Minute)
		r.nextDelay()
		assert.Equal(t, 1, r.attempt, "attempts restart after a long-lived connection")
	})

	t.Run("unlimited sentinel removes the cap", func(t *testing.T) {
		cfg := FeedConfig{
			ReconnectBaseDelay:   time.Millisecond,
			ReconnectMaxDelay:    time.Millisecond,
			MaxReconnectAttempts: ReconnectUnlimited,
		}
		cfg.defaults()
		assert.Equal(t, ReconnectUnlimited, cfg.MaxReconnectAttempts,
			"defaults must not rewrite the sentinel")

		r := newReconnector(&cfg)
		for i := 0; i < 50; i++ {
			r.nextDelay()
		}
		assert.True(t, r.shouldReconnect())
	})

	t.Run("unset max gets the default cap", func(t *testing.T) {
		cfg := FeedConfig{}
		cfg.defaults()
		r := newReconnector(&cfg)
		for i := 0; i < 10; i++ {
			r.nextDelay()
		}
		assert.False(t, r.shouldReconnect())
	})
}
