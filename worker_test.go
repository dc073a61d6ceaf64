package ministry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushPayload(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		n := ParsePushPayload([]byte(`{"title":"Dave in Ministry Events","body":"see you there","url":"/","tag":"new-message"}`))
		assert.Equal(t, "Dave in Ministry Events", n.Title)
		assert.Equal(t, "see you there", n.Body)
		assert.Equal(t, "/", n.URL)
		assert.Equal(t, "new-message", n.Tag)
	})

	t.Run("missing fields filled with defaults", func(t *testing.T) {
		n := ParsePushPayload([]byte(`{"body":"custom body"}`))
		assert.Equal(t, "Men's Ministry Connect", n.Title)
		assert.Equal(t, "custom body", n.Body)
		assert.Equal(t, "/", n.URL)
		assert.Equal(t, "message-notification", n.Tag)
	})

	t.Run("empty payload is all defaults", func(t *testing.T) {
		n := ParsePushPayload([]byte(`{}`))
		assert.Equal(t, "Men's Ministry Connect", n.Title)
		assert.Equal(t, "You have a new message", n.Body)
	})

	t.Run("plain text becomes the body", func(t *testing.T) {
		n := ParsePushPayload([]byte("server maintenance tonight"))
		assert.Equal(t, "Men's Ministry Connect", n.Title)
		assert.Equal(t, "server maintenance tonight", n.Body)
		assert.Equal(t, "message-notification", n.Tag)
	})

	t.Run("blank body still notifies", func(t *testing.T) {
		n := ParsePushPayload([]byte("   "))
		assert.Equal(t, "You have a new message", n.Body)
	})
}

// recordingSink captures worker output for assertions.
type recordingSink struct {
	shown   []*Notification
	opened  []string
	showErr error
}

func (s *recordingSink) ShowNotification(_ context.Context, n *Notification) error {
	if s.showErr != nil {
		return s.showErr
	}
	s.shown = append(s.shown, n)
	return nil
}

func (s *recordingSink) FocusOrOpen(_ context.Context, url string) error {
	s.opened = append(s.opened, url)
	return nil
}

func TestPushWorkerHandlePush(t *testing.T) {
	sink := &recordingSink{}
	worker := NewPushWorker(sink)

	require.NoError(t, worker.HandlePush(context.Background(), []byte(`{"title":"t","body":"b"}`)))
	require.Len(t, sink.shown, 1)
	assert.Equal(t, "t", sink.shown[0].Title)
	assert.Equal(t, "b", sink.shown[0].Body)
}

func TestPushWorkerHandleClick(t *testing.T) {
	sink := &recordingSink{}
	worker := NewPushWorker(sink)
	ctx := context.Background()

	t.Run("focuses the notification url", func(t *testing.T) {
		require.NoError(t, worker.HandleClick(ctx, &Notification{URL: "/events"}))
		require.Len(t, sink.opened, 1)
		assert.Equal(t, "/events", sink.opened[0])
	})

	t.Run("empty url opens the app root", func(t *testing.T) {
		require.NoError(t, worker.HandleClick(ctx, &Notification{}))
		assert.Equal(t, "/", sink.opened[len(sink.opened)-1])
	})
}

func TestPushWorkerHTTPHandler(t *testing.T) {
	sink := &recordingSink{}
	worker := NewPushWorker(sink)
	srv := httptest.NewServer(worker.HTTPHandler())
	defer srv.Close()

	t.Run("post delivers a notification", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"body":"knock knock"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		data, _ := io.ReadAll(resp.Body)
		var out map[string]bool
		require.NoError(t, json.Unmarshal(data, &out))
		assert.True(t, out["ok"])

		require.Len(t, sink.shown, 1)
		assert.Equal(t, "knock knock", sink.shown[0].Body)
	})

	t.Run("get rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("sink failure reported", func(t *testing.T) {
		sink.showErr = ErrUnsupported
		defer func() { sink.showErr = nil }()

		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}
