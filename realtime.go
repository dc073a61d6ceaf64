package ministry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Scopes and subscriptions
// ============================================================================

// FeedScope selects the rows a subscription receives: one table, optionally
// narrowed by a "column=eq.value" filter.
type FeedScope struct {
	Table  string
	Filter string
}

// RoomScope is the message feed for one room.
func RoomScope(roomID string) FeedScope {
	return FeedScope{Table: "messages", Filter: "room_id=eq." + roomID}
}

// EventScope is the attendance feed for one event.
func EventScope(eventID string) FeedScope {
	return FeedScope{Table: "event_attendance", Filter: "event_id=eq." + eventID}
}

// EventsScope is the unfiltered feed for the events table itself, used to
// keep an event list current as events are posted or edited.
func EventsScope() FeedScope {
	return FeedScope{Table: "events"}
}

// ChangeFeed delivers row-level change events for a scope. Implemented by
// *FeedClient; the indirection exists so engines can run against a fake feed.
type ChangeFeed interface {
	Subscribe(ctx context.Context, scope FeedScope, fn func(ChangeEvent)) (*FeedSubscription, error)
}

// FeedSubscription is a live scope registration. Release must be called when
// the scope is torn down (room switch, event card unmount); a leaked
// subscription keeps delivering into discarded state.
type FeedSubscription struct {
	scope   FeedScope
	once    sync.Once
	release func()
}

// Scope returns the subscribed scope.
func (s *FeedSubscription) Scope() FeedScope { return s.scope }

// Release unregisters the subscription. Safe to call more than once.
func (s *FeedSubscription) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// ============================================================================
// Configuration
// ============================================================================

// ReconnectUnlimited disables the reconnect attempt cap.
const ReconnectUnlimited = -1

// FeedConfig configures the feed client.
type FeedConfig struct {
	AutoReconnect bool
	// MaxReconnectAttempts caps consecutive reconnect attempts. Zero means
	// the default of 10; ReconnectUnlimited removes the cap.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// FeedClient
// ============================================================================

// FeedClient is a WebSocket change-feed client with auto-reconnect and
// heartbeat. Subscriptions survive a reconnect: the client re-issues every
// live scope after the socket is re-established.
type FeedClient struct {
	baseURL string
	apiKey  string
	config  *FeedConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	subMu sync.Mutex
	subs  map[*FeedSubscription]func(ChangeEvent)
}

// NewFeedClient creates a feed client for the store at baseURL. Call Connect
// to establish the connection.
func NewFeedClient(baseURL, apiKey string, config *FeedConfig) *FeedClient {
	cfg := FeedConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &FeedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		config:  &cfg,
		state:   FeedDisconnected,
		recon:   newReconnector(&cfg),
		subs:    make(map[*FeedSubscription]func(ChangeEvent)),
	}
}

// State returns the current connection state.
func (f *FeedClient) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the WebSocket connection and re-issues any live
// subscriptions. Calling it while connected is a no-op.
func (f *FeedClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	wsURL := strings.Replace(f.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1?apikey=" + f.apiKey

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedDisconnected
		f.mu.Unlock()
		return fmt.Errorf("feed dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	f.mu.Unlock()
	f.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancelFn = cancel
	f.mu.Unlock()

	// Re-establish scopes that were live before a reconnect.
	f.subMu.Lock()
	scopes := make([]FeedScope, 0, len(f.subs))
	for sub := range f.subs {
		scopes = append(scopes, sub.scope)
	}
	f.subMu.Unlock()
	for _, scope := range scopes {
		if err := f.send(connCtx, &feedCommand{Type: "subscribe", Payload: scopePayload(scope)}); err != nil {
			glog.Warningf("feed: resubscribe %s failed: %v", scope.Table, err)
		}
	}

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Subscriptions stay registered
// and resume if Connect is called again.
func (f *FeedClient) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers fn for the scope's change events and tells the store to
// start delivering them. The caller must Release the returned subscription.
func (f *FeedClient) Subscribe(ctx context.Context, scope FeedScope, fn func(ChangeEvent)) (*FeedSubscription, error) {
	f.mu.Lock()
	connected := f.conn != nil
	f.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	if err := f.send(ctx, &feedCommand{Type: "subscribe", Payload: scopePayload(scope)}); err != nil {
		return nil, err
	}

	sub := &FeedSubscription{scope: scope}
	sub.release = func() {
		f.subMu.Lock()
		delete(f.subs, sub)
		f.subMu.Unlock()
		// Best effort: the store drops the scope on socket close anyway.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.send(ctx, &feedCommand{Type: "unsubscribe", Payload: scopePayload(scope)}); err != nil {
			glog.V(1).Infof("feed: unsubscribe %s: %v", scope.Table, err)
		}
	}

	f.subMu.Lock()
	f.subs[sub] = fn
	f.subMu.Unlock()
	return sub, nil
}

func scopePayload(scope FeedScope) map[string]string {
	p := map[string]string{"table": scope.Table}
	if scope.Filter != "" {
		p["filter"] = scope.Filter
	}
	return p
}

func (f *FeedClient) send(ctx context.Context, cmd *feedCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *FeedClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.mu.Unlock()
			if intentional {
				return
			}

			f.mu.Lock()
			f.state = FeedDisconnected
			f.conn = nil
			f.mu.Unlock()

			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect()
			}
			return
		}

		var env feedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "change" {
			continue // pong and server notices
		}

		var ev ChangeEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			continue
		}
		f.dispatch(ev)
	}
}

// dispatch delivers the event to matching subscriptions synchronously, so a
// scope observes events in delivery order.
func (f *FeedClient) dispatch(ev ChangeEvent) {
	f.subMu.Lock()
	var handlers []func(ChangeEvent)
	for sub, fn := range f.subs {
		if sub.scope.Table != ev.Table {
			continue
		}
		if !matchFilter(sub.scope.Filter, ev.Record) {
			continue
		}
		handlers = append(handlers, fn)
	}
	f.subMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// matchFilter evaluates a "column=eq.value" filter against a row. The store
// already filters per scope; this guards against cross-scope frames when
// several scopes share one socket.
func matchFilter(filter string, record json.RawMessage) bool {
	if filter == "" {
		return true
	}
	col, want, ok := strings.Cut(filter, "=eq.")
	if !ok {
		return true
	}
	var row map[string]any
	if json.Unmarshal(record, &row) != nil {
		return false
	}
	got, _ := row[col].(string)
	return got == want
}

func (f *FeedClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.send(ctx, &feedCommand{Type: "ping"}); err != nil {
				// A dead socket surfaces in the read loop; nothing to do here.
				return
			}
		}
	}
}

func (f *FeedClient) scheduleReconnect() {
	delay := f.recon.nextDelay()
	f.mu.Lock()
	f.state = FeedReconnecting
	f.mu.Unlock()

	glog.Infof("feed: reconnecting in %s (attempt %d)", delay, f.recon.attempt)
	time.Sleep(delay)

	if err := f.Connect(context.Background()); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect()
		} else {
			f.mu.Lock()
			f.state = FeedDisconnected
			f.mu.Unlock()
		}
	}
}
