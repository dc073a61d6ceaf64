package ministry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// SyncStrategy selects how a sync engine learns about remote changes.
type SyncStrategy string

const (
	// StrategyRealtime appends rows delivered by the change feed, without
	// refetching. Lowest latency; requires a reliable feed.
	StrategyRealtime SyncStrategy = "realtime"
	// StrategyPolling refetches the full collection on a fixed interval and
	// replaces local state wholesale. Higher latency, guaranteed eventual
	// consistency.
	StrategyPolling SyncStrategy = "polling"
)

// SyncState is the lifecycle of one room or event subscription.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncLoading SyncState = "loading"
	SyncSynced  SyncState = "synced"
)

const DefaultPollInterval = 3 * time.Second

// RoomSyncOptions configures a RoomSync.
type RoomSyncOptions struct {
	// Strategy defaults to realtime when Feed is set, polling otherwise.
	Strategy SyncStrategy
	// PollInterval applies to the polling strategy. Default 3s.
	PollInterval time.Duration
	// Feed is required for the realtime strategy. A failed subscribe falls
	// back to polling rather than running without updates.
	Feed ChangeFeed
	// OptimisticEcho appends a provisional local copy of each sent message,
	// reconciled away when the store's row arrives.
	OptimisticEcho bool
	// OnAppend is invoked for each message that becomes visible after the
	// initial history load, whatever its origin.
	OnAppend func(Message)
}

// RoomSync reconciles a local message list with one room's rows in the remote
// store. One instance serves one room for one Start/Stop cycle: switching
// rooms means Stop on the old instance and Start on a new one: local state is
// fully discarded, never merged across rooms.
//
// The displayed sequence is always created_at-ascending and free of
// duplicates, regardless of arrival order.
type RoomSync struct {
	client       *Client
	roomID       string
	strategy     SyncStrategy
	pollInterval time.Duration
	feed         ChangeFeed
	optimistic   bool
	onAppend     func(Message)

	mu      sync.Mutex
	state   SyncState
	synced  bool
	byID    map[string]Message
	pending []Message
	gen     int
	polling bool
	cancel  context.CancelFunc
	sub     *FeedSubscription
}

// NewRoomSync creates a sync engine for one room.
func NewRoomSync(client *Client, roomID string, opts *RoomSyncOptions) *RoomSync {
	rs := &RoomSync{
		client:       client,
		roomID:       roomID,
		strategy:     StrategyPolling,
		pollInterval: DefaultPollInterval,
		state:        SyncIdle,
		byID:         make(map[string]Message),
	}
	if opts != nil {
		if opts.Feed != nil {
			rs.feed = opts.Feed
			rs.strategy = StrategyRealtime
		}
		if opts.Strategy != "" {
			rs.strategy = opts.Strategy
		}
		if opts.PollInterval > 0 {
			rs.pollInterval = opts.PollInterval
		}
		rs.optimistic = opts.OptimisticEcho
		rs.onAppend = opts.OnAppend
	}
	return rs
}

// RoomID returns the room this engine serves.
func (rs *RoomSync) RoomID() string { return rs.roomID }

// State returns the current sync state.
func (rs *RoomSync) State() SyncState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// Start loads the room history and begins watching for changes. A failed
// initial load is logged and retried by the normal refresh path; a failed
// feed subscription falls back to polling.
func (rs *RoomSync) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.cancel != nil {
		rs.mu.Unlock()
		return fmt.Errorf("room sync for %s already started", rs.roomID)
	}
	rs.gen++
	gen := rs.gen
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.state = SyncLoading
	rs.mu.Unlock()

	if err := rs.refresh(runCtx, gen); err != nil {
		glog.Warningf("room %s: initial load failed: %v", rs.roomID, err)
	}

	strategy := rs.strategy
	if strategy == StrategyRealtime {
		scope := RoomScope(rs.roomID)
		sub, err := rs.feed.Subscribe(runCtx, scope, func(ev ChangeEvent) {
			rs.handleInsert(gen, ev)
		})
		if err != nil {
			glog.Warningf("room %s: %v; falling back to polling", rs.roomID,
				&SubscriptionError{Scope: scope, Err: err})
			strategy = StrategyPolling
		} else {
			rs.mu.Lock()
			if rs.gen != gen {
				rs.mu.Unlock()
				sub.Release()
				return nil
			}
			rs.sub = sub
			rs.mu.Unlock()
		}
	}

	if strategy == StrategyPolling {
		rs.mu.Lock()
		if rs.gen != gen {
			rs.mu.Unlock()
			return nil
		}
		rs.polling = true
		rs.mu.Unlock()
		go rs.pollLoop(runCtx, gen)
	}
	return nil
}

// Stop tears down the subscription or poll timer and discards the message
// list. Late callbacks from a released feed or an expired timer are rejected
// by generation, so stopped state is never resurrected.
func (rs *RoomSync) Stop() {
	rs.mu.Lock()
	rs.gen++
	cancel := rs.cancel
	sub := rs.sub
	rs.cancel = nil
	rs.sub = nil
	rs.polling = false
	rs.state = SyncIdle
	rs.synced = false
	rs.byID = make(map[string]Message)
	rs.pending = nil
	rs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Release()
	}
}

// Messages returns the current sequence, sorted created_at-ascending with row
// id as a stable tiebreak.
func (rs *RoomSync) Messages() []Message {
	rs.mu.Lock()
	out := make([]Message, 0, len(rs.byID)+len(rs.pending))
	for _, m := range rs.byID {
		out = append(out, m)
	}
	out = append(out, rs.pending...)
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Send inserts a message into the room. Empty or whitespace-only content is
// rejected before any network call. A remote failure is returned as a
// SendError; the caller owns the retry. After a successful send under
// polling, a silent refetch runs so the sender sees their own message without
// waiting for the next tick; under realtime the echo arrives through the feed
// like any other client's message.
func (rs *RoomSync) Send(ctx context.Context, userID, userName, userAvatar, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &SendError{RoomID: rs.roomID, Err: ErrEmptyContent}
	}

	var localID string
	if rs.optimistic {
		localID = "local-" + ulid.Make().String()
		rs.mu.Lock()
		rs.pending = append(rs.pending, Message{
			ID:         localID,
			RoomID:     rs.roomID,
			UserID:     userID,
			Content:    content,
			UserName:   userName,
			UserAvatar: userAvatar,
			CreatedAt:  time.Now().UTC(),
		})
		rs.mu.Unlock()
	}

	_, err := rs.client.Messages.Insert(ctx, &NewMessage{
		RoomID:     rs.roomID,
		UserID:     userID,
		Content:    content,
		UserName:   userName,
		UserAvatar: userAvatar,
	})
	if err != nil {
		if localID != "" {
			rs.removePending(localID)
		}
		return &SendError{RoomID: rs.roomID, Err: err}
	}

	rs.mu.Lock()
	polling := rs.polling
	gen := rs.gen
	rs.mu.Unlock()
	if polling {
		if err := rs.refresh(ctx, gen); err != nil {
			glog.V(1).Infof("room %s: post-send refetch: %v", rs.roomID, err)
		}
	}
	return nil
}

func (rs *RoomSync) pollLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(rs.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rs.refresh(ctx, gen); err != nil {
				glog.V(1).Infof("room %s: poll: %v", rs.roomID, err)
			}
		}
	}
}

// refresh refetches the full room history and replaces local state wholesale.
// On failure the prior state is preserved; the messages list is never cleared
// by a transient fetch error.
func (rs *RoomSync) refresh(ctx context.Context, gen int) error {
	msgs, err := rs.client.Messages.List(ctx, rs.roomID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if gen != rs.gen {
		rs.mu.Unlock()
		return nil
	}
	var appended []Message
	next := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		next[m.ID] = m
		if _, ok := rs.byID[m.ID]; !ok && rs.synced {
			appended = append(appended, m)
		}
	}
	rs.byID = next
	rs.reconcilePendingLocked(msgs)
	rs.synced = true
	rs.state = SyncSynced
	onAppend := rs.onAppend
	rs.mu.Unlock()

	if onAppend != nil {
		for _, m := range appended {
			onAppend(m)
		}
	}
	return nil
}

// handleInsert appends one feed-delivered row, ignoring duplicates and
// deliveries for a stopped generation.
func (rs *RoomSync) handleInsert(gen int, ev ChangeEvent) {
	if ev.Type != "INSERT" {
		return
	}
	var m Message
	if json.Unmarshal(ev.Record, &m) != nil || m.ID == "" {
		return
	}

	rs.mu.Lock()
	if gen != rs.gen {
		rs.mu.Unlock()
		return
	}
	if _, ok := rs.byID[m.ID]; ok {
		rs.mu.Unlock()
		return
	}
	rs.byID[m.ID] = m
	rs.dropMatchingPendingLocked(m)
	onAppend := rs.onAppend
	rs.mu.Unlock()

	if onAppend != nil {
		onAppend(m)
	}
}

// reconcilePendingLocked drops provisional echoes whose store row is present.
// The store row has no client id, so a pending entry matches on sender and
// content, oldest first.
func (rs *RoomSync) reconcilePendingLocked(rows []Message) {
	if len(rs.pending) == 0 {
		return
	}
	for _, m := range rows {
		rs.dropMatchingPendingLocked(m)
	}
}

func (rs *RoomSync) dropMatchingPendingLocked(m Message) {
	for i, p := range rs.pending {
		if p.UserID == m.UserID && p.Content == m.Content {
			rs.pending = append(rs.pending[:i], rs.pending[i+1:]...)
			return
		}
	}
}

func (rs *RoomSync) removePending(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, p := range rs.pending {
		if p.ID == id {
			rs.pending = append(rs.pending[:i], rs.pending[i+1:]...)
			return
		}
	}
}
