package ministry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// AttendanceSyncOptions configures an AttendanceSync.
type AttendanceSyncOptions struct {
	// Strategy defaults to realtime when Feed is set, polling otherwise.
	Strategy SyncStrategy
	// PollInterval applies to the polling strategy. Default 3s.
	PollInterval time.Duration
	// Feed is required for the realtime strategy; a failed subscribe falls
	// back to polling.
	Feed ChangeFeed
	// OnChange is invoked after each applied reload.
	OnChange func()
}

// AttendanceSync reconciles the RSVP set for one event. Any change to the
// event's attendance rows triggers a full reload rather than a row patch: the
// set is small and the store's upsert keeps it at one row per user, so a
// reload is always consistent.
type AttendanceSync struct {
	client       *Client
	eventID      string
	userID       string
	strategy     SyncStrategy
	pollInterval time.Duration
	feed         ChangeFeed
	onChange     func()

	mu      sync.Mutex
	state   SyncState
	records []AttendanceRecord
	gen     int
	cancel  context.CancelFunc
	sub     *FeedSubscription
}

// NewAttendanceSync creates a sync engine for one event's attendance, with
// userID identifying the current user for Status.
func NewAttendanceSync(client *Client, eventID, userID string, opts *AttendanceSyncOptions) *AttendanceSync {
	as := &AttendanceSync{
		client:       client,
		eventID:      eventID,
		userID:       userID,
		strategy:     StrategyPolling,
		pollInterval: DefaultPollInterval,
		state:        SyncIdle,
	}
	if opts != nil {
		if opts.Feed != nil {
			as.feed = opts.Feed
			as.strategy = StrategyRealtime
		}
		if opts.Strategy != "" {
			as.strategy = opts.Strategy
		}
		if opts.PollInterval > 0 {
			as.pollInterval = opts.PollInterval
		}
		as.onChange = opts.OnChange
	}
	return as
}

// State returns the current sync state.
func (as *AttendanceSync) State() SyncState {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state
}

// Start loads the attendance set and begins watching for changes.
func (as *AttendanceSync) Start(ctx context.Context) error {
	if as.eventID == "" {
		return &AttendanceError{UserID: as.userID, Err: ErrMissingEvent}
	}

	as.mu.Lock()
	if as.cancel != nil {
		as.mu.Unlock()
		return fmt.Errorf("attendance sync for %s already started", as.eventID)
	}
	as.gen++
	gen := as.gen
	runCtx, cancel := context.WithCancel(ctx)
	as.cancel = cancel
	as.state = SyncLoading
	as.mu.Unlock()

	if err := as.refresh(runCtx, gen); err != nil {
		glog.Warningf("event %s: initial attendance load failed: %v", as.eventID, err)
	}

	strategy := as.strategy
	if strategy == StrategyRealtime {
		scope := EventScope(as.eventID)
		sub, err := as.feed.Subscribe(runCtx, scope, func(ChangeEvent) {
			// Inserts and in-place status updates both arrive here; reload.
			if err := as.refresh(runCtx, gen); err != nil {
				glog.V(1).Infof("event %s: feed reload: %v", as.eventID, err)
			}
		})
		if err != nil {
			glog.Warningf("event %s: %v; falling back to polling", as.eventID,
				&SubscriptionError{Scope: scope, Err: err})
			strategy = StrategyPolling
		} else {
			as.mu.Lock()
			if as.gen != gen {
				as.mu.Unlock()
				sub.Release()
				return nil
			}
			as.sub = sub
			as.mu.Unlock()
		}
	}

	if strategy == StrategyPolling {
		go as.pollLoop(runCtx, gen)
	}
	return nil
}

// Stop tears down the subscription or timer and discards the local set.
func (as *AttendanceSync) Stop() {
	as.mu.Lock()
	as.gen++
	cancel := as.cancel
	sub := as.sub
	as.cancel = nil
	as.sub = nil
	as.state = SyncIdle
	as.records = nil
	as.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Release()
	}
}

// Records returns a copy of the current attendance set.
func (as *AttendanceSync) Records() []AttendanceRecord {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]AttendanceRecord, len(as.records))
	copy(out, as.records)
	return out
}

// Status returns the current user's own RSVP, with ok false when the user has
// not responded.
func (as *AttendanceSync) Status() (AttendanceStatus, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.records {
		if r.UserID == as.userID {
			return r.Status, true
		}
	}
	return "", false
}

// Counts derives the attending and not-attending totals by filtering the
// current set. The store's one-row-per-user upsert means no dedup is needed.
func (as *AttendanceSync) Counts() (attending, notAttending int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.records {
		switch r.Status {
		case StatusAttending:
			attending++
		case StatusNotAttending:
			notAttending++
		}
	}
	return attending, notAttending
}

// Update upserts the current user's RSVP, keyed (event, user): the first call
// creates the record, later calls overwrite its status in place. Re-sending
// the current status is a harmless no-op. Remote failures are returned as an
// AttendanceError; the caller surfaces them without automatic retry.
func (as *AttendanceSync) Update(ctx context.Context, status AttendanceStatus) error {
	if as.eventID == "" {
		return &AttendanceError{UserID: as.userID, Err: ErrMissingEvent}
	}
	if as.userID == "" {
		return &AttendanceError{EventID: as.eventID, Err: ErrMissingUser}
	}
	if !status.Valid() {
		return &AttendanceError{EventID: as.eventID, UserID: as.userID, Err: ErrInvalidStatus}
	}

	if _, err := as.client.Attendance.Upsert(ctx, as.eventID, as.userID, status); err != nil {
		return &AttendanceError{EventID: as.eventID, UserID: as.userID, Err: err}
	}

	// Silent reload so the caller's next read reflects the write; the feed
	// echo (when live) applies the same rows again harmlessly.
	as.mu.Lock()
	gen := as.gen
	as.mu.Unlock()
	if err := as.refresh(ctx, gen); err != nil {
		glog.V(1).Infof("event %s: post-update reload: %v", as.eventID, err)
	}
	return nil
}

func (as *AttendanceSync) pollLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(as.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := as.refresh(ctx, gen); err != nil {
				glog.V(1).Infof("event %s: poll: %v", as.eventID, err)
			}
		}
	}
}

// refresh refetches the event's rows and replaces the local set. Failures
// preserve prior state.
func (as *AttendanceSync) refresh(ctx context.Context, gen int) error {
	records, err := as.client.Attendance.List(ctx, as.eventID)
	if err != nil {
		return err
	}

	as.mu.Lock()
	if gen != as.gen {
		as.mu.Unlock()
		return nil
	}
	as.records = records
	as.state = SyncSynced
	onChange := as.onChange
	as.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return nil
}
