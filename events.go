package ministry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// EventsSyncOptions configures an EventsSync.
type EventsSyncOptions struct {
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

// EventsSync keeps a local copy of the events list current. Any change to the
// events table, a new posting or an edit, triggers a full reload rather than
// a row patch: the list is small and the store returns it date-ordered, so a
// reload is always consistent.
type EventsSync struct {
	client       *Client
	strategy     SyncStrategy
	pollInterval time.Duration
	feed         ChangeFeed
	onChange     func()

	mu     sync.Mutex
	state  SyncState
	events []Event
	gen    int
	cancel context.CancelFunc
	sub    *FeedSubscription
}

// NewEventsSync creates a sync engine for the events list.
func NewEventsSync(client *Client, opts *EventsSyncOptions) *EventsSync {
	es := &EventsSync{
		client:       client,
		strategy:     StrategyPolling,
		pollInterval: DefaultPollInterval,
		state:        SyncIdle,
	}
	if opts != nil {
		if opts.Feed != nil {
			es.feed = opts.Feed
			es.strategy = StrategyRealtime
		}
		if opts.Strategy != "" {
			es.strategy = opts.Strategy
		}
		if opts.PollInterval > 0 {
			es.pollInterval = opts.PollInterval
		}
		es.onChange = opts.OnChange
	}
	return es
}

// State returns the current sync state.
func (es *EventsSync) State() SyncState {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.state
}

// Start loads the events list and begins watching for changes.
func (es *EventsSync) Start(ctx context.Context) error {
	es.mu.Lock()
	if es.cancel != nil {
		es.mu.Unlock()
		return fmt.Errorf("events sync already started")
	}
	es.gen++
	gen := es.gen
	runCtx, cancel := context.WithCancel(ctx)
	es.cancel = cancel
	es.state = SyncLoading
	es.mu.Unlock()

	if err := es.refresh(runCtx, gen); err != nil {
		glog.Warningf("events: initial load failed: %v", err)
	}

	strategy := es.strategy
	if strategy == StrategyRealtime {
		scope := EventsScope()
		sub, err := es.feed.Subscribe(runCtx, scope, func(ChangeEvent) {
			if err := es.refresh(runCtx, gen); err != nil {
				glog.V(1).Infof("events: feed reload: %v", err)
			}
		})
		if err != nil {
			glog.Warningf("events: %v; falling back to polling",
				&SubscriptionError{Scope: scope, Err: err})
			strategy = StrategyPolling
		} else {
			es.mu.Lock()
			if es.gen != gen {
				es.mu.Unlock()
				sub.Release()
				return nil
			}
			es.sub = sub
			es.mu.Unlock()
		}
	}

	if strategy == StrategyPolling {
		go es.pollLoop(runCtx, gen)
	}
	return nil
}

// Stop tears down the subscription or timer and discards the local list.
func (es *EventsSync) Stop() {
	es.mu.Lock()
	es.gen++
	cancel := es.cancel
	sub := es.sub
	es.cancel = nil
	es.sub = nil
	es.state = SyncIdle
	es.events = nil
	es.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Release()
	}
}

// Events returns a copy of the current list, date ascending.
func (es *EventsSync) Events() []Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]Event, len(es.events))
	copy(out, es.events)
	return out
}

// Upcoming returns up to limit events on or after now.
func (es *EventsSync) Upcoming(now time.Time, limit int) []Event {
	return UpcomingEvents(es.Events(), now, limit)
}

func (es *EventsSync) pollLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(es.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := es.refresh(ctx, gen); err != nil {
				glog.V(1).Infof("events: poll: %v", err)
			}
		}
	}
}

// refresh refetches the list and replaces local state. Failures preserve
// prior state.
func (es *EventsSync) refresh(ctx context.Context, gen int) error {
	events, err := es.client.Events.List(ctx)
	if err != nil {
		return err
	}

	es.mu.Lock()
	if gen != es.gen {
		es.mu.Unlock()
		return nil
	}
	es.events = events
	es.state = SyncSynced
	onChange := es.onChange
	es.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return nil
}
