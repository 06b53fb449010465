// Package watcher runs the poll loop: fetch a snapshot, skip it when the feed
// has not moved on, enrich it, advance the alarm table and hand every ended
// episode to the notification pipeline.
//
// One cycle runs to completion before the next begins. The alarm table is
// owned by the loop goroutine; readers get copies through Alarms.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unklstewy/aboveme/internal/metrics"
	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/display"
	"github.com/unklstewy/aboveme/pkg/post"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

// Display captures map screenshots and can be reset between episodes.
type Display interface {
	CaptureForHex(ctx context.Context, hex string) (*display.Screenshot, error)
	Reload(ctx context.Context) error
}

// Metadata answers lookups about an aircraft. Every method returns
// post.Unknown rather than an error.
type Metadata interface {
	Registration(ctx context.Context, hex string) string
	AircraftType(ctx context.Context, hex string) string
	Operator(ctx context.Context, hex string) string
	Route(ctx context.Context, callsign string) string
}

// Publisher sends a composed post.
type Publisher interface {
	Publish(ctx context.Context, p post.Post) error
}

// Notifier reports an ended episode.
type Notifier interface {
	Notify(ctx context.Context, ev tracking.FireEvent) error
}

// Options wires a Watcher. Source, Parser, Enricher, Tracker and Notifier
// are required.
type Options struct {
	Source   adsb.DataSource
	Parser   adsb.FeedParser
	Enricher *tracking.Enricher
	Tracker  *tracking.Tracker
	Notifier Notifier

	// Display is reloaded periodically while nothing is tracked. Optional.
	Display Display

	// Interval is the sleep between cycles
	Interval time.Duration

	// ReloadInterval is how often the display is reloaded. 0 disables it.
	ReloadInterval time.Duration

	// FeedRetry governs retries of a failed fetch within one cycle
	FeedRetry adsb.RetryConfig

	Logger *slog.Logger
}

// Status summarizes the loop for health checks.
type Status struct {
	Cycles        uint64    `json:"cycles"`
	LastCycle     time.Time `json:"last_cycle"`
	LastSnapshot  time.Time `json:"last_snapshot"`
	LastFeedError string    `json:"last_feed_error,omitempty"`
	Tracked       int       `json:"tracked"`
}

// Watcher is the poll loop.
type Watcher struct {
	source   adsb.DataSource
	parser   adsb.FeedParser
	enricher *tracking.Enricher
	tracker  *tracking.Tracker
	notifier Notifier
	display  Display

	interval       time.Duration
	reloadInterval time.Duration
	feedRetry      adsb.RetryConfig
	logger         *slog.Logger

	// loop state, touched only by the loop goroutine
	table         tracking.AlarmTable
	lastTimestamp float64
	haveSnapshot  bool
	lastReload    time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	published tracking.AlarmTable
	status    Status
}

// New creates a watcher with an empty alarm table.
func New(opts Options) (*Watcher, error) {
	var missing []error
	if opts.Source == nil {
		missing = append(missing, errors.New("source is required"))
	}
	if opts.Parser == nil {
		missing = append(missing, errors.New("parser is required"))
	}
	if opts.Enricher == nil {
		missing = append(missing, errors.New("enricher is required"))
	}
	if opts.Tracker == nil {
		missing = append(missing, errors.New("tracker is required"))
	}
	if opts.Notifier == nil {
		missing = append(missing, errors.New("notifier is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Watcher{
		source:         opts.Source,
		parser:         opts.Parser,
		enricher:       opts.Enricher,
		tracker:        opts.Tracker,
		notifier:       opts.Notifier,
		display:        opts.Display,
		interval:       opts.Interval,
		reloadInterval: opts.ReloadInterval,
		feedRetry:      opts.FeedRetry,
		logger:         opts.Logger,
		table:          tracking.AlarmTable{},
		published:      tracking.AlarmTable{},
		now:            time.Now,
		sleep:          sleepContext,
	}, nil
}

// Run polls until ctx is cancelled. A failing cycle never stops the loop.
func (w *Watcher) Run(ctx context.Context) error {
	w.lastReload = w.now()
	w.logger.Info("watcher started",
		"interval", w.interval,
		"parser", w.parser.Name(),
		"distance_alarm_mi", w.tracker.DistanceAlarm,
		"elevation_alarm_deg", w.tracker.ElevationAlarm,
		"wait_updates", w.tracker.WaitUpdates)

	for {
		w.maybeReload(ctx)

		if err := w.sleep(ctx, w.interval); err != nil {
			w.logger.Info("watcher stopped", "tracked", len(w.table))
			return nil
		}

		// errors are logged by Cycle
		_ = w.Cycle(ctx)
	}
}

// maybeReload refreshes the display session once ReloadInterval has passed,
// but only while no aircraft is being tracked.
func (w *Watcher) maybeReload(ctx context.Context) {
	if w.display == nil || w.reloadInterval <= 0 || len(w.table) > 0 {
		return
	}
	if w.now().Sub(w.lastReload) < w.reloadInterval {
		return
	}

	w.logger.Info("reloading display", "since_last", w.now().Sub(w.lastReload).Round(time.Second))
	err := w.display.Reload(ctx)
	metrics.Notification("reload", err)
	if err != nil {
		w.logger.Error("display reload failed", "error", err)
	}
	w.lastReload = w.now()
}

// Cycle runs one poll cycle. A fetch or decode failure is returned wrapped in
// adsb.ErrFeedUnavailable and leaves the alarm table untouched: it is not
// treated as an empty snapshot, so tracked aircraft accrue no misses and no
// alarm is cleared during an outage. A snapshot with the same timestamp as
// the previous one is skipped silently.
func (w *Watcher) Cycle(ctx context.Context) (err error) {
	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("cycle panicked", "panic", r)
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	feed, err := w.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("feed unavailable", "error", err)
		metrics.ObserveCycle(metrics.OutcomeFeedError, 0)
		w.mu.Lock()
		w.status.LastFeedError = err.Error()
		w.mu.Unlock()
		return err
	}

	if w.haveSnapshot && feed.Timestamp == w.lastTimestamp {
		metrics.ObserveCycle(metrics.OutcomeStale, 0)
		return nil
	}
	w.haveSnapshot = true
	w.lastTimestamp = feed.Timestamp
	w.logger.Debug("snapshot", "time", feed.Time(), "aircraft", len(feed.Observations), "dropped", feed.Dropped)

	snap := w.enricher.EnrichAll(feed)
	events := w.tracker.Evaluate(w.table, snap)
	w.publish(feed)

	for _, ev := range events {
		metrics.FireEvent()
		if err := w.notifier.Notify(ctx, ev); err != nil {
			w.logger.Error("notification failed", "hex", ev.Hex, "episode", ev.Episode, "error", err)
		}
	}

	metrics.ObserveSnapshot(len(snap.Aircraft), feed.Dropped, len(snap.Skipped), len(w.table))
	metrics.ObserveCycle(metrics.OutcomeProcessed, w.now().Sub(start))
	return nil
}

func (w *Watcher) fetch(ctx context.Context) (adsb.Feed, error) {
	raw, err := adsb.RetryWithBackoffResult(ctx, w.feedRetry, func() ([]byte, error) {
		return w.source.FetchSnapshot(ctx)
	})
	if err != nil {
		if errors.Is(err, adsb.ErrFeedUnavailable) {
			return adsb.Feed{}, err
		}
		return adsb.Feed{}, fmt.Errorf("%w: %w", adsb.ErrFeedUnavailable, err)
	}
	return w.parser.Parse(raw)
}

func (w *Watcher) publish(feed adsb.Feed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = w.table.Copy()
	w.status.Cycles++
	w.status.LastCycle = w.now()
	w.status.LastSnapshot = feed.Time()
	w.status.LastFeedError = ""
	w.status.Tracked = len(w.table)
}

// Alarms returns a copy of the alarm table as of the last processed cycle.
func (w *Watcher) Alarms() tracking.AlarmTable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.published.Copy()
}

// Status returns loop statistics.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
