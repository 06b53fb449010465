package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/display"
	"github.com/unklstewy/aboveme/pkg/geomath"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

// a few hundred feet from the receiver, 3000 ft up
const overhead = `{"hex":"abc123","flight":"KLM1234 ","lat":53.201,"lon":6.501,"alt_baro":3000,"track":90,"gs":200,"rssi":-12.5,"seen":0.4}`

// well outside both thresholds
const distant = `{"hex":"def456","lat":53.6,"lon":6.9,"alt_baro":30000,"track":10,"gs":450}`

func payload(now float64, aircraft ...string) []byte {
	return []byte(fmt.Sprintf(`{"now":%v,"messages":1000,"aircraft":[%s]}`, now, strings.Join(aircraft, ",")))
}

// scriptedSource returns its responses in order and repeats the last one.
type scriptedSource struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	raw []byte
	err error
}

func (s *scriptedSource) FetchSnapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i].raw, s.responses[i].err
}

func (s *scriptedSource) Close() error { return nil }

func source(payloads ...[]byte) *scriptedSource {
	s := &scriptedSource{}
	for _, p := range payloads {
		s.responses = append(s.responses, response{raw: p})
	}
	return s
}

// recordingNotifier remembers every event and can be told to fail.
type recordingNotifier struct {
	events []tracking.FireEvent
	err    error
	onCall func(tracking.FireEvent)
}

func (n *recordingNotifier) Notify(_ context.Context, ev tracking.FireEvent) error {
	n.events = append(n.events, ev)
	if n.onCall != nil {
		n.onCall(ev)
	}
	return n.err
}

type reloadCounter struct {
	reloads int
	onCall  func()
	err     error
}

func (d *reloadCounter) CaptureForHex(context.Context, string) (*display.Screenshot, error) {
	return nil, nil
}

func (d *reloadCounter) Reload(context.Context) error {
	d.reloads++
	if d.onCall != nil {
		d.onCall()
	}
	return d.err
}

type fixture struct {
	w        *Watcher
	notifier *recordingNotifier
	display  *reloadCounter
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, src adsb.DataSource, wait int) *fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	enricher, err := tracking.NewEnricher(tracking.Receiver{Point: geomath.Point{Lat: 53.2, Lon: 6.5}, AltitudeFt: 10}, logger)
	require.NoError(t, err)

	f := &fixture{notifier: &recordingNotifier{}, display: &reloadCounter{}, logs: logs}
	f.w, err = New(Options{
		Source:         src,
		Parser:         adsb.Dump1090Parser{},
		Enricher:       enricher,
		Tracker:        tracking.NewTracker(2.0, 60.0, wait, logger),
		Notifier:       f.notifier,
		Display:        f.display,
		Interval:       time.Second,
		ReloadInterval: time.Hour,
		Logger:         logger,
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	for _, name := range []string{"source", "parser", "enricher", "tracker", "notifier"} {
		assert.ErrorContains(t, err, name+" is required")
	}
}

func TestCycleFiresAfterWait(t *testing.T) {
	f := newFixture(t, source(
		payload(1, overhead, distant),
		payload(2, distant),
		payload(3, distant),
	), 1)
	ctx := t.Context()

	require.NoError(t, f.w.Cycle(ctx))
	alarms := f.w.Alarms()
	require.Contains(t, alarms, "ABC123")
	assert.NotContains(t, alarms, "DEF456")
	assert.Equal(t, 1, f.w.Status().Tracked)

	require.NoError(t, f.w.Cycle(ctx))
	assert.Equal(t, 1, f.w.Alarms()["ABC123"].Misses)
	assert.Empty(t, f.notifier.events)

	require.NoError(t, f.w.Cycle(ctx))
	require.Len(t, f.notifier.events, 1)
	ev := f.notifier.events[0]
	assert.Equal(t, "ABC123", ev.Hex)
	assert.Equal(t, 1.0, ev.Best.Timestamp)
	assert.Less(t, ev.Best.Distance, 0.2)
	assert.Empty(t, f.w.Alarms())

	st := f.w.Status()
	assert.Equal(t, uint64(3), st.Cycles)
	assert.Equal(t, 0, st.Tracked)
	assert.Equal(t, adsb.EpochToTime(3), st.LastSnapshot)
}

func TestCycleSkipsStaleSnapshot(t *testing.T) {
	f := newFixture(t, source(
		payload(1, overhead),
		// same timestamp, aircraft gone: must not count as a miss
		payload(1),
		payload(1),
	), 0)
	ctx := t.Context()

	require.NoError(t, f.w.Cycle(ctx))
	before := f.logs.Len()
	require.NotZero(t, before)

	require.NoError(t, f.w.Cycle(ctx))
	require.NoError(t, f.w.Cycle(ctx))

	assert.Equal(t, before, f.logs.Len(), "stale cycles must not log")
	assert.Empty(t, f.notifier.events)
	require.Contains(t, f.w.Alarms(), "ABC123")
	assert.Equal(t, 0, f.w.Alarms()["ABC123"].Misses)
	assert.Equal(t, uint64(1), f.w.Status().Cycles)
}

func TestCycleFeedErrorLeavesTableUntouched(t *testing.T) {
	src := &scriptedSource{responses: []response{
		{raw: payload(1, overhead)},
		{err: fmt.Errorf("%w: connection refused", adsb.ErrFeedUnavailable)},
		{raw: []byte(`{"aircraft":[`)},
		{err: errors.New("socket closed")},
	}}
	f := newFixture(t, src, 0)
	ctx := t.Context()

	require.NoError(t, f.w.Cycle(ctx))

	for i := 0; i < 3; i++ {
		err := f.w.Cycle(ctx)
		assert.ErrorIs(t, err, adsb.ErrFeedUnavailable, "cycle %d", i+2)
	}

	require.Contains(t, f.w.Alarms(), "ABC123")
	assert.Equal(t, 0, f.w.Alarms()["ABC123"].Misses)
	assert.Empty(t, f.notifier.events)
	assert.Contains(t, f.w.Status().LastFeedError, "socket closed")
	assert.Contains(t, f.logs.String(), "feed unavailable")
}

func TestCycleRetriesFetch(t *testing.T) {
	src := &scriptedSource{responses: []response{
		{err: fmt.Errorf("%w: timeout", adsb.ErrFeedUnavailable)},
		{raw: payload(1, overhead)},
	}}
	f := newFixture(t, src, 0)
	f.w.feedRetry = adsb.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	require.NoError(t, f.w.Cycle(t.Context()))
	assert.Equal(t, 2, src.calls)
	assert.Contains(t, f.w.Alarms(), "ABC123")
}

func TestNotificationFailureDoesNotRefire(t *testing.T) {
	f := newFixture(t, source(
		payload(1, overhead),
		payload(2),
		payload(3),
		payload(4),
	), 0)
	f.notifier.err = errors.New("bluesky down")
	ctx := t.Context()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.w.Cycle(ctx))
	}
	assert.Len(t, f.notifier.events, 1)
	assert.Empty(t, f.w.Alarms())
	assert.Contains(t, f.logs.String(), "bluesky down")
}

func TestRunReloadsOnlyWhenIdle(t *testing.T) {
	f := newFixture(t, source(
		payload(1, overhead),
		payload(2, overhead),
		payload(3),
		payload(4),
	), 0)

	var order []string
	f.notifier.onCall = func(ev tracking.FireEvent) { order = append(order, "notify:"+ev.Hex) }
	f.display.onCall = func() { order = append(order, "reload") }

	clock := time.Date(2024, 1, 27, 13, 0, 0, 0, time.UTC)
	f.w.now = func() time.Time { return clock }
	sleeps := 0
	f.w.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 5 {
			return context.Canceled
		}
		clock = clock.Add(40 * time.Minute)
		return nil
	}

	require.NoError(t, f.w.Run(t.Context()))

	// 80 minutes pass while ABC123 is tracked; the reload waits until it fires
	assert.Equal(t, 1, f.display.reloads)
	assert.Equal(t, []string{"notify:ABC123", "reload"}, order)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, source(payload(1)), 0)
	f.w.interval = time.Hour

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReloadFailureIsLogged(t *testing.T) {
	f := newFixture(t, source(payload(1)), 0)
	f.display.err = errors.New("chrome crashed")

	clock := time.Date(2024, 1, 27, 13, 0, 0, 0, time.UTC)
	f.w.now = func() time.Time { return clock }
	f.w.lastReload = clock.Add(-2 * time.Hour)

	f.w.maybeReload(t.Context())
	assert.Equal(t, 1, f.display.reloads)
	assert.Equal(t, clock, f.w.lastReload)
	assert.Contains(t, f.logs.String(), "chrome crashed")

	// not due again yet
	f.w.maybeReload(t.Context())
	assert.Equal(t, 1, f.display.reloads)
}
