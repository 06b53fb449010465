package adsb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dump1090Fixture = `{
  "now": 1706360400.0,
  "messages": 12345678,
  "aircraft": [
    {"hex": "abc123", "squawk": "7000", "flight": "KLM1234 ", "lat": 53.3, "lon": 6.6,
     "altitude": 15000, "vert_rate": -1024, "track": 270, "speed": 350,
     "messages": 150, "seen": 0.5, "rssi": -25.5},
    {"hex": "def456", "squawk": "1200", "flight": "TRA567  ", "lat": 53.25, "lon": 6.55,
     "altitude": 3500, "vert_rate": 0, "track": 45, "speed": 180,
     "messages": 89, "seen": 1.2, "rssi": -18.3},
    {"hex": "789xyz", "squawk": "2000", "flight": "BAW888  ", "lat": 53.4, "lon": 6.7,
     "altitude": 35000, "vert_rate": 128, "track": 135, "speed": 520,
     "messages": 234, "seen": 2.1, "rssi": -30.2},
    {"hex": "nopos1", "squawk": "7700", "flight": "EMG999  ",
     "messages": 45, "seen": 0.8, "rssi": -22.0}
  ]
}`

const vrsFixture = `{
  "acList": [
    {"Icao": "abc123", "Sqk": "7000", "Call": "KLM1234", "Lat": 53.3, "Long": 6.6,
     "Alt": 15000, "Vsi": -1024, "Trak": 270, "Spd": 350, "Sig": 150},
    {"Icao": "def456", "Sqk": "1200", "Call": "TRA567", "Lat": 53.25, "Long": 6.55,
     "Alt": 3500, "Vsi": 0, "Trak": 45, "Spd": 180, "Sig": 89}
  ],
  "stm": 1706360400000
}`

func TestNewParser(t *testing.T) {
	p, err := NewParser("dump1090")
	require.NoError(t, err)
	assert.Equal(t, "dump1090", p.Name())

	p, err = NewParser("vrs")
	require.NoError(t, err)
	assert.Equal(t, "vrs", p.Name())

	_, err = NewParser("sbs")
	assert.Error(t, err)
}

func TestDump1090Parser(t *testing.T) {
	p := Dump1090Parser{}

	t.Run("timestamp", func(t *testing.T) {
		ts, err := p.ExtractTimestamp([]byte(dump1090Fixture))
		require.NoError(t, err)
		assert.Equal(t, 1706360400.0, ts)
	})

	t.Run("observations", func(t *testing.T) {
		obs, err := p.ParseObservations([]byte(dump1090Fixture))
		require.NoError(t, err)
		require.Len(t, obs, 4)

		ac := obs[0]
		assert.Equal(t, "ABC123", ac.Hex)
		assert.Equal(t, "7000", *ac.Squawk)
		assert.Equal(t, "KLM1234 ", *ac.Callsign)
		assert.Equal(t, "KLM1234", ac.Ident())
		assert.Equal(t, 53.3, *ac.Lat)
		assert.Equal(t, 6.6, *ac.Lon)
		assert.Equal(t, 15000.0, ac.Altitude)
		assert.Equal(t, -1024.0, ac.VertRate)
		assert.Equal(t, 270.0, *ac.Track)
		assert.InDelta(t, 350*1.15078, *ac.Speed, 1e-9)
		assert.Equal(t, 150, ac.Messages)
		assert.Equal(t, -25.5, ac.RSSI)
		assert.Equal(t, 0.5, *ac.Seen)

		noPos := obs[3]
		assert.Equal(t, "NOPOS1", noPos.Hex)
		assert.False(t, noPos.HasPosition())
		assert.Nil(t, noPos.Track)
		assert.Nil(t, noPos.Speed)
	})

	t.Run("ground altitude", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [{"hex": "abc123", "lat": 53.2, "lon": 6.5, "alt_baro": "ground", "track": 90, "speed": 10}]}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		require.Len(t, obs, 1)
		assert.Equal(t, 0.0, obs[0].Altitude)
	})

	t.Run("alt_baro preferred over altitude", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [{"hex": "a", "alt_baro": 1200, "altitude": 900, "baro_rate": 64, "vert_rate": 10}]}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, 1200.0, obs[0].Altitude)
		assert.Equal(t, 64.0, obs[0].VertRate)
	})

	t.Run("speed priority", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [
			{"hex": "a", "speed": 300, "gs": 1, "mach": 0.1},
			{"hex": "b", "gs": 450, "mach": 0.1},
			{"hex": "c", "mach": 0.85}]}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		require.Len(t, obs, 3)
		assert.InDelta(t, 345.23, *obs[0].Speed, 0.01)
		assert.InDelta(t, 517.85, *obs[1].Speed, 0.01)
		assert.InDelta(t, 652.18, *obs[2].Speed, 0.01)
	})

	t.Run("malformed records are dropped", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [
			{"hex": "good1", "lat": 1, "lon": 2},
			{"hex": "bad1", "lat": "north"},
			42,
			{"flight": "NOHEX"},
			{"hex": "good2"}]}`
		feed, err := p.Parse([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, 3, feed.Dropped)
		require.Len(t, feed.Observations, 2)
		assert.Equal(t, "GOOD1", feed.Observations[0].Hex)
		assert.Equal(t, "GOOD2", feed.Observations[1].Hex)
	})

	t.Run("half a position is no position", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [{"hex": "a", "lat": 53.2}]}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		assert.False(t, obs[0].HasPosition())
		assert.Nil(t, obs[0].Lat)
	})

	t.Run("track normalised", func(t *testing.T) {
		raw := `{"now": 1, "aircraft": [{"hex": "a", "track": 360}]}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, 0.0, *obs[0].Track)
	})

	t.Run("malformed payloads", func(t *testing.T) {
		for _, raw := range []string{`invalid json {`, `{"aircraft": []}`, `{"now": 1}`, `[]`} {
			_, err := p.Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrFeedUnavailable, raw)
		}
	})
}

func TestVRSParser(t *testing.T) {
	p := VRSParser{}

	ts, err := p.ExtractTimestamp([]byte(vrsFixture))
	require.NoError(t, err)
	assert.Equal(t, 1706360400.0, ts)

	obs, err := p.ParseObservations([]byte(vrsFixture))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	ac := obs[0]
	assert.Equal(t, "ABC123", ac.Hex)
	assert.Equal(t, "7000", *ac.Squawk)
	assert.Equal(t, "KLM1234", *ac.Callsign)
	assert.Equal(t, 53.3, *ac.Lat)
	assert.Equal(t, 6.6, *ac.Lon)
	assert.Equal(t, 15000.0, ac.Altitude)
	assert.Equal(t, -1024.0, ac.VertRate)
	assert.Equal(t, 270.0, *ac.Track)
	assert.Equal(t, 150.0, ac.RSSI)

	t.Run("speed is knots", func(t *testing.T) {
		raw := `{"acList": [{"Icao": "abc123", "Lat": 53.2, "Long": 6.5, "Alt": 10000, "Spd": 400, "Trak": 90}], "stm": 1706360400000}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		assert.Greater(t, *obs[0].Speed, 450.0)
		assert.Less(t, *obs[0].Speed, 470.0)
	})

	t.Run("on ground", func(t *testing.T) {
		raw := `{"acList": [{"Icao": "a", "Alt": 125, "Gnd": true}], "stm": 1}`
		obs, err := p.ParseObservations([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, 0.0, obs[0].Altitude)
	})

	t.Run("malformed", func(t *testing.T) {
		feed, err := p.Parse([]byte(`{"acList": [{"Icao": 12}, {"Icao": "ok"}], "stm": 1000}`))
		require.NoError(t, err)
		assert.Equal(t, 1, feed.Dropped)
		assert.Equal(t, 1.0, feed.Timestamp)

		_, err = p.Parse([]byte(dump1090Fixture))
		assert.ErrorIs(t, err, ErrFeedUnavailable)
	})
}

func TestFeedTime(t *testing.T) {
	f := Feed{Timestamp: 1706360400.5}
	assert.Equal(t, time.Date(2024, 1, 27, 13, 0, 0, 500000000, time.UTC), f.Time())
}

func TestHTTPSource(t *testing.T) {
	t.Run("successful fetch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/data/aircraft.json", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(dump1090Fixture))
		}))
		defer server.Close()

		src := NewHTTPSource(server.URL+"/data/aircraft.json", time.Second, 0)
		defer src.Close()

		raw, err := src.FetchSnapshot(context.Background())
		require.NoError(t, err)
		assert.True(t, json.Valid(raw))
	})

	t.Run("rate limit", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := NewHTTPSource(server.URL, time.Second, 0).FetchSnapshot(context.Background())
		rle, ok := IsRateLimitError(err)
		require.True(t, ok)
		assert.Equal(t, 7*time.Second, rle.RetryAfter)
		assert.ErrorIs(t, err, ErrFeedUnavailable)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewHTTPSource(server.URL, time.Second, 0).FetchSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrFeedUnavailable)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("requests are spaced by min interval", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write([]byte(dump1090Fixture))
		}))
		defer server.Close()

		src := NewHTTPSource(server.URL, time.Second, 100*time.Millisecond)
		start := time.Now()
		for i := 0; i < 3; i++ {
			_, err := src.FetchSnapshot(context.Background())
			require.NoError(t, err)
		}
		assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("spacing wait honours cancellation", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write([]byte(dump1090Fixture))
		}))
		defer server.Close()

		src := NewHTTPSource(server.URL, time.Second, time.Hour)
		_, err := src.FetchSnapshot(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = src.FetchSnapshot(ctx)
		assert.Error(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("close releases idle connections", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(dump1090Fixture))
		}))
		defer server.Close()

		src := NewHTTPSource(server.URL, time.Second, 0)
		_, err := src.FetchSnapshot(context.Background())
		require.NoError(t, err)
		assert.NoError(t, src.Close())

		_, err = src.FetchSnapshot(context.Background())
		assert.NoError(t, err, "source stays usable after Close")
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewHTTPSource(url, time.Second, 0).FetchSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrFeedUnavailable)
	})
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aircraft.json")
	require.NoError(t, os.WriteFile(path, []byte(vrsFixture), 0644))

	raw, err := NewFileSource(path).FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, vrsFixture, string(raw))

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.json")).FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrFeedUnavailable)
}
