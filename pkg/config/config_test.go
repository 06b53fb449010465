package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2.0, cfg.Alarm.DistanceAlarmMi)
	assert.Equal(t, 60.0, cfg.Alarm.ElevationAlarmDeg)
	assert.Equal(t, 3, cfg.Alarm.WaitUpdates)
	assert.Equal(t, time.Second, cfg.Alarm.SleepInterval())
	assert.Equal(t, time.Hour, cfg.Alarm.ReloadInterval())

	assert.Equal(t, "dump1090", cfg.Feed.Format)
	assert.Equal(t, 5*time.Second, cfg.Feed.Timeout())
	assert.Equal(t, time.Duration(0), cfg.Feed.MinInterval())

	assert.False(t, cfg.Display.Enabled)
	assert.Equal(t, 2500*time.Millisecond, cfg.Display.Settle())

	assert.Equal(t, "https://api.adsbdb.com/v0", cfg.Metadata.BaseURL)
	assert.Equal(t, time.Hour, cfg.Metadata.CacheTTL())

	assert.True(t, cfg.Post.DryRun)
	assert.Equal(t, DefaultTemplate, cfg.Post.Template)
	assert.False(t, cfg.Bsky.Enabled)

	assert.Equal(t, "0.0.0.0:8080", cfg.Status.Addr())
	assert.Equal(t, "info", cfg.Log.Level)

	assert.NoError(t, cfg.Validate())
}

// TestLoadNonExistentFile tests that Load returns default config when file doesn't exist.
func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Alarm, cfg.Alarm)
}

// TestLoadPartialConfig tests that fields absent from the file keep their defaults.
func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"receiver": {"name": "Tustin", "latitude": 33.7, "longitude": -117.8, "altitude_ft": 150},
		"alarm": {"distance_alarm_mi": 1.5, "wait_updates": 5},
		"feed": {"format": "vrs", "url": "http://vrs.local/VirtualRadar/AircraftList.json"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Tustin", cfg.Receiver.Name)
	assert.Equal(t, 150.0, cfg.Receiver.AltitudeFt)
	assert.Equal(t, 1.5, cfg.Alarm.DistanceAlarmMi)
	assert.Equal(t, 5, cfg.Alarm.WaitUpdates)
	// untouched
	assert.Equal(t, 60.0, cfg.Alarm.ElevationAlarmDeg)
	assert.Equal(t, "vrs", cfg.Feed.Format)
	assert.Equal(t, 2, cfg.Feed.Retries)
	assert.NoError(t, cfg.Validate())
}

// TestLoadInvalidJSON tests that Load returns error for invalid JSON.
func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(path, []byte("{invalid json"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

// TestSaveConfigRoundTrip tests that a saved config loads back identically.
func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

	cfg := DefaultConfig()
	cfg.Receiver.Latitude = 53.2
	cfg.Receiver.Longitude = 6.5
	cfg.Bsky.Handle = "abovegrq.bsky.social"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

// TestEnvironmentOverrides tests that secrets and ports come from the environment.
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ABOVEME_STATUS_PORT", "7777")
	t.Setenv("ABOVEME_FEED_URL", "http://env-feed/data/aircraft.json")
	t.Setenv("ABOVEME_BSKY_HANDLE", "env.bsky.social")
	t.Setenv("ABOVEME_BSKY_PASSWORD", "app-password")
	t.Setenv("ABOVEME_LOG_LEVEL", "debug")
	t.Setenv("ABOVEME_DRY_RUN", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Status.Port)
	assert.Equal(t, "http://env-feed/data/aircraft.json", cfg.Feed.URL)
	assert.Equal(t, "env.bsky.social", cfg.Bsky.Handle)
	assert.Equal(t, "app-password", cfg.Bsky.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Post.DryRun)
}

// TestValidate checks the rejected settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"latitude", func(c *Config) { c.Receiver.Latitude = 91 }, "receiver.latitude"},
		{"longitude", func(c *Config) { c.Receiver.Longitude = -181 }, "receiver.longitude"},
		{"wait updates", func(c *Config) { c.Alarm.WaitUpdates = -1 }, "alarm.wait_updates"},
		{"feed format", func(c *Config) { c.Feed.Format = "sbs" }, "feed.format"},
		{"no feed", func(c *Config) { c.Feed.URL = "" }, "feed.url or feed.file"},
		{"display url", func(c *Config) { c.Display.Enabled = true; c.Display.URL = "" }, "display.url"},
		{"crop size", func(c *Config) { c.Crop.Enabled = true; c.Crop.Width = 0 }, "crop.width"},
		{"bsky credentials", func(c *Config) { c.Bsky.Enabled = true }, "bsky.handle"},
		{"timezone", func(c *Config) { c.Post.TimeZone = "Mars/Olympus_Mons" }, "post.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("reports every bad setting", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Receiver.Latitude = 91
		cfg.Feed.Format = "sbs"
		cfg.Alarm.WaitUpdates = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorContains(t, err, "receiver.latitude")
		assert.ErrorContains(t, err, "feed.format")
		assert.ErrorContains(t, err, "alarm.wait_updates")
	})

	t.Run("file replaces url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Feed.URL = ""
		cfg.Feed.File = "testdata/aircraft.json"
		assert.NoError(t, cfg.Validate())
	})
}

// TestExampleConfig keeps the shipped example loadable and valid.
func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.example.json"))
	require.NoError(t, err)
	assert.Equal(t, "Tustin", cfg.Receiver.Name)
	assert.Equal(t, "America/Los_Angeles", cfg.Post.TimeZone)
	assert.NoError(t, cfg.Validate())
}
