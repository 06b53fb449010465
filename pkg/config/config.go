package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Receiver ReceiverConfig `json:"receiver"`
	Alarm    AlarmConfig    `json:"alarm"`
	Feed     FeedConfig     `json:"feed"`
	Display  DisplayConfig  `json:"display"`
	Crop     CropConfig     `json:"crop"`
	Metadata MetadataConfig `json:"metadata"`
	Post     PostConfig     `json:"post"`
	Bsky     BskyConfig     `json:"bsky"`
	Status   StatusConfig   `json:"status"`
	Log      LogConfig      `json:"log"`
}

// ReceiverConfig contains the receiver's geographic location.
// All distances and angles are measured from this point.
type ReceiverConfig struct {
	// Name is a friendly identifier used in logs
	Name string `json:"name"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// AltitudeFt is the antenna height above sea level in feet
	AltitudeFt float64 `json:"altitude_ft"`
}

// AlarmConfig controls the proximity alarm.
type AlarmConfig struct {
	// DistanceAlarmMi: aircraft closer than this (statute miles) are in the zone
	DistanceAlarmMi float64 `json:"distance_alarm_mi"`

	// ElevationAlarmDeg: aircraft higher than this angle are in the zone
	ElevationAlarmDeg float64 `json:"elevation_alarm_deg"`

	// WaitUpdates is the number of out-of-zone snapshots tolerated before posting
	WaitUpdates int `json:"wait_updates"`

	// SleepSeconds is the pause between two polls
	SleepSeconds float64 `json:"sleep_seconds"`

	// ReloadIntervalMinutes is how often the display is reloaded while idle (0 = never)
	ReloadIntervalMinutes int `json:"reload_interval_minutes"`
}

// FeedConfig selects the aircraft feed.
type FeedConfig struct {
	// Format is "dump1090" (also readsb/tar1090) or "vrs"
	Format string `json:"format"`

	// URL is the aircraft.json or AircraftList.json endpoint
	URL string `json:"url"`

	// File replays a captured snapshot instead of polling URL
	File string `json:"file,omitempty"`

	// TimeoutSeconds bounds a single fetch
	TimeoutSeconds float64 `json:"timeout_seconds"`

	// RateLimitSeconds is the minimum time between fetches
	// 0 = no rate limit, >0 = enforce minimum delay between calls
	RateLimitSeconds float64 `json:"rate_limit_seconds"`

	// Retries is the number of retries per poll after a failed fetch
	Retries int `json:"retries"`
}

// DisplayConfig contains headless browser settings for screenshots.
type DisplayConfig struct {
	// Enabled turns screenshot capture on
	Enabled bool `json:"enabled"`

	// Type is the map UI: "dump1090" (also tar1090/skyaware) or "vrs"
	Type string `json:"type"`

	// URL of the map page
	URL string `json:"url"`

	// ImageWidth and ImageHeight size the browser window in pixels
	ImageWidth  int `json:"image_width"`
	ImageHeight int `json:"image_height"`

	// RequestTimeoutSeconds bounds page load and element waits
	RequestTimeoutSeconds float64 `json:"request_timeout_seconds"`

	// SettleMillis is the pause after selecting an aircraft so its icon is drawn
	SettleMillis int `json:"settle_millis"`

	// ExecPath overrides the Chrome binary (empty = autodetect)
	ExecPath string `json:"exec_path,omitempty"`
}

// CropConfig crops screenshots before posting.
type CropConfig struct {
	Enabled bool `json:"enabled"`
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// MetadataConfig configures the adsbdb.com lookup service.
type MetadataConfig struct {
	// Enabled determines if registration/type/operator/route lookups are made
	Enabled bool `json:"enabled"`

	// BaseURL is the API base URL
	BaseURL string `json:"base_url"`

	// RequestsPerSecond limits the API call rate
	RequestsPerSecond float64 `json:"requests_per_second"`

	// CacheSize is the maximum number of cached responses
	CacheSize int `json:"cache_size"`

	// CacheTTLMinutes is how long a response is reused
	CacheTTLMinutes int `json:"cache_ttl_minutes"`

	// TimeoutSeconds bounds a single request
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// PostConfig controls post composition.
type PostConfig struct {
	// Template uses ${name} placeholders, e.g. ${flight}, ${dist_mi}, ${route}
	Template string `json:"template"`

	// DefaultHashtag is appended to every post with a moving aircraft (without '#')
	DefaultHashtag string `json:"default_hashtag"`

	// TimeZone is the IANA zone used for ${time} and #AfterHours
	TimeZone string `json:"timezone"`

	// LandingHeading is the heading label that suggests an approach (e.g., "NE")
	LandingHeading string `json:"landing_heading"`

	// DryRun composes posts and logs them without publishing
	DryRun bool `json:"dry_run"`
}

// BskyConfig contains Bluesky account settings.
type BskyConfig struct {
	// Enabled determines if posts are published to Bluesky
	Enabled bool `json:"enabled"`

	// Host is the PDS base URL
	Host string `json:"host"`

	// Handle is the account handle (e.g., "abovegrq.bsky.social")
	Handle string `json:"handle"`

	// Password is an app password (should be loaded from environment)
	Password string `json:"password,omitempty"`

	// AltText describes the attached screenshot
	AltText string `json:"alt_text"`
}

// StatusConfig contains the status HTTP server configuration.
type StatusConfig struct {
	// Enabled starts the status server
	Enabled bool `json:"enabled"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// Port is the HTTP server port (default: 8080)
	Port string `json:"port"`

	// AllowedOrigins for CORS
	AllowedOrigins []string `json:"allowed_origins"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level"`

	// Format is "text" or "json"
	Format string `json:"format"`

	// File additionally writes logs to a rotating file (empty = stderr only)
	File string `json:"file,omitempty"`

	MaxSizeMB  int `json:"max_size_mb"`
	MaxBackups int `json:"max_backups"`
	MaxAgeDays int `json:"max_age_days"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Fields missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold the Bluesky app password
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultTemplate is the post text used when none is configured.
const DefaultTemplate = "${flight} (${regis}, ${plane}, ${oper}) overhead at ${alt_ft} ft, " +
	"${dist_mi} mi away heading ${heading} at ${speed_mph} mph. Route: ${route}."

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			Name: "Primary Receiver",
		},
		Alarm: AlarmConfig{
			DistanceAlarmMi:       2.0,
			ElevationAlarmDeg:     60.0,
			WaitUpdates:           3,
			SleepSeconds:          1.0,
			ReloadIntervalMinutes: 60,
		},
		Feed: FeedConfig{
			Format:           "dump1090",
			URL:              "http://localhost/dump1090/data/aircraft.json",
			TimeoutSeconds:   5,
			RateLimitSeconds: 0,
			Retries:          2,
		},
		Display: DisplayConfig{
			Enabled:               false,
			Type:                  "dump1090",
			URL:                   "http://localhost/dump1090/",
			ImageWidth:            1280,
			ImageHeight:           720,
			RequestTimeoutSeconds: 20,
			SettleMillis:          2500,
		},
		Crop: CropConfig{
			Enabled: false,
			Width:   1280,
			Height:  720,
		},
		Metadata: MetadataConfig{
			Enabled:           true,
			BaseURL:           "https://api.adsbdb.com/v0",
			RequestsPerSecond: 1,
			CacheSize:         256,
			CacheTTLMinutes:   60,
			TimeoutSeconds:    10,
		},
		Post: PostConfig{
			Template:       DefaultTemplate,
			DefaultHashtag: "AboveMe",
			TimeZone:       "Local",
			LandingHeading: "NE",
			DryRun:         true,
		},
		Bsky: BskyConfig{
			Enabled: false,
			Host:    "https://bsky.social",
			AltText: "Map of the aircraft's position when it passed overhead",
		},
		Status: StatusConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           "8080",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Validate reports every setting that would prevent the watcher from running,
// joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Receiver.Latitude < -90 || c.Receiver.Latitude > 90 {
		errs = append(errs, fmt.Errorf("receiver.latitude %v out of range", c.Receiver.Latitude))
	}
	if c.Receiver.Longitude < -180 || c.Receiver.Longitude > 180 {
		errs = append(errs, fmt.Errorf("receiver.longitude %v out of range", c.Receiver.Longitude))
	}
	if c.Alarm.DistanceAlarmMi < 0 {
		errs = append(errs, errors.New("alarm.distance_alarm_mi must not be negative"))
	}
	if c.Alarm.WaitUpdates < 0 {
		errs = append(errs, errors.New("alarm.wait_updates must not be negative"))
	}
	if c.Alarm.SleepSeconds < 0 {
		errs = append(errs, errors.New("alarm.sleep_seconds must not be negative"))
	}
	switch c.Feed.Format {
	case "dump1090", "readsb", "tar1090", "vrs":
	default:
		errs = append(errs, fmt.Errorf("feed.format %q must be dump1090 or vrs", c.Feed.Format))
	}
	if c.Feed.URL == "" && c.Feed.File == "" {
		errs = append(errs, errors.New("feed.url or feed.file is required"))
	}
	if c.Display.Enabled && c.Display.URL == "" {
		errs = append(errs, errors.New("display.url is required when display is enabled"))
	}
	if c.Crop.Enabled && (c.Crop.Width <= 0 || c.Crop.Height <= 0) {
		errs = append(errs, errors.New("crop.width and crop.height must be positive"))
	}
	if c.Bsky.Enabled && (c.Bsky.Handle == "" || c.Bsky.Password == "") {
		errs = append(errs, errors.New("bsky.handle and bsky.password are required when bsky is enabled"))
	}
	if _, err := c.Post.Location(); err != nil {
		errs = append(errs, fmt.Errorf("post.timezone: %w", err))
	}
	return errors.Join(errs...)
}

// SleepInterval returns the pause between polls.
func (a AlarmConfig) SleepInterval() time.Duration {
	return seconds(a.SleepSeconds)
}

// ReloadInterval returns the idle display reload period (0 = never).
func (a AlarmConfig) ReloadInterval() time.Duration {
	return time.Duration(a.ReloadIntervalMinutes) * time.Minute
}

// Timeout returns the per-fetch timeout.
func (f FeedConfig) Timeout() time.Duration {
	return seconds(f.TimeoutSeconds)
}

// MinInterval returns the minimum spacing between fetches.
func (f FeedConfig) MinInterval() time.Duration {
	return seconds(f.RateLimitSeconds)
}

// Timeout returns the page load timeout.
func (d DisplayConfig) Timeout() time.Duration {
	return seconds(d.RequestTimeoutSeconds)
}

// Settle returns the pause after selecting an aircraft.
func (d DisplayConfig) Settle() time.Duration {
	return time.Duration(d.SettleMillis) * time.Millisecond
}

// Timeout returns the per-request timeout.
func (m MetadataConfig) Timeout() time.Duration {
	return seconds(m.TimeoutSeconds)
}

// CacheTTL returns how long responses are cached.
func (m MetadataConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLMinutes) * time.Minute
}

// Location resolves the configured time zone.
func (p PostConfig) Location() (*time.Location, error) {
	if p.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(p.TimeZone)
}

// Addr returns the listen address.
func (s StatusConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("ABOVEME_STATUS_PORT"); port != "" {
		c.Status.Port = port
	}
	if url := os.Getenv("ABOVEME_FEED_URL"); url != "" {
		c.Feed.URL = url
	}
	if handle := os.Getenv("ABOVEME_BSKY_HANDLE"); handle != "" {
		c.Bsky.Handle = handle
	}
	if password := os.Getenv("ABOVEME_BSKY_PASSWORD"); password != "" {
		c.Bsky.Password = password
	}
	if level := os.Getenv("ABOVEME_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if dryRun := os.Getenv("ABOVEME_DRY_RUN"); dryRun != "" {
		if v, err := strconv.ParseBool(dryRun); err == nil {
			c.Post.DryRun = v
		}
	}
}
