// Package adsbdb provides a client for the adsbdb.com aircraft and callsign
// lookup API.
//
// API Documentation: https://www.adsbdb.com
// The service is free and unauthenticated; be polite with the request rate.
package adsbdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/unklstewy/aboveme/pkg/adsb"
)

const (
	// BaseURL is the adsbdb API base URL
	BaseURL = "https://api.adsbdb.com/v0"

	// DefaultTimeout for API requests
	DefaultTimeout = 10 * time.Second

	// Unknown is returned by the string lookups when nothing is known.
	Unknown = "n/a"
)

// Client represents an adsbdb API client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	cache       *expirable.LRU[string, json.RawMessage]
	retry       adsb.RetryConfig
	logger      *slog.Logger
}

// Config contains configuration for the adsbdb client.
type Config struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	CacheSize         int
	CacheTTL          time.Duration
	Retry             adsb.RetryConfig
	Logger            *slog.Logger
}

// NewClient creates a new adsbdb client.
//
// Responses (including "unknown aircraft") are cached so the registration,
// type and operator lookups for one aircraft cost a single request.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = isTransient
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:       expirable.NewLRU[string, json.RawMessage](cfg.CacheSize, nil, cfg.CacheTTL),
		retry:       cfg.Retry,
		logger:      cfg.Logger,
	}
}

// Aircraft is the registry entry for a Mode S address.
type Aircraft struct {
	Type            string `json:"type"`
	ICAOType        string `json:"icao_type"`
	Manufacturer    string `json:"manufacturer"`
	ModeS           string `json:"mode_s"`
	Registration    string `json:"registration"`
	RegisteredOwner string `json:"registered_owner"`
	OwnerCountry    string `json:"registered_owner_country_name"`
	OperatorFlag    string `json:"registered_owner_operator_flag_code"`
}

// Airport is one end of a flight route.
type Airport struct {
	Name         string `json:"name"`
	IATACode     string `json:"iata_code"`
	ICAOCode     string `json:"icao_code"`
	Municipality string `json:"municipality"`
	CountryName  string `json:"country_name"`
}

// FlightRoute is the scheduled route of a callsign.
type FlightRoute struct {
	Callsign    string  `json:"callsign"`
	Origin      Airport `json:"origin"`
	Destination Airport `json:"destination"`
}

// statusError is a non-200 answer from the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.code, e.body)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

// GetAircraft looks up a Mode S hex address.
//
// Returns nil, nil if the aircraft is unknown (not an error).
func (c *Client) GetAircraft(ctx context.Context, hex string) (*Aircraft, error) {
	hex = strings.ToUpper(strings.TrimSpace(hex))
	if hex == "" {
		return nil, nil
	}
	var out struct {
		Aircraft *Aircraft `json:"aircraft"`
	}
	found, err := c.lookup(ctx, "aircraft/"+url.PathEscape(hex), &out)
	if err != nil || !found {
		return nil, err
	}
	return out.Aircraft, nil
}

// GetFlightRoute looks up the route flown under a callsign.
//
// Returns nil, nil if the callsign is unknown (not an error).
func (c *Client) GetFlightRoute(ctx context.Context, callsign string) (*FlightRoute, error) {
	callsign = strings.ToUpper(strings.ReplaceAll(callsign, " ", ""))
	if callsign == "" {
		return nil, nil
	}
	var out struct {
		FlightRoute *FlightRoute `json:"flightroute"`
	}
	found, err := c.lookup(ctx, "callsign/"+url.PathEscape(callsign), &out)
	if err != nil || !found {
		return nil, err
	}
	return out.FlightRoute, nil
}

// Registration returns the registration of hex, or Unknown.
func (c *Client) Registration(ctx context.Context, hex string) string {
	return c.aircraftField(ctx, hex, func(a *Aircraft) string { return a.Registration })
}

// AircraftType returns the type of hex (e.g., "737MAX 8"), or Unknown.
func (c *Client) AircraftType(ctx context.Context, hex string) string {
	return c.aircraftField(ctx, hex, func(a *Aircraft) string { return a.Type })
}

// Operator returns the registered owner of hex, or Unknown.
func (c *Client) Operator(ctx context.Context, hex string) string {
	return c.aircraftField(ctx, hex, func(a *Aircraft) string { return a.RegisteredOwner })
}

// Route returns "Origin to Destination" for callsign, or Unknown.
func (c *Client) Route(ctx context.Context, callsign string) string {
	r, err := c.GetFlightRoute(ctx, callsign)
	if err != nil {
		c.logger.Warn("route lookup failed", "callsign", callsign, "error", err)
		return Unknown
	}
	if r == nil || r.Origin.Name == "" || r.Destination.Name == "" {
		return Unknown
	}
	return r.Origin.Name + " to " + r.Destination.Name
}

func (c *Client) aircraftField(ctx context.Context, hex string, field func(*Aircraft) string) string {
	a, err := c.GetAircraft(ctx, hex)
	if err != nil {
		c.logger.Warn("aircraft lookup failed", "hex", hex, "error", err)
		return Unknown
	}
	if a == nil {
		return Unknown
	}
	if v := strings.TrimSpace(field(a)); v != "" {
		return v
	}
	return Unknown
}

// lookup fetches path and decodes the "response" object into out. found is
// false when the API answered with its "unknown ..." string.
func (c *Client) lookup(ctx context.Context, path string, out interface{}) (found bool, err error) {
	raw, ok := c.cache.Get(path)
	if !ok {
		raw, err = adsb.RetryWithBackoffResult(ctx, c.retry, func() (json.RawMessage, error) {
			return c.fetch(ctx, path)
		})
		if err != nil {
			return false, err
		}
		c.cache.Add(path, raw)
	}

	// Unknown entries come back as {"response": "unknown aircraft"}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("parse response: %w", err)
	}
	return true, nil
}

func (c *Client) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	// Wait for rate limiter
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &adsb.RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: time.Second,
			Message:    "adsbdb rate limit exceeded",
		}
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	// 404 carries {"response": "unknown aircraft"} and is a valid answer
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Response) > 0 {
			return envelope.Response, nil
		}
	}
	return nil, &statusError{code: resp.StatusCode, body: string(body)}
}
