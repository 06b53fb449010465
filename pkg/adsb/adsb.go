// Package adsb turns raw receiver feeds into canonical aircraft observations.
//
// Two incompatible feed schemas are supported behind the FeedParser interface:
// the dump1090/readsb aircraft.json format and the Virtual Radar Server
// AircraftList.json format. The variant is selected once at startup.
package adsb

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFeedUnavailable wraps any failure to fetch or decode a whole snapshot.
	// The poll loop treats it as "no observations" for that cycle.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrMalformedRecord marks a single aircraft entry that could not be parsed.
	// The entry is dropped; the rest of the snapshot is unaffected.
	ErrMalformedRecord = errors.New("malformed aircraft record")
)

// Observation is one aircraft as reported in a single feed snapshot.
// Optional fields are nil when the feed did not carry them.
type Observation struct {
	// Hex is the 24-bit ICAO address, upper-cased (e.g., "A12345"). Never empty.
	Hex string `json:"hex"`

	// Callsign is the flight number or registration as broadcast, untrimmed
	Callsign *string `json:"callsign,omitempty"`

	// Squawk is the transponder code (e.g., "7000")
	Squawk *string `json:"squawk,omitempty"`

	// Lat and Lon are decimal degrees. Both are set or both are nil.
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	// Altitude in feet. 0 for aircraft reported on the ground.
	Altitude float64 `json:"altitude_ft"`

	// VertRate in feet per minute (positive = climbing)
	VertRate float64 `json:"vert_rate_fpm"`

	// Track is the ground track in degrees [0, 360)
	Track *float64 `json:"track,omitempty"`

	// Speed in statute miles per hour, converted from the feed's units
	Speed *float64 `json:"speed_mph,omitempty"`

	// Messages is the number of Mode S messages received from this aircraft
	Messages int `json:"messages"`

	// RSSI is the signal strength (dBFS for dump1090, raw level for VRS)
	RSSI float64 `json:"rssi"`

	// Seen is seconds since the last message from this aircraft
	Seen *float64 `json:"seen,omitempty"`
}

// HasPosition reports whether the observation carries a usable position.
func (o Observation) HasPosition() bool {
	return o.Lat != nil && o.Lon != nil
}

// Ident returns the callsign with surrounding spaces removed, or the hex when
// no callsign was broadcast.
func (o Observation) Ident() string {
	if o.Callsign != nil {
		if cs := trimCallsign(*o.Callsign); cs != "" {
			return cs
		}
	}
	return o.Hex
}

// Feed is a fully parsed snapshot.
type Feed struct {
	// Timestamp is the snapshot time in epoch seconds
	Timestamp float64

	// Observations in feed order, including aircraft without a position
	Observations []Observation

	// Dropped counts records that were discarded as malformed
	Dropped int
}

// Time converts the snapshot timestamp to a time.Time in UTC.
func (f Feed) Time() time.Time {
	return EpochToTime(f.Timestamp)
}

// EpochToTime converts fractional epoch seconds to a UTC time.
func EpochToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// FeedParser converts one raw snapshot of a given schema into observations.
// Implementations are stateless and safe to reuse across cycles.
type FeedParser interface {
	// Name identifies the schema (e.g., "dump1090", "vrs")
	Name() string

	// ExtractTimestamp returns the snapshot time in epoch seconds.
	ExtractTimestamp(raw []byte) (float64, error)

	// ParseObservations returns every well-formed aircraft record in feed order.
	ParseObservations(raw []byte) ([]Observation, error)

	// Parse does both in one decode and reports how many records were dropped.
	Parse(raw []byte) (Feed, error)
}

// NewParser returns the parser for the configured feed format.
func NewParser(format string) (FeedParser, error) {
	switch format {
	case "dump1090", "readsb", "tar1090", "":
		return Dump1090Parser{}, nil
	case "vrs":
		return VRSParser{}, nil
	default:
		return nil, fmt.Errorf("unknown feed format %q (want dump1090 or vrs)", format)
	}
}

// DataSource is the interface that all snapshot providers must implement.
// This abstraction allows switching between a live receiver URL and a
// recorded file without touching the poll loop.
type DataSource interface {
	// FetchSnapshot returns the raw payload of the latest snapshot.
	FetchSnapshot(ctx context.Context) ([]byte, error)

	// Close cleanly shuts down the data source.
	Close() error
}
