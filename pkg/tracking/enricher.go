// Package tracking turns parsed feed snapshots into proximity alarms.
//
// The Enricher places every observation relative to a fixed receiver
// (distance, azimuth, elevation). The Tracker runs the debounced alarm state
// machine over successive enriched snapshots and reports when an aircraft's
// close pass has ended.
package tracking

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/geomath"
)

// NoDistance marks an observation without a position. It is part of the
// published alarm JSON and must stay -1.
const NoDistance = -1.0

// Receiver is the fixed ground station all geometry is measured from.
type Receiver struct {
	geomath.Point

	// AltitudeFt is the antenna height above mean sea level in feet
	AltitudeFt float64
}

// EnrichedObservation is an Observation placed relative to the receiver.
type EnrichedObservation struct {
	adsb.Observation

	// Distance in statute miles, or NoDistance when the aircraft has no position
	Distance float64 `json:"distance_mi"`

	// Azimuth is the bearing from the receiver in degrees [0, 360)
	Azimuth float64 `json:"azimuth"`

	// Elevation is the angle above the receiver's horizon in degrees [-90, 90]
	Elevation float64 `json:"elevation"`

	// Timestamp is the snapshot time in epoch seconds
	Timestamp float64 `json:"timestamp"`
}

// Locatable reports whether distance, azimuth and elevation are meaningful.
func (e EnrichedObservation) Locatable() bool {
	return e.Distance >= 0
}

// Snapshot is one enriched feed snapshot.
type Snapshot struct {
	// Timestamp in epoch seconds; equal timestamps mean identical snapshots
	Timestamp float64

	// Aircraft in feed order
	Aircraft []EnrichedObservation

	// Skipped holds hexes that failed enrichment this cycle. Their alarm
	// records are neither advanced nor refreshed.
	Skipped map[string]struct{}
}

// Enricher computes receiver-relative geometry.
type Enricher struct {
	receiver Receiver
	logger   *slog.Logger
}

// NewEnricher creates an enricher for the given receiver. A nil logger uses slog.Default().
func NewEnricher(receiver Receiver, logger *slog.Logger) (*Enricher, error) {
	if err := receiver.Validate(); err != nil {
		return nil, fmt.Errorf("receiver position: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{receiver: receiver, logger: logger}, nil
}

// Receiver returns the configured receiver.
func (e *Enricher) Receiver() Receiver {
	return e.receiver
}

// Enrich places a single observation. Observations without a position get
// Distance = NoDistance and zero azimuth/elevation.
func (e *Enricher) Enrich(obs adsb.Observation, ts float64) (EnrichedObservation, error) {
	out := EnrichedObservation{
		Observation: obs,
		Distance:    NoDistance,
		Timestamp:   ts,
	}
	if !obs.HasPosition() {
		return out, nil
	}

	aircraft := geomath.Point{Lat: *obs.Lat, Lon: *obs.Lon}
	dist, err := geomath.Distance(e.receiver.Point, aircraft)
	if err != nil {
		return out, fmt.Errorf("distance to %s: %w", obs.Hex, err)
	}
	az, err := geomath.Bearing(e.receiver.Point, aircraft)
	if err != nil {
		return out, fmt.Errorf("bearing to %s: %w", obs.Hex, err)
	}

	out.Distance = dist
	out.Azimuth = az
	out.Elevation = Elevation(obs.Altitude-e.receiver.AltitudeFt, dist)
	return out, nil
}

// EnrichAll enriches every observation of a parsed feed. An observation that
// fails (bad coordinates, or a panic in the geometry) is logged and its hex
// is recorded in Snapshot.Skipped; the remaining aircraft are unaffected.
func (e *Enricher) EnrichAll(feed adsb.Feed) Snapshot {
	snap := Snapshot{
		Timestamp: feed.Timestamp,
		Aircraft:  make([]EnrichedObservation, 0, len(feed.Observations)),
		Skipped:   make(map[string]struct{}),
	}
	for _, obs := range feed.Observations {
		enriched, err := e.enrichSafe(obs, feed.Timestamp)
		if err != nil {
			e.logger.Warn("skipping aircraft", "hex", obs.Hex, "error", err)
			snap.Skipped[obs.Hex] = struct{}{}
			continue
		}
		snap.Aircraft = append(snap.Aircraft, enriched)
	}
	return snap
}

func (e *Enricher) enrichSafe(obs adsb.Observation, ts float64) (out EnrichedObservation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic enriching %s: %v", obs.Hex, r)
		}
	}()
	return e.Enrich(obs, ts)
}

// Elevation returns the angle above the horizon of a target heightFt above
// the receiver and distMi away, using a flat-earth right triangle.
// The result is clamped to [-90, 90].
func Elevation(heightFt, distMi float64) float64 {
	el := math.Atan2(heightFt, distMi*geomath.FeetPerMile) * geomath.RadiansToDegrees
	return math.Max(-90, math.Min(90, el))
}
