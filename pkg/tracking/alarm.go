package tracking

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AlarmRecord is the state of one aircraft's tracking episode.
type AlarmRecord struct {
	// Hex is the aircraft this record belongs to
	Hex string `json:"hex"`

	// Best is the closest observation seen during this episode
	Best EnrichedObservation `json:"best"`

	// Misses counts consecutive cycles the aircraft has been out of the zone
	Misses int `json:"misses"`

	// Episode uniquely identifies this tracking episode
	Episode string `json:"episode"`

	// Started is the wall-clock time the record was created
	Started time.Time `json:"started"`

	// Updates counts in-zone sightings during this episode
	Updates int `json:"updates"`

	// seq orders records by creation for deterministic fire order
	seq uint64
}

// AlarmTable maps hex to its alarm record. It is owned by a single driver
// and passed into every evaluation; nothing else mutates it.
type AlarmTable map[string]*AlarmRecord

// Copy returns a deep copy of the table safe to hand to readers.
func (t AlarmTable) Copy() AlarmTable {
	out := make(AlarmTable, len(t))
	for hex, rec := range t {
		c := *rec
		out[hex] = &c
	}
	return out
}

// Sorted returns the records ordered by best distance, closest first.
func (t AlarmTable) Sorted() []AlarmRecord {
	out := make([]AlarmRecord, 0, len(t))
	for _, rec := range t {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Best.Distance != out[j].Best.Distance {
			return out[i].Best.Distance < out[j].Best.Distance
		}
		return out[i].Hex < out[j].Hex
	})
	return out
}

// FireEvent reports that an aircraft's episode has concluded.
type FireEvent struct {
	Hex     string
	Episode string

	// Best is the closest observation of the episode
	Best EnrichedObservation

	// Updates is the number of in-zone sightings during the episode
	Updates int
}

// Tracker is the debounced proximity alarm.
type Tracker struct {
	// DistanceAlarm puts an aircraft in the zone when it is closer than this (miles)
	DistanceAlarm float64

	// ElevationAlarm puts an aircraft in the zone when it is higher than this (degrees)
	ElevationAlarm float64

	// WaitUpdates is how many out-of-zone cycles are tolerated; the next one fires
	WaitUpdates int

	logger *slog.Logger
	now    func() time.Time
	seq    uint64
}

// NewTracker creates a tracker. A nil logger uses slog.Default().
func NewTracker(distanceAlarm, elevationAlarm float64, waitUpdates int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		DistanceAlarm:  distanceAlarm,
		ElevationAlarm: elevationAlarm,
		WaitUpdates:    waitUpdates,
		logger:         logger,
		now:            time.Now,
	}
}

// InZone reports whether an observation is close or high enough to alarm on.
// Aircraft without a position or a track never are.
func (tr *Tracker) InZone(a EnrichedObservation) bool {
	if !a.Locatable() || a.Track == nil {
		return false
	}
	return a.Distance < tr.DistanceAlarm || a.Elevation > tr.ElevationAlarm
}

// Evaluate advances the alarm table by one snapshot and returns the episodes
// that ended this cycle, oldest episode first.
//
//  1. Aircraft in the zone get a record (new, or miss counter reset and best
//     replaced only if strictly closer).
//  2. Tracked aircraft not in the zone have their miss counter incremented;
//     once it exceeds WaitUpdates the record is removed and fired.
//
// Hexes in snap.Skipped are left untouched. A failure while handling one
// aircraft is logged and does not affect the others.
func (tr *Tracker) Evaluate(table AlarmTable, snap Snapshot) []FireEvent {
	current := make(map[string]EnrichedObservation)
	for _, a := range snap.Aircraft {
		if _, skipped := snap.Skipped[a.Hex]; skipped || !tr.InZone(a) {
			continue
		}
		// Duplicate hex in one snapshot: keep the closest, first on ties.
		if prev, ok := current[a.Hex]; ok && a.Distance >= prev.Distance {
			continue
		}
		current[a.Hex] = a
	}

	// Feed order keeps progress output stable between runs.
	done := make(map[string]bool, len(current))
	for _, a := range snap.Aircraft {
		obs, ok := current[a.Hex]
		if !ok || done[a.Hex] {
			continue
		}
		done[a.Hex] = true
		if err := tr.safely(a.Hex, func() { tr.track(table, obs) }); err != nil {
			tr.logger.Error("alarm update failed", "hex", a.Hex, "error", err)
		}
	}

	var fired []*AlarmRecord
	for hex, rec := range table {
		if _, ok := current[hex]; ok {
			continue
		}
		if _, skipped := snap.Skipped[hex]; skipped {
			continue
		}
		var expired bool
		err := tr.safely(hex, func() {
			rec.Misses++
			expired = rec.Misses > tr.WaitUpdates
		})
		if err != nil {
			tr.logger.Error("alarm miss failed", "hex", hex, "error", err)
			continue
		}
		if expired {
			fired = append(fired, rec)
			delete(table, hex)
		}
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].seq < fired[j].seq })
	events := make([]FireEvent, 0, len(fired))
	for _, rec := range fired {
		tr.logger.Info("alarm fired",
			"hex", rec.Hex,
			"ident", rec.Best.Ident(),
			"episode", rec.Episode,
			"distance_mi", round2(rec.Best.Distance),
			"updates", rec.Updates)
		events = append(events, FireEvent{
			Hex:     rec.Hex,
			Episode: rec.Episode,
			Best:    rec.Best,
			Updates: rec.Updates,
		})
	}
	return events
}

func (tr *Tracker) track(table AlarmTable, a EnrichedObservation) {
	rec, ok := table[a.Hex]
	if !ok {
		tr.seq++
		rec = &AlarmRecord{
			Hex:     a.Hex,
			Best:    a,
			Episode: uuid.NewString(),
			Started: tr.now(),
			seq:     tr.seq,
		}
		table[a.Hex] = rec
		tr.logger.Info("alarm started", "hex", a.Hex, "ident", a.Ident(), "episode", rec.Episode)
	} else {
		rec.Misses = 0
		if a.Distance < rec.Best.Distance {
			rec.Best = a
		}
	}
	rec.Updates++

	tr.logger.Info("in zone",
		"ident", a.Ident(),
		"hex", a.Hex,
		"distance_mi", round2(a.Distance),
		"azimuth", round2(a.Azimuth),
		"elevation", round2(a.Elevation),
		"altitude_ft", a.Altitude,
		"rssi", a.RSSI,
		"seen", seenSeconds(a.Seen),
		"best_mi", round2(rec.Best.Distance))
}

func (tr *Tracker) safely(hex string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", hex, r)
		}
	}()
	fn()
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func seenSeconds(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
