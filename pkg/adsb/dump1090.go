package adsb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/unklstewy/aboveme/pkg/geomath"
)

// Dump1090Parser reads the aircraft.json produced by dump1090, dump1090-fa,
// readsb and tar1090.
type Dump1090Parser struct{}

// dump1090Response represents the top level of aircraft.json.
type dump1090Response struct {
	// Now is the snapshot time in epoch seconds
	Now *float64 `json:"now"`

	// Messages is the receiver's total message count
	Messages int64 `json:"messages"`

	// Aircraft is kept raw so a single bad record cannot fail the batch
	Aircraft []json.RawMessage `json:"aircraft"`
}

// dump1090Aircraft represents a single aircraft in aircraft.json.
// Field documentation: https://github.com/wiedehopf/readsb/blob/dev/README-json.md
type dump1090Aircraft struct {
	Hex    string  `json:"hex"`
	Flight *string `json:"flight"`
	Squawk *string `json:"squawk"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	// AltBaro (readsb) and Altitude (legacy dump1090) are feet or the string "ground"
	AltBaro  interface{} `json:"alt_baro"`
	Altitude interface{} `json:"altitude"`

	// BaroRate (readsb) and VertRate (legacy) are feet/minute
	BaroRate *float64 `json:"baro_rate"`
	VertRate *float64 `json:"vert_rate"`

	Track *float64 `json:"track"`

	// Speed (legacy) and Gs (readsb) are knots; Mach is used only as a last resort
	Speed *float64 `json:"speed"`
	Gs    *float64 `json:"gs"`
	Mach  *float64 `json:"mach"`

	Messages *float64 `json:"messages"`
	Seen     *float64 `json:"seen"`
	RSSI     *float64 `json:"rssi"`
}

// Name implements FeedParser.
func (Dump1090Parser) Name() string { return "dump1090" }

// ExtractTimestamp returns the top-level "now" field.
func (p Dump1090Parser) ExtractTimestamp(raw []byte) (float64, error) {
	resp, err := p.decode(raw)
	if err != nil {
		return 0, err
	}
	return *resp.Now, nil
}

// ParseObservations implements FeedParser.
func (p Dump1090Parser) ParseObservations(raw []byte) ([]Observation, error) {
	feed, err := p.Parse(raw)
	if err != nil {
		return nil, err
	}
	return feed.Observations, nil
}

// Parse implements FeedParser.
func (p Dump1090Parser) Parse(raw []byte) (Feed, error) {
	resp, err := p.decode(raw)
	if err != nil {
		return Feed{}, err
	}

	feed := Feed{
		Timestamp:    *resp.Now,
		Observations: make([]Observation, 0, len(resp.Aircraft)),
	}
	for _, rec := range resp.Aircraft {
		obs, err := convertDump1090Aircraft(rec)
		if err != nil {
			feed.Dropped++
			continue
		}
		feed.Observations = append(feed.Observations, obs)
	}
	return feed, nil
}

func (Dump1090Parser) decode(raw []byte) (*dump1090Response, error) {
	var resp dump1090Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode aircraft.json: %v", ErrFeedUnavailable, err)
	}
	if resp.Now == nil {
		return nil, fmt.Errorf("%w: aircraft.json has no \"now\" field", ErrFeedUnavailable)
	}
	if resp.Aircraft == nil {
		return nil, fmt.Errorf("%w: aircraft.json has no \"aircraft\" array", ErrFeedUnavailable)
	}
	return &resp, nil
}

// convertDump1090Aircraft converts one raw record to an Observation.
func convertDump1090Aircraft(rec json.RawMessage) (Observation, error) {
	var ac dump1090Aircraft
	if err := json.Unmarshal(rec, &ac); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	obs := Observation{
		Hex:      ac.Hex,
		Callsign: ac.Flight,
		Squawk:   ac.Squawk,
		Lat:      ac.Lat,
		Lon:      ac.Lon,
		Track:    ac.Track,
		Seen:     ac.Seen,
	}

	// Altitude - prefer readsb's alt_baro over the legacy field
	if alt, ok := parseAltitude(ac.AltBaro); ok {
		obs.Altitude = alt
	} else if alt, ok := parseAltitude(ac.Altitude); ok {
		obs.Altitude = alt
	}

	switch {
	case ac.BaroRate != nil:
		obs.VertRate = *ac.BaroRate
	case ac.VertRate != nil:
		obs.VertRate = *ac.VertRate
	}

	// Speed priority: speed, gs, mach
	switch {
	case ac.Speed != nil:
		obs.Speed = geomath.Opt(geomath.KnotsToMPH, ac.Speed)
	case ac.Gs != nil:
		obs.Speed = geomath.Opt(geomath.KnotsToMPH, ac.Gs)
	case ac.Mach != nil:
		obs.Speed = geomath.Opt(geomath.MachToMPH, ac.Mach)
	}

	if ac.Messages != nil {
		obs.Messages = int(*ac.Messages)
	}
	if ac.RSSI != nil {
		obs.RSSI = *ac.RSSI
	}

	return finishObservation(obs)
}

// parseAltitude extracts altitude from a JSON value that can be a number or a string.
// The "ground" sentinel maps to 0. ok is false when the value is absent or unusable.
func parseAltitude(val interface{}) (alt float64, ok bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case string:
		if strings.EqualFold(strings.TrimSpace(v), "ground") {
			return 0, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// finishObservation applies the invariants shared by every feed format:
// hex is upper-cased and non-empty, position is both-or-neither and tracks
// are normalised to [0, 360).
func finishObservation(obs Observation) (Observation, error) {
	obs.Hex = strings.ToUpper(strings.TrimSpace(obs.Hex))
	if obs.Hex == "" {
		return Observation{}, fmt.Errorf("%w: missing hex", ErrMalformedRecord)
	}

	if obs.Lat == nil || obs.Lon == nil {
		obs.Lat, obs.Lon = nil, nil
	}

	if obs.Track != nil {
		track := geomath.NormalizeAzimuth(*obs.Track)
		obs.Track = &track
	}

	return obs, nil
}

func trimCallsign(cs string) string {
	return strings.TrimSpace(cs)
}
