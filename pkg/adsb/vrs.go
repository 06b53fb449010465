package adsb

import (
	"encoding/json"
	"fmt"

	"github.com/unklstewy/aboveme/pkg/geomath"
)

// VRSParser reads Virtual Radar Server AircraftList.json.
type VRSParser struct{}

// vrsResponse represents the top level of AircraftList.json.
type vrsResponse struct {
	// Stm is the server time in epoch milliseconds
	Stm *float64 `json:"stm"`

	AcList []json.RawMessage `json:"acList"`
}

// vrsAircraft represents a single aircraft in AircraftList.json.
// VRS uses its own short key names; each maps 1:1 onto an Observation field.
type vrsAircraft struct {
	Icao  string   `json:"Icao"`
	Call  *string  `json:"Call"`
	Sqk   *string  `json:"Sqk"`
	Lat   *float64 `json:"Lat"`
	Long  *float64 `json:"Long"`
	Alt   *float64 `json:"Alt"`
	Gnd   *bool    `json:"Gnd"`
	Vsi   *float64 `json:"Vsi"`
	Trak  *float64 `json:"Trak"`
	Spd   *float64 `json:"Spd"` // knots, ground speed
	Sig   *float64 `json:"Sig"`
	CMsgs *float64 `json:"CMsgs"`
}

// Name implements FeedParser.
func (VRSParser) Name() string { return "vrs" }

// ExtractTimestamp returns "stm" converted from milliseconds to seconds.
func (p VRSParser) ExtractTimestamp(raw []byte) (float64, error) {
	resp, err := p.decode(raw)
	if err != nil {
		return 0, err
	}
	return *resp.Stm / 1000.0, nil
}

// ParseObservations implements FeedParser.
func (p VRSParser) ParseObservations(raw []byte) ([]Observation, error) {
	feed, err := p.Parse(raw)
	if err != nil {
		return nil, err
	}
	return feed.Observations, nil
}

// Parse implements FeedParser.
func (p VRSParser) Parse(raw []byte) (Feed, error) {
	resp, err := p.decode(raw)
	if err != nil {
		return Feed{}, err
	}

	feed := Feed{
		Timestamp:    *resp.Stm / 1000.0,
		Observations: make([]Observation, 0, len(resp.AcList)),
	}
	for _, rec := range resp.AcList {
		obs, err := convertVRSAircraft(rec)
		if err != nil {
			feed.Dropped++
			continue
		}
		feed.Observations = append(feed.Observations, obs)
	}
	return feed, nil
}

func (VRSParser) decode(raw []byte) (*vrsResponse, error) {
	var resp vrsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode AircraftList.json: %v", ErrFeedUnavailable, err)
	}
	if resp.Stm == nil {
		return nil, fmt.Errorf("%w: AircraftList.json has no \"stm\" field", ErrFeedUnavailable)
	}
	if resp.AcList == nil {
		return nil, fmt.Errorf("%w: AircraftList.json has no \"acList\" array", ErrFeedUnavailable)
	}
	return &resp, nil
}

func convertVRSAircraft(rec json.RawMessage) (Observation, error) {
	var ac vrsAircraft
	if err := json.Unmarshal(rec, &ac); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	obs := Observation{
		Hex:      ac.Icao,
		Callsign: ac.Call,
		Squawk:   ac.Sqk,
		Lat:      ac.Lat,
		Lon:      ac.Long,
		Track:    ac.Trak,
		Speed:    geomath.Opt(geomath.KnotsToMPH, ac.Spd),
	}
	if ac.Alt != nil {
		obs.Altitude = *ac.Alt
	}
	if ac.Gnd != nil && *ac.Gnd {
		obs.Altitude = 0
	}
	if ac.Vsi != nil {
		obs.VertRate = *ac.Vsi
	}
	if ac.Sig != nil {
		obs.RSSI = *ac.Sig
	}
	if ac.CMsgs != nil {
		obs.Messages = int(*ac.CMsgs)
	}

	return finishObservation(obs)
}
