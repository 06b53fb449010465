// Package geomath provides the geographic calculations used to place an
// aircraft relative to the receiver: great-circle distance, initial bearing,
// compass labels and the unit conversions needed for posts.
package geomath

import (
	"errors"
	"fmt"
	"math"

	"github.com/jftuga/geodist"
)

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// FeetPerMile is the number of feet in a statute mile
	FeetPerMile = 5280.0

	// antipodalMiles is half the great circle on geodist's sphere
	// (radius 6378.1 km, 0.621371 mi/km).
	antipodalMiles = math.Pi * 6378.1 * 0.621371
)

// ErrInvalidArgument is returned when a coordinate is not a valid (lat, lon) pair.
// It indicates a programming error upstream and is never silently coerced.
var ErrInvalidArgument = errors.New("invalid argument")

// Point is a position on Earth's surface in decimal degrees (WGS84).
type Point struct {
	// Lat is latitude in decimal degrees (-90 to +90)
	Lat float64

	// Lon is longitude in decimal degrees (-180 to +180)
	Lon float64
}

// PointFromSlice builds a Point from a (lat, lon) pair.
// Any other shape fails with ErrInvalidArgument.
func PointFromSlice(v []float64) (Point, error) {
	if len(v) != 2 {
		return Point{}, fmt.Errorf("%w: expected (lat, lon) pair, got %d values", ErrInvalidArgument, len(v))
	}
	p := Point{Lat: v[0], Lon: v[1]}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate reports whether p holds finite, in-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("%w: non-finite coordinate (%v, %v)", ErrInvalidArgument, p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, p.Lon)
	}
	return nil
}

// Distance returns the great-circle (haversine) distance between a and b in
// statute miles. Identical points are exactly 0 apart and the result never
// exceeds half the circumference.
func Distance(a, b Point) (float64, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}

	miles, _ := geodist.HaversineDistance(
		geodist.Coord{Lat: a.Lat, Lon: a.Lon},
		geodist.Coord{Lat: b.Lat, Lon: b.Lon},
	)
	// Rounding can push the haversine term just above 1 for near-antipodal
	// pairs, which makes asin return NaN.
	if math.IsNaN(miles) || miles > antipodalMiles {
		return antipodalMiles, nil
	}
	return miles, nil
}

// Bearing returns the initial bearing (forward azimuth) from a to b in degrees
// within [0, 360), where 0 = North, 90 = East, 180 = South, 270 = West.
//
// The bearing from a point to itself is undefined; by convention it is 0.
func Bearing(a, b Point) (float64, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}

	lat1 := a.Lat * DegreesToRadians
	lat2 := b.Lat * DegreesToRadians
	dLon := (b.Lon - a.Lon) * DegreesToRadians

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return NormalizeAzimuth(math.Atan2(y, x) * RadiansToDegrees), nil
}

// NormalizeAzimuth ensures azimuth is in the range [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	az := math.Mod(azimuth, 360.0)
	if az < 0 {
		az += 360.0
	}
	// math.Mod of a tiny negative number can round back up to 360
	if az >= 360.0 {
		az = 0
	}
	return az
}

var headingLabels = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// HeadingLabel maps a heading to an 8-point compass label. Each label covers a
// 45° sector centred on its direction, so N spans [337.5, 22.5).
// A nil heading yields "?".
func HeadingLabel(degrees *float64) string {
	if degrees == nil || math.IsNaN(*degrees) {
		return "?"
	}
	az := NormalizeAzimuth(*degrees)
	sector := int(math.Floor(NormalizeAzimuth(az+22.5) / 45.0))
	return headingLabels[sector%8]
}

func validatePair(a, b Point) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return b.Validate()
}
