package geomath

// Conversion factors. All conversions are linear, so f(0) == 0.
const (
	KnotsToMPHFactor   = 1.15078
	MachToMPHFactor    = 767.27
	MilesToKMFactor    = 1.60934
	MilesToNMFactor    = 0.868976
	FeetToMetersFactor = 0.3048
)

// KnotsToMPH converts knots to statute miles per hour.
func KnotsToMPH(knots float64) float64 { return knots * KnotsToMPHFactor }

// MPHToKnots converts statute miles per hour to knots.
func MPHToKnots(mph float64) float64 { return mph / KnotsToMPHFactor }

// MachToMPH converts a Mach number to miles per hour at the reference speed of sound.
func MachToMPH(mach float64) float64 { return mach * MachToMPHFactor }

// MilesToKM converts statute miles to kilometers.
func MilesToKM(miles float64) float64 { return miles * MilesToKMFactor }

// KMToMiles converts kilometers to statute miles.
func KMToMiles(km float64) float64 { return km / MilesToKMFactor }

// MilesToNM converts statute miles to nautical miles.
func MilesToNM(miles float64) float64 { return miles * MilesToNMFactor }

// NMToMiles converts nautical miles to statute miles.
func NMToMiles(nm float64) float64 { return nm / MilesToNMFactor }

// FeetToMeters converts feet to meters.
func FeetToMeters(feet float64) float64 { return feet * FeetToMetersFactor }

// MetersToFeet converts meters to feet.
func MetersToFeet(meters float64) float64 { return meters / FeetToMetersFactor }

// Opt applies conversion f to an optional value. A nil input stays nil.
//
//	mph := geomath.Opt(geomath.KnotsToMPH, rec.GroundSpeed)
func Opt(f func(float64) float64, v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := f(*v)
	return &out
}
