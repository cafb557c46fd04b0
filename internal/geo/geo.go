package geo

import (
	"errors"
	"math"

	"github.com/Briankiboi/attendance-engine/internal/session"
)

const earthRadiusM = 6371000

var (
	// ErrInvalidLocation covers missing, non-finite, or too-imprecise fixes.
	ErrInvalidLocation = errors.New("location missing or untrustworthy")
	// ErrMockLocation is a synthetically generated position.
	ErrMockLocation = errors.New("mock location reported")
	// ErrOutsideRadius means a trusted fix landed outside the fence.
	ErrOutsideRadius = errors.New("outside geofence radius")
	// ErrBadFence is a misconfigured radius. Fail closed, never clamp.
	ErrBadFence = errors.New("geofence radius outside configured bounds")
)

// Location is a device-reported position fix.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m"`
	IsMock    bool    `json:"is_mock"`
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Validator checks geofence membership with a fixed rule order.
type Validator struct {
	AccuracyMaxM float64
	RadiusMinM   float64
	RadiusMaxM   float64
}

// NewValidator builds a validator with the configured thresholds.
func NewValidator(accuracyMaxM, radiusMinM, radiusMaxM float64) *Validator {
	return &Validator{AccuracyMaxM: accuracyMaxM, RadiusMinM: radiusMinM, RadiusMaxM: radiusMaxM}
}

// Check evaluates a fix against a fence. Rule order matters: untrustworthy
// fixes fail before mock detection, mock detection fails before distance,
// since a spoofed position trivially reports itself in range. The computed
// distance is returned alongside ErrOutsideRadius so callers can attach it.
func (v *Validator) Check(fence session.Geofence, loc *Location) (float64, error) {
	if fence.RadiusM < v.RadiusMinM || fence.RadiusM > v.RadiusMaxM {
		return 0, ErrBadFence
	}
	if loc == nil {
		return 0, ErrInvalidLocation
	}
	if !finite(loc.Lat) || !finite(loc.Lon) || !finite(fence.Lat) || !finite(fence.Lon) {
		return 0, ErrInvalidLocation
	}
	if loc.AccuracyM <= 0 || loc.AccuracyM > v.AccuracyMaxM {
		return 0, ErrInvalidLocation
	}
	if loc.IsMock {
		return 0, ErrMockLocation
	}
	dist := Haversine(fence.Lat, fence.Lon, loc.Lat, loc.Lon)
	if dist > fence.RadiusM {
		return dist, ErrOutsideRadius
	}
	return dist, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
