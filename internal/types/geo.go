// README: Identifier and geographic value objects shared by all modules.
package types

import (
	"math"

	"github.com/google/uuid"
)

const earthRadiusKm = 6371.0

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the great-circle (haversine) distance to q in kilometres.
func (p Point) DistanceKm(q Point) float64 {
	rad := math.Pi / 180
	dLat := (q.Lat - p.Lat) * rad
	dLng := (q.Lng - p.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(p.Lat*rad)*math.Cos(q.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Place is an address together with its coordinates.
type Place struct {
	Address string `json:"address"`
	Point
}

// Route is a road distance and travel time between two points. Known is false
// when the distance lookup failed and the values are placeholders.
type Route struct {
	Km      float64 `json:"km"`
	Minutes float64 `json:"minutes"`
	Known   bool    `json:"known"`
}
