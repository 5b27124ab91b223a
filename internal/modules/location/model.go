// README: Driver presence, dispatch candidates and trip location snapshots.
package location

import (
	"time"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

// DriverState is the last-known presence record of a driver.
type DriverState struct {
	DriverID    types.ID
	Position    types.Point
	Online      bool
	Class       pricing.VehicleClass
	Carrier     bool
	DeviceToken string
	UpdatedAt   time.Time
}

// Candidate is a driver considered during one search iteration. Not persisted.
type Candidate struct {
	DriverID   types.ID
	Position   types.Point
	StraightKm float64
	Road       types.Route
	// Channel identifies the live connection the offer is delivered on;
	// empty when the driver only has push delivery.
	Channel string
	Class   pricing.VehicleClass
	Carrier bool
}

// RankKm is the distance candidates are ordered by: road distance when the
// lookup succeeded, straight-line otherwise.
func (c Candidate) RankKm() float64 {
	if c.Road.Known {
		return c.Road.Km
	}
	return c.StraightKm
}

type Filter struct {
	Class           pricing.VehicleClass
	RequiresCarrier bool
}

func (f Filter) accepts(d DriverState) bool {
	if f.Class != "" && d.Class != f.Class {
		return false
	}
	if f.RequiresCarrier && !d.Carrier {
		return false
	}
	return true
}

// Snapshot is one location sample recorded while a driver serves a trip.
type Snapshot struct {
	ID         int64
	TripID     types.ID
	DriverID   types.ID
	Position   types.Point
	RecordedAt time.Time
}

// TrailQuery selects the samples one driver recorded for a trip within a time
// window, both ends inclusive.
type TrailQuery struct {
	TripID   types.ID
	DriverID types.ID
	From     time.Time
	To       time.Time
}
