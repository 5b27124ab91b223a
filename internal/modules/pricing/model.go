// README: Pricing value objects: vehicle classes, tax zones, quotes and settlements.
package pricing

import (
	"errors"

	"ridelink/internal/types"
)

type VehicleClass string

const (
	ClassMini  VehicleClass = "mini"
	ClassSedan VehicleClass = "sedan"
	ClassSUV   VehicleClass = "suv"
	ClassXL    VehicleClass = "xl"
)

func (c VehicleClass) Valid() bool {
	switch c {
	case ClassMini, ClassSedan, ClassSUV, ClassXL:
		return true
	}
	return false
}

// Zone is a tax jurisdiction. The zero value means the location is outside
// every known jurisdiction and attracts no geography surcharge.
type Zone string

const (
	ZoneUnknown   Zone = ""
	ZoneDelhi     Zone = "DL"
	ZoneHaryana   Zone = "HR"
	ZoneUP        Zone = "UP"
	ZoneRajasthan Zone = "RJ"
)

var (
	ErrUnknownClass    = errors.New("unknown vehicle class")
	ErrInvalidDistance = errors.New("distance must be positive")
	ErrInvalidPackage  = errors.New("rental package hours out of range")
)

// QuoteRequest carries every input a point-to-point quote depends on.
type QuoteRequest struct {
	Class      VehicleClass
	Pickup     types.Place
	Drop       types.Place
	DistanceKm float64
	Carrier    bool
}

// Quote is the itemised point-to-point fare. Immutable once computed.
type Quote struct {
	BaseFare         int64   `json:"base_fare"`
	PerKmRate        int64   `json:"per_km_rate"`
	DistanceKm       float64 `json:"distance_km"`
	DistanceFare     int64   `json:"distance_fare"`
	InterstateTax    int64   `json:"interstate_tax"`
	MunicipalEntry   int64   `json:"municipal_entry"`
	AirportCharge    int64   `json:"airport_charge"`
	CarrierSurcharge int64   `json:"carrier_surcharge"`
	Total            int64   `json:"total"`
	Currency         string  `json:"currency"`
}

func (q Quote) Money() types.Money {
	return types.Money{Amount: q.Total, Currency: q.Currency}
}

type RentalQuote struct {
	Class            VehicleClass `json:"class"`
	Hours            int          `json:"hours"`
	IncludedKm       int64        `json:"included_km"`
	ExtraKmRate      int64        `json:"extra_km_rate"`
	BasePrice        int64        `json:"base_price"`
	CarrierSurcharge int64        `json:"carrier_surcharge"`
	Total            int64        `json:"total"`
	Currency         string       `json:"currency"`
}

func (q RentalQuote) Money() types.Money {
	return types.Money{Amount: q.Total, Currency: q.Currency}
}

// RentalUsage is what was actually consumed during a rental.
type RentalUsage struct {
	ActualKm      float64
	ActualMinutes int64
}

type RentalSettlement struct {
	RentalQuote
	ExtraKm           float64 `json:"extra_km"`
	ExtraKmCharge     int64   `json:"extra_km_charge"`
	ExtraMinutes      int64   `json:"extra_minutes"`
	ExtraMinuteCharge int64   `json:"extra_minute_charge"`
}
