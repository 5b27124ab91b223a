// README: Pricing service computes quotes, settlements, waiting and cancellation charges.
package pricing

import (
	"context"
	"math"
	"time"

	"ridelink/internal/types"
)

type Service struct {
	card  RateCard
	zones ZoneResolver
}

// NewService builds a pricing engine. A nil resolver falls back to address keywords.
func NewService(card RateCard, zones ZoneResolver) *Service {
	if zones == nil {
		zones = KeywordResolver{}
	}
	return &Service{card: card, zones: zones}
}

// Quote prices a point-to-point trip. The same request always yields the same quote.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	rate, ok := s.card.PerKm[req.Class]
	if !ok {
		return Quote{}, ErrUnknownClass
	}
	if !(req.DistanceKm > 0) || math.IsInf(req.DistanceKm, 0) {
		return Quote{}, ErrInvalidDistance
	}

	perKm := rate.Long
	if req.DistanceKm <= shortTripMaxKm {
		perKm = rate.Short
	}
	q := Quote{
		BaseFare:     s.card.BaseFare,
		PerKmRate:    perKm,
		DistanceKm:   req.DistanceKm,
		DistanceFare: roundUnits(req.DistanceKm * float64(perKm)),
		Currency:     types.DefaultCurrency,
	}

	from := s.zones.Resolve(ctx, req.Pickup)
	to := s.zones.Resolve(ctx, req.Drop)
	q.InterstateTax = interstateTax(from, to, req.Class)
	if to == primaryCityZone && from != primaryCityZone && from != ZoneUnknown {
		q.MunicipalEntry = s.card.MunicipalEntry
	}
	if IsAirportPickup(req.Pickup.Address) {
		q.AirportCharge = s.card.AirportSurcharge
	}
	if req.Carrier {
		q.CarrierSurcharge = s.card.CarrierSurcharge
	}

	q.Total = q.BaseFare + q.DistanceFare + q.InterstateTax + q.MunicipalEntry + q.AirportCharge + q.CarrierSurcharge
	return q, nil
}

// SettlePointToPoint adds the waiting charge frozen at ride start to the fare
// quoted at intake. Nothing is looked up again, so zone lookups or rate changes
// after intake cannot move the settled amount.
func SettlePointToPoint(quoted types.Money, waitingCharge int64) types.Money {
	return types.Money{Amount: quoted.Amount + waitingCharge, Currency: quoted.Currency}
}

func (s *Service) QuoteRental(class VehicleClass, hours int, carrier bool) (RentalQuote, error) {
	table, ok := s.card.Rentals[class]
	if !ok {
		return RentalQuote{}, ErrUnknownClass
	}
	if hours < minRentalHours || hours > maxRentalHours {
		return RentalQuote{}, ErrInvalidPackage
	}
	pkg := table[hours-1]
	q := RentalQuote{
		Class:      class,
		Hours:      hours,
		IncludedKm:  pkg.IncludedKm,
		ExtraKmRate: s.card.ExtraKm[class],
		BasePrice:   pkg.Price,
		Currency:    types.DefaultCurrency,
	}
	if carrier {
		q.CarrierSurcharge = s.card.CarrierSurcharge
	}
	q.Total = q.BasePrice + q.CarrierSurcharge
	return q, nil
}

// SettleRental charges distance and time used beyond the package allowance at
// the rates carried on the quote.
func (s *Service) SettleRental(q RentalQuote, usage RentalUsage) RentalSettlement {
	out := RentalSettlement{RentalQuote: q}

	if extra := usage.ActualKm - float64(q.IncludedKm); extra > 0 {
		out.ExtraKm = extra
		out.ExtraKmCharge = roundUnits(extra * float64(q.ExtraKmRate))
	}
	if extra := usage.ActualMinutes - int64(q.Hours)*60; extra > 0 {
		out.ExtraMinutes = extra
		out.ExtraMinuteCharge = extra * rentalPerExtraMin
	}
	out.Total = q.BasePrice + out.ExtraKmCharge + out.ExtraMinuteCharge + q.CarrierSurcharge
	return out
}

// CancellationFee is zero until the driver has arrived at pickup.
func (s *Service) CancellationFee(driverArrived bool) int64 {
	if !driverArrived {
		return 0
	}
	return s.card.CancellationFee
}

// WaitingCharge returns the whole minutes waited and the resulting charge.
// Partial minutes are not billed.
func WaitingCharge(elapsed time.Duration) (minutes, charge int64) {
	if elapsed <= 0 {
		return 0, 0
	}
	minutes = int64(elapsed / time.Minute)
	if billable := minutes - waitingFreeMinutes; billable > 0 {
		charge = billable * waitingPerMinute
	}
	return minutes, charge
}

// ReconcileDistance picks the rental distance to bill. The odometer wins unless
// the GPS trail diverges from it by more than the allowed fraction.
func ReconcileDistance(odometerKm, gpsKm float64, hasGPS bool) float64 {
	if !hasGPS {
		return math.Max(odometerKm, 0)
	}
	if odometerKm <= 0 {
		return gpsKm
	}
	if math.Abs(odometerKm-gpsKm)/odometerKm > odometerDivergence {
		return gpsKm
	}
	return odometerKm
}

func roundUnits(v float64) int64 {
	return int64(math.Round(v))
}
