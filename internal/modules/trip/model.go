// README: Trip aggregate, lifecycle statuses, events and ledger records.
package trip

import (
	"time"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

type Status string

const (
	StatusNone             Status = "NONE"
	StatusSearching        Status = "SEARCHING"
	StatusAccepted         Status = "ACCEPTED"
	StatusDriverArrived    Status = "DRIVER_ARRIVED"
	StatusRideStarted      Status = "RIDE_STARTED"
	StatusRideEnded        Status = "RIDE_ENDED"
	StatusPaymentPending   Status = "PAYMENT_PENDING"
	StatusPaymentCompleted Status = "PAYMENT_COMPLETED"
	StatusCancelled        Status = "CANCELLED"
)

type Kind string

const (
	KindPointToPoint Kind = "POINT_TO_POINT"
	KindRental       Kind = "TIME_BOXED_RENTAL"
)

type PaymentMode string

const (
	PaymentCash   PaymentMode = "CASH"
	PaymentOnline PaymentMode = "ONLINE"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleDriver    Role = "driver"
	RoleSystem    Role = "system"
)

type Trip struct {
	ID            types.ID             `json:"id"`
	RequesterID   types.ID             `json:"requester_id"`
	DriverID      *types.ID            `json:"driver_id,omitempty"`
	Kind          Kind                 `json:"kind"`
	Class         pricing.VehicleClass `json:"vehicle_class"`
	Pickup        types.Place          `json:"pickup"`
	Drop          types.Place          `json:"drop"`
	Status        Status               `json:"status"`
	StatusVersion int                  `json:"status_version"`
	PaymentMode   PaymentMode          `json:"payment_mode"`
	SecretCode    string               `json:"secret_code,omitempty"`

	DistanceKm       float64      `json:"distance_km"`
	DurationMin      float64      `json:"duration_min"`
	Carrier          bool         `json:"carrier"`
	CarrierSurcharge int64        `json:"carrier_surcharge"`
	QuotedFare       types.Money  `json:"quoted_fare"`
	FinalFare        *types.Money `json:"final_fare,omitempty"`

	PackageHours int   `json:"package_hours,omitempty"`
	IncludedKm   int64 `json:"included_km,omitempty"`
	ExtraKmRate  int64 `json:"extra_km_rate,omitempty"`

	WaitingMinutes  int64    `json:"waiting_minutes"`
	WaitingCharge   int64    `json:"waiting_charge"`
	StartOdometerKm *float64 `json:"start_odometer_km,omitempty"`
	EndOdometerKm   *float64 `json:"end_odometer_km,omitempty"`
	ActualKm        *float64 `json:"actual_km,omitempty"`

	CancellationFee int64     `json:"cancellation_fee"`
	CancelledByRole Role      `json:"cancelled_by_role,omitempty"`
	CancelledByID   *types.ID `json:"cancelled_by_id,omitempty"`
	CancelReason    *string   `json:"cancel_reason,omitempty"`

	PaymentOrderID *string `json:"payment_order_id,omitempty"`
	PaymentID      *string `json:"payment_id,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	DriverArrivedAt    *time.Time `json:"driver_arrived_at,omitempty"`
	RideStartedAt      *time.Time `json:"ride_started_at,omitempty"`
	RideEndedAt        *time.Time `json:"ride_ended_at,omitempty"`
	PaymentCompletedAt *time.Time `json:"payment_completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// IsBoundDriver reports whether id is the driver currently assigned to the trip.
func (t *Trip) IsBoundDriver(id types.ID) bool {
	return t.DriverID != nil && id != "" && *t.DriverID == id
}

func (t *Trip) IsTerminal() bool {
	return IsTerminal(t.Status)
}

// QuoteRequest rebuilds the pricing inputs from stored fields.
func (t *Trip) QuoteRequest() pricing.QuoteRequest {
	return pricing.QuoteRequest{
		Class:      t.Class,
		Pickup:     t.Pickup,
		Drop:       t.Drop,
		DistanceKm: t.DistanceKm,
		Carrier:    t.Carrier,
	}
}

// RentalQuote restores the rental package frozen at intake.
func (t *Trip) RentalQuote() pricing.RentalQuote {
	return pricing.RentalQuote{
		Class:            t.Class,
		Hours:            t.PackageHours,
		IncludedKm:       t.IncludedKm,
		ExtraKmRate:      t.ExtraKmRate,
		BasePrice:        t.QuotedFare.Amount - t.CarrierSurcharge,
		CarrierSurcharge: t.CarrierSurcharge,
		Total:            t.QuotedFare.Amount,
		Currency:         t.QuotedFare.Currency,
	}
}

type Event struct {
	ID         int64     `json:"id"`
	TripID     types.ID  `json:"trip_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorRole  Role      `json:"actor_role"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LedgerKind string

const (
	LedgerCancellationFee LedgerKind = "cancellation_fee"
	LedgerFarePayment     LedgerKind = "fare_payment"
)

// LedgerEntry records one money movement for a trip. A nil party is the platform.
type LedgerEntry struct {
	ID        types.ID   `json:"id"`
	TripID    types.ID   `json:"trip_id"`
	Kind      LedgerKind `json:"kind"`
	PayerID   *types.ID  `json:"payer_id,omitempty"`
	PayeeID   *types.ID  `json:"payee_id,omitempty"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	CreatedAt time.Time  `json:"created_at"`
}

// WalletDelta adjusts a user's wallet balance; balances may go negative.
type WalletDelta struct {
	UserID types.ID
	Amount int64
}

// AllowedTransitions represents the trip state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:      {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived:  {StatusRideStarted, StatusCancelled},
	StatusRideStarted:    {StatusRideEnded, StatusPaymentPending, StatusCancelled},
	StatusPaymentPending: {StatusPaymentCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusRideEnded, StatusPaymentCompleted, StatusCancelled:
		return true
	}
	return false
}

// requesterActive are the statuses that block a requester from opening another trip.
var requesterActive = []Status{
	StatusSearching, StatusAccepted, StatusDriverArrived, StatusRideStarted, StatusPaymentPending,
}

// driverBusy are the statuses that occupy a driver.
var driverBusy = []Status{
	StatusAccepted, StatusDriverArrived, StatusRideStarted,
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
