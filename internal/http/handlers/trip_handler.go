// README: Trip handlers for intake, read and lifecycle transitions.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/modules/trip"
	"ridelink/internal/types"
)

type TripService interface {
	Create(ctx context.Context, cmd trip.CreateCommand) (*trip.Trip, error)
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	Arrive(ctx context.Context, cmd trip.ArriveCommand) (*trip.Trip, error)
	Start(ctx context.Context, cmd trip.StartCommand) (*trip.Trip, error)
	Complete(ctx context.Context, cmd trip.CompleteCommand) (*trip.Trip, error)
	ConfirmPayment(ctx context.Context, cmd trip.ConfirmPaymentCommand) (*trip.Trip, error)
	Cancel(ctx context.Context, cmd trip.CancelCommand) (*trip.Trip, error)
}

type TripHandler struct {
	trips TripService
}

func NewTripHandler(svc TripService) *TripHandler {
	return &TripHandler{trips: svc}
}

// createTripReq is a tagged union on Kind: point-to-point trips carry a drop,
// rentals carry package_hours.
type createTripReq struct {
	Kind         trip.Kind        `json:"kind"`
	VehicleClass string           `json:"vehicle_class"`
	Pickup       *types.Place     `json:"pickup"`
	Drop         *types.Place     `json:"drop"`
	PackageHours *int             `json:"package_hours"`
	PaymentMode  trip.PaymentMode `json:"payment_mode"`
	Carrier      bool             `json:"carrier"`
}

func (r createTripReq) command(requester types.ID) (trip.CreateCommand, string) {
	if r.Pickup == nil {
		return trip.CreateCommand{}, "missing pickup"
	}
	cmd := trip.CreateCommand{
		RequesterID: requester,
		Kind:        r.Kind,
		Class:       pricing.VehicleClass(r.VehicleClass),
		Pickup:      *r.Pickup,
		PaymentMode: r.PaymentMode,
		Carrier:     r.Carrier,
	}
	if cmd.PaymentMode == "" {
		cmd.PaymentMode = trip.PaymentCash
	}
	switch r.Kind {
	case trip.KindPointToPoint:
		if r.Drop == nil {
			return cmd, "point-to-point trips need a drop"
		}
		if r.PackageHours != nil {
			return cmd, "package_hours is only valid for rentals"
		}
		cmd.Drop = *r.Drop
	case trip.KindRental:
		if r.PackageHours == nil {
			return cmd, "rentals need package_hours"
		}
		if r.Drop != nil {
			return cmd, "rentals take no drop at request time"
		}
		cmd.PackageHours = *r.PackageHours
	default:
		return cmd, "unknown trip kind"
	}
	return cmd, ""
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if callerRole(c) == trip.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: drivers cannot request trips")
		return
	}
	cmd, problem := req.command(callerID(c))
	if problem != "" {
		writeError(c, http.StatusBadRequest, problem)
		return
	}
	t, err := h.trips.Create(c.Request.Context(), cmd)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"trip": t, "quote": t.QuotedFare})
}

func (h *TripHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeTripError(c, err)
		return
	}
	caller := callerID(c)
	if caller != t.RequesterID && !t.IsBoundDriver(caller) {
		writeError(c, http.StatusForbidden, "forbidden: not a party to this trip")
		return
	}
	writeJSON(c, http.StatusOK, viewFor(t, caller))
}

// viewFor hides the start code from everyone but the requester.
func viewFor(t *trip.Trip, caller types.ID) *trip.Trip {
	if caller == t.RequesterID {
		return t
	}
	v := *t
	v.SecretCode = ""
	return &v
}

type paymentProof struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type transitionReq struct {
	Status     trip.Status   `json:"status"`
	Code       string        `json:"code"`
	OdometerKm *float64      `json:"odometer_km"`
	Reason     string        `json:"reason"`
	Drop       *types.Place  `json:"drop"`
	Payment    *paymentProof `json:"payment"`
	CashAck    bool          `json:"cash_ack"`
}

func (h *TripHandler) Transition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	ctx := c.Request.Context()
	caller, role := callerID(c), callerRole(c)
	driverOnly := func() bool {
		if role != trip.RoleDriver {
			writeError(c, http.StatusForbidden, "forbidden: driver role required")
			return false
		}
		return true
	}

	var (
		t   *trip.Trip
		err error
	)
	switch req.Status {
	case trip.StatusDriverArrived:
		if !driverOnly() {
			return
		}
		t, err = h.trips.Arrive(ctx, trip.ArriveCommand{TripID: id, DriverID: caller})
	case trip.StatusRideStarted:
		if !driverOnly() {
			return
		}
		t, err = h.trips.Start(ctx, trip.StartCommand{TripID: id, DriverID: caller, Code: req.Code, OdometerKm: req.OdometerKm})
	case trip.StatusRideEnded, trip.StatusPaymentPending:
		if !driverOnly() {
			return
		}
		t, err = h.trips.Complete(ctx, trip.CompleteCommand{TripID: id, DriverID: caller, OdometerKm: req.OdometerKm, Drop: req.Drop})
	case trip.StatusPaymentCompleted:
		cmd := trip.ConfirmPaymentCommand{TripID: id, ActorID: caller, Role: role, CashAck: req.CashAck}
		if req.Payment != nil {
			cmd.OrderID = req.Payment.OrderID
			cmd.PaymentID = req.Payment.PaymentID
			cmd.Signature = req.Payment.Signature
		}
		t, err = h.trips.ConfirmPayment(ctx, cmd)
	case trip.StatusCancelled:
		t, err = h.trips.Cancel(ctx, trip.CancelCommand{TripID: id, ActorID: caller, Role: role, Reason: req.Reason})
	default:
		writeError(c, http.StatusBadRequest, "unsupported target status")
		return
	}
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, viewFor(t, caller))
}
