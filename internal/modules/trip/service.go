// README: Trip service implements the lifecycle state machine, settlement and fee policy.
package trip

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"ridelink/internal/logging"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/observability"
	"ridelink/internal/types"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("trip not found")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrForbidden          = errors.New("caller may not perform this transition")
	ErrBadCode            = errors.New("secret code does not match")
	ErrBadSignature       = errors.New("payment signature invalid")
	ErrConflict           = errors.New("trip state conflict")
	ErrActiveTrip         = errors.New("requester has an active trip")
	ErrPaymentUnavailable = errors.New("payment gateway unavailable")
)

// Repository persists trips. Bind and Apply are conditional writes that report
// false when the guard no longer holds.
type Repository interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error)
	Bind(ctx context.Context, tripID, driverID types.ID, at time.Time) (bool, error)
	Apply(ctx context.Context, c Change) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	LedgerFor(ctx context.Context, tripID types.ID) ([]LedgerEntry, error)
	Balance(ctx context.Context, userID types.ID) (int64, error)
}

// Change is one guarded status transition. Ledger and Wallets commit
// atomically with the status write; wallets move only if the ledger entry is new.
type Change struct {
	Trip    *Trip
	From    Status
	Version int
	Ledger  *LedgerEntry
	Wallets []WalletDelta
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
	QuoteRental(class pricing.VehicleClass, hours int, carrier bool) (pricing.RentalQuote, error)
	SettleRental(q pricing.RentalQuote, usage pricing.RentalUsage) pricing.RentalSettlement
	CancellationFee(driverArrived bool) int64
}

type RouteEstimator interface {
	Distance(ctx context.Context, from, to types.Point) (types.Route, error)
}

// Drivers tracks which driver is engaged on which trip and their GPS trail.
type Drivers interface {
	MarkEngaged(ctx context.Context, driverID, tripID types.ID) (bool, error)
	Release(ctx context.Context, driverID, tripID types.ID) error
	TrailKm(ctx context.Context, q location.TrailQuery) (float64, int, error)
}

type PaymentGateway interface {
	CreateOrder(ctx context.Context, receipt string, amount types.Money) (string, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Notifier pushes trip changes to the connected parties.
type Notifier interface {
	TripChanged(t *Trip, from Status)
}

// SearchControl starts and aborts the asynchronous driver search for a trip.
type SearchControl interface {
	Start(tripID types.ID)
	Abort(tripID types.ID)
}

type Deps struct {
	Store     Repository
	Pricing   Pricer
	Routes    RouteEstimator
	Drivers   Drivers
	Payments  PaymentGateway
	Publisher EventPublisher
	Notifier  Notifier
	Log       logrus.FieldLogger
}

type Service struct {
	store     Repository
	pricing   Pricer
	routes    RouteEstimator
	drivers   Drivers
	payments  PaymentGateway
	publisher EventPublisher
	notifier  Notifier
	search    SearchControl
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		pricing:   d.Pricing,
		routes:    d.Routes,
		drivers:   d.Drivers,
		payments:  d.Payments,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		log:       logging.OrDiscard(d.Log).WithField("component", "trip"),
		now:       time.Now,
	}
}

// SetSearch wires the dispatcher once it exists; it depends on this service.
func (s *Service) SetSearch(sc SearchControl) {
	s.search = sc
}

type CreateCommand struct {
	RequesterID  types.ID
	Kind         Kind
	Class        pricing.VehicleClass
	Pickup       types.Place
	Drop         types.Place
	PaymentMode  PaymentMode
	Carrier      bool
	PackageHours int
}

type ArriveCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type StartCommand struct {
	TripID     types.ID
	DriverID   types.ID
	Code       string
	OdometerKm *float64
}

type CompleteCommand struct {
	TripID     types.ID
	DriverID   types.ID
	OdometerKm *float64
	// Drop is where a rental ended; ignored for point-to-point trips.
	Drop *types.Place
}

type ConfirmPaymentCommand struct {
	TripID    types.ID
	ActorID   types.ID
	Role      Role
	OrderID   string
	PaymentID string
	Signature string
	// CashAck is the bound driver confirming cash was collected.
	CashAck bool
}

type CancelCommand struct {
	TripID  types.ID
	ActorID types.ID
	Role    Role
	Reason  string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}
	active, err := s.store.HasActiveByRequester(ctx, cmd.RequesterID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveTrip
	}

	now := s.now()
	t := &Trip{
		ID:          types.NewID(),
		RequesterID: cmd.RequesterID,
		Kind:        cmd.Kind,
		Class:       cmd.Class,
		Pickup:      cmd.Pickup,
		Drop:        cmd.Drop,
		Status:      StatusSearching,
		PaymentMode: cmd.PaymentMode,
		SecretCode:  newSecretCode(),
		Carrier:     cmd.Carrier,
		CreatedAt:   now,
	}

	switch cmd.Kind {
	case KindPointToPoint:
		route := s.route(ctx, cmd.Pickup.Point, cmd.Drop.Point)
		t.DistanceKm = route.Km
		t.DurationMin = route.Minutes
		q, err := s.pricing.Quote(ctx, t.QuoteRequest())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		t.QuotedFare = q.Money()
		t.CarrierSurcharge = q.CarrierSurcharge
	case KindRental:
		q, err := s.pricing.QuoteRental(cmd.Class, cmd.PackageHours, cmd.Carrier)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		t.PackageHours = q.Hours
		t.IncludedKm = q.IncludedKm
		t.ExtraKmRate = q.ExtraKmRate
		t.QuotedFare = q.Money()
		t.CarrierSurcharge = q.CarrierSurcharge
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, t, StatusNone, RoleRequester, &cmd.RequesterID)
	if s.search != nil {
		s.search.Start(t.ID)
	}
	return t, nil
}

func validateCreate(cmd CreateCommand) error {
	if cmd.RequesterID == "" || !cmd.Class.Valid() || !cmd.Pickup.Valid() {
		return ErrBadRequest
	}
	if cmd.PaymentMode != PaymentCash && cmd.PaymentMode != PaymentOnline {
		return ErrBadRequest
	}
	switch cmd.Kind {
	case KindPointToPoint:
		if !cmd.Drop.Valid() || cmd.Drop.Point == cmd.Pickup.Point {
			return ErrBadRequest
		}
	case KindRental:
		if cmd.PackageHours <= 0 {
			return ErrBadRequest
		}
	default:
		return ErrBadRequest
	}
	return nil
}

// route falls back to the straight-line distance when the road lookup fails.
func (s *Service) route(ctx context.Context, from, to types.Point) types.Route {
	if s.routes != nil {
		r, err := s.routes.Distance(ctx, from, to)
		if err == nil && r.Known && r.Km > 0 {
			return r
		}
		if err != nil {
			s.log.WithError(err).Warn("route lookup failed; using straight-line distance")
		}
	}
	return types.Route{Km: math.Round(from.DistanceKm(to)*100) / 100}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.Get(ctx, id)
}

// Bind assigns driverID to a searching trip. Exactly one Bind per trip succeeds;
// losers get ErrConflict or ErrInvalidState.
func (s *Service) Bind(ctx context.Context, tripID, driverID types.ID) error {
	if driverID == "" {
		return ErrBadRequest
	}
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, StatusAccepted) {
		return ErrInvalidState
	}
	now := s.now()
	ok, err := s.store.Bind(ctx, tripID, driverID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	from := t.Status
	t.Status = StatusAccepted
	t.StatusVersion++
	t.DriverID = &driverID
	t.AcceptedAt = &now
	if s.drivers != nil {
		if claimed, err := s.drivers.MarkEngaged(ctx, driverID, tripID); err != nil || !claimed {
			s.log.WithFields(logrus.Fields{"trip_id": tripID, "driver_id": driverID}).
				WithError(err).Warn("driver engagement not recorded")
		}
	}
	s.recordEvent(ctx, t, from, RoleDriver, &driverID)
	return nil
}

func (s *Service) Arrive(ctx context.Context, cmd ArriveCommand) (*Trip, error) {
	t, err := s.load(ctx, cmd.TripID, StatusDriverArrived)
	if err != nil {
		return nil, err
	}
	if !t.IsBoundDriver(cmd.DriverID) {
		return nil, ErrForbidden
	}
	now := s.now()
	next := *t
	next.Status = StatusDriverArrived
	next.DriverArrivedAt = &now
	return s.apply(ctx, t, &next, nil, nil, RoleDriver, &cmd.DriverID)
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Trip, error) {
	t, err := s.load(ctx, cmd.TripID, StatusRideStarted)
	if err != nil {
		return nil, err
	}
	if !t.IsBoundDriver(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(cmd.Code), []byte(t.SecretCode)) != 1 {
		return nil, ErrBadCode
	}
	if cmd.OdometerKm != nil && *cmd.OdometerKm < 0 {
		return nil, ErrBadRequest
	}

	now := s.now()
	next := *t
	next.Status = StatusRideStarted
	next.RideStartedAt = &now
	next.StartOdometerKm = cmd.OdometerKm
	if t.DriverArrivedAt != nil {
		minutes, charge := pricing.WaitingCharge(now.Sub(*t.DriverArrivedAt))
		next.WaitingMinutes = minutes
		if t.Kind == KindPointToPoint {
			next.WaitingCharge = charge
		}
	}
	return s.apply(ctx, t, &next, nil, nil, RoleDriver, &cmd.DriverID)
}

// Complete settles the fare. Cash trips end immediately; online trips open a
// gateway order and wait for payment.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	to := StatusRideEnded
	if t.PaymentMode == PaymentOnline {
		to = StatusPaymentPending
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidState
	}
	if !t.IsBoundDriver(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if cmd.OdometerKm != nil && *cmd.OdometerKm < 0 {
		return nil, ErrBadRequest
	}

	now := s.now()
	next := *t
	next.Status = to
	next.RideEndedAt = &now
	next.EndOdometerKm = cmd.OdometerKm
	if t.Kind == KindRental && cmd.Drop != nil {
		next.Drop = *cmd.Drop
	}

	fare, err := s.settle(ctx, &next)
	if err != nil {
		return nil, err
	}
	next.FinalFare = &fare

	var ledger *LedgerEntry
	if to == StatusRideEnded {
		ledger = s.farePayment(&next, now)
	} else {
		if s.payments == nil {
			return nil, ErrPaymentUnavailable
		}
		orderID, err := s.payments.CreateOrder(ctx, string(t.ID), fare)
		if err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Error("payment order creation failed")
			return nil, ErrPaymentUnavailable
		}
		next.PaymentOrderID = &orderID
	}

	out, err := s.apply(ctx, t, &next, ledger, nil, RoleDriver, &cmd.DriverID)
	if err != nil {
		return nil, err
	}
	s.release(ctx, t)
	return out, nil
}

// settle computes the final fare on next from the amounts frozen at intake,
// filling ActualKm for rentals.
func (s *Service) settle(ctx context.Context, next *Trip) (types.Money, error) {
	if next.Kind == KindPointToPoint {
		return pricing.SettlePointToPoint(next.QuotedFare, next.WaitingCharge), nil
	}

	var odometerKm float64
	if next.StartOdometerKm != nil && next.EndOdometerKm != nil {
		if *next.EndOdometerKm < *next.StartOdometerKm {
			return types.Money{}, ErrBadRequest
		}
		odometerKm = *next.EndOdometerKm - *next.StartOdometerKm
	}
	var gpsKm float64
	var samples int
	if s.drivers != nil && next.DriverID != nil && next.RideStartedAt != nil && next.RideEndedAt != nil {
		var err error
		gpsKm, samples, err = s.drivers.TrailKm(ctx, location.TrailQuery{
			TripID:   next.ID,
			DriverID: *next.DriverID,
			From:     *next.RideStartedAt,
			To:       *next.RideEndedAt,
		})
		if err != nil {
			s.log.WithError(err).WithField("trip_id", next.ID).Warn("GPS trail unavailable; billing odometer")
			samples = 0
		}
	}
	actualKm := pricing.ReconcileDistance(odometerKm, gpsKm, samples >= 2)
	next.ActualKm = &actualKm

	var minutes int64
	if next.RideStartedAt != nil && next.RideEndedAt != nil {
		minutes = int64(next.RideEndedAt.Sub(*next.RideStartedAt) / time.Minute)
	}
	st := s.pricing.SettleRental(next.RentalQuote(), pricing.RentalUsage{ActualKm: actualKm, ActualMinutes: minutes})
	return st.Money(), nil
}

func (s *Service) farePayment(t *Trip, at time.Time) *LedgerEntry {
	requester := t.RequesterID
	return &LedgerEntry{
		ID:        types.NewID(),
		TripID:    t.ID,
		Kind:      LedgerFarePayment,
		PayerID:   &requester,
		PayeeID:   t.DriverID,
		Amount:    t.FinalFare.Amount,
		Currency:  t.FinalFare.Currency,
		CreatedAt: at,
	}
}

// ConfirmPayment completes a pending payment, either by a verified gateway
// signature or by the bound driver acknowledging cash.
func (s *Service) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (*Trip, error) {
	t, err := s.load(ctx, cmd.TripID, StatusPaymentCompleted)
	if err != nil {
		return nil, err
	}

	next := *t
	var wallets []WalletDelta
	if cmd.CashAck {
		if cmd.Role != RoleDriver || !t.IsBoundDriver(cmd.ActorID) {
			return nil, ErrForbidden
		}
	} else {
		if cmd.Role == RoleRequester && cmd.ActorID != t.RequesterID {
			return nil, ErrForbidden
		}
		if cmd.Role == RoleDriver {
			return nil, ErrForbidden
		}
		if t.PaymentOrderID == nil || cmd.OrderID != *t.PaymentOrderID || cmd.PaymentID == "" {
			return nil, ErrBadSignature
		}
		if s.payments == nil || !s.payments.VerifySignature(cmd.OrderID, cmd.PaymentID, cmd.Signature) {
			return nil, ErrBadSignature
		}
		paymentID := cmd.PaymentID
		next.PaymentID = &paymentID
		// Online payments are collected by the platform and credited to the driver.
		if t.DriverID != nil && t.FinalFare != nil {
			wallets = []WalletDelta{{UserID: *t.DriverID, Amount: t.FinalFare.Amount}}
		}
	}

	now := s.now()
	next.Status = StatusPaymentCompleted
	next.PaymentCompletedAt = &now
	if next.FinalFare == nil {
		next.FinalFare = &t.QuotedFare
	}
	ledger := s.farePayment(&next, now)

	var actor *types.ID
	if cmd.ActorID != "" {
		actor = &cmd.ActorID
	}
	return s.apply(ctx, t, &next, ledger, wallets, cmd.Role, actor)
}

// Cancel ends a non-terminal trip. Once the driver has arrived, the cancelling
// party pays a flat fee, deducted from their wallet immediately.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	t, err := s.load(ctx, cmd.TripID, StatusCancelled)
	if err != nil {
		return nil, err
	}
	switch cmd.Role {
	case RoleRequester:
		if cmd.ActorID != t.RequesterID {
			return nil, ErrForbidden
		}
	case RoleDriver:
		if !t.IsBoundDriver(cmd.ActorID) {
			return nil, ErrForbidden
		}
	case RoleSystem:
	default:
		return nil, ErrForbidden
	}

	now := s.now()
	next := *t
	next.Status = StatusCancelled
	next.CancelledAt = &now
	next.CancelledByRole = cmd.Role
	if cmd.ActorID != "" {
		actor := cmd.ActorID
		next.CancelledByID = &actor
	}
	if cmd.Reason != "" {
		reason := cmd.Reason
		next.CancelReason = &reason
	}
	next.DriverID = nil

	var ledger *LedgerEntry
	var wallets []WalletDelta
	if cmd.Role != RoleSystem {
		if fee := s.pricing.CancellationFee(t.DriverArrivedAt != nil); fee > 0 {
			next.CancellationFee = fee
			ledger, wallets = cancellationFee(t, cmd, fee, now)
		}
	}

	var actor *types.ID
	if cmd.ActorID != "" {
		actor = &cmd.ActorID
	}
	out, err := s.apply(ctx, t, &next, ledger, wallets, cmd.Role, actor)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusSearching && s.search != nil {
		s.search.Abort(t.ID)
	}
	s.release(ctx, t)
	return out, nil
}

func cancellationFee(t *Trip, cmd CancelCommand, fee int64, at time.Time) (*LedgerEntry, []WalletDelta) {
	payer := cmd.ActorID
	e := &LedgerEntry{
		ID:        types.NewID(),
		TripID:    t.ID,
		Kind:      LedgerCancellationFee,
		PayerID:   &payer,
		Amount:    fee,
		Currency:  types.DefaultCurrency,
		CreatedAt: at,
	}
	wallets := []WalletDelta{{UserID: payer, Amount: -fee}}
	// A requester's fee compensates the driver who came out; a driver's fee goes to the platform.
	if cmd.Role == RoleRequester && t.DriverID != nil {
		driver := *t.DriverID
		e.PayeeID = &driver
		wallets = append(wallets, WalletDelta{UserID: driver, Amount: fee})
	}
	return e, wallets
}

// CancelSearch abandons a trip that is still searching, e.g. when no driver
// accepted before the deadline.
func (s *Service) CancelSearch(ctx context.Context, tripID types.ID, reason string) error {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if t.Status != StatusSearching {
		return ErrInvalidState
	}
	_, err = s.Cancel(ctx, CancelCommand{TripID: tripID, Role: RoleSystem, Reason: reason})
	return err
}

func (s *Service) Ledger(ctx context.Context, tripID types.ID) ([]LedgerEntry, error) {
	return s.store.LedgerFor(ctx, tripID)
}

func (s *Service) Balance(ctx context.Context, userID types.ID) (int64, error) {
	return s.store.Balance(ctx, userID)
}

// load fetches the trip and checks the transition to `to` is legal.
func (s *Service) load(ctx context.Context, id types.ID, to Status) (*Trip, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidState
	}
	return t, nil
}

func (s *Service) apply(ctx context.Context, prev, next *Trip, ledger *LedgerEntry, wallets []WalletDelta, role Role, actor *types.ID) (*Trip, error) {
	ok, err := s.store.Apply(ctx, Change{
		Trip:    next,
		From:    prev.Status,
		Version: prev.StatusVersion,
		Ledger:  ledger,
		Wallets: wallets,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	next.StatusVersion = prev.StatusVersion + 1
	s.recordEvent(ctx, next, prev.Status, role, actor)
	return next, nil
}

// release frees the driver bound to prev once they no longer serve it.
func (s *Service) release(ctx context.Context, prev *Trip) {
	if s.drivers == nil || prev.DriverID == nil {
		return
	}
	if err := s.drivers.Release(ctx, *prev.DriverID, prev.ID); err != nil {
		s.log.WithError(err).WithField("driver_id", *prev.DriverID).Warn("driver release failed")
	}
}

func (s *Service) recordEvent(ctx context.Context, t *Trip, from Status, role Role, actor *types.ID) {
	e := &Event{
		TripID:     t.ID,
		FromStatus: from,
		ToStatus:   t.Status,
		ActorRole:  role,
		ActorID:    actor,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.log.WithError(err).WithField("trip_id", t.ID).Warn("append trip event failed")
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, string(t.ID), e); err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Warn("publish trip event failed")
		}
	}
	if s.notifier != nil {
		s.notifier.TripChanged(t, from)
	}
	observability.TripTransitions.WithLabelValues(string(from), string(t.Status)).Inc()
	s.log.WithFields(logrus.Fields{
		"trip_id": t.ID,
		"from":    from,
		"to":      t.Status,
		"actor":   role,
	}).Info("trip transition")
}

func newSecretCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return fmt.Sprintf("%04d", n.Int64())
}
