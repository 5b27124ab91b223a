// README: Trip service tests (state machine, settlement, fees, concurrent binding).
package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ridelink/internal/modules/location"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

// TestCanTransition verifies the state machine transition table.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// happy-path forward transitions
		{StatusSearching, StatusAccepted, true},
		{StatusAccepted, StatusDriverArrived, true},
		{StatusDriverArrived, StatusRideStarted, true},
		{StatusRideStarted, StatusRideEnded, true},
		{StatusRideStarted, StatusPaymentPending, true},
		{StatusPaymentPending, StatusPaymentCompleted, true},
		// cancels from every non-terminal state
		{StatusSearching, StatusCancelled, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusDriverArrived, StatusCancelled, true},
		{StatusRideStarted, StatusCancelled, true},
		{StatusPaymentPending, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusRideEnded, StatusCancelled, false},
		{StatusPaymentCompleted, StatusCancelled, false},
		{StatusCancelled, StatusSearching, false},
		// skipping states
		{StatusSearching, StatusRideStarted, false},
		{StatusAccepted, StatusRideStarted, false},
		{StatusDriverArrived, StatusRideEnded, false},
		{StatusNone, StatusAccepted, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTripFlow_CashPointToPoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_cash", PaymentCash)
	if tr.Status != StatusSearching {
		t.Fatalf("expected SEARCHING, got %s", tr.Status)
	}
	if tr.QuotedFare.Amount != 176 {
		t.Fatalf("expected quoted fare 176, got %d", tr.QuotedFare.Amount)
	}
	if len(tr.SecretCode) != 4 {
		t.Fatalf("expected 4-digit code, got %q", tr.SecretCode)
	}
	if got := env.search.started(); len(got) != 1 || got[0] != tr.ID {
		t.Fatalf("expected search started for %s, got %v", tr.ID, got)
	}

	if err := env.svc.Bind(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if env.drivers.engagedOn("d1") != tr.ID {
		t.Fatalf("expected d1 engaged on %s", tr.ID)
	}

	if _, err := env.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	// 10.5 minutes of waiting bills 7 minutes after the free allowance.
	env.clock.advance(10*time.Minute + 30*time.Second)
	started, err := env.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", Code: tr.SecretCode})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.WaitingMinutes != 10 || started.WaitingCharge != 21 {
		t.Fatalf("expected 10 minutes / 21 charge, got %d / %d", started.WaitingMinutes, started.WaitingCharge)
	}

	env.clock.advance(25 * time.Minute)
	done, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusRideEnded {
		t.Fatalf("expected RIDE_ENDED, got %s", done.Status)
	}
	if done.FinalFare == nil || done.FinalFare.Amount != 197 {
		t.Fatalf("expected final fare 197, got %+v", done.FinalFare)
	}
	if env.drivers.engagedOn("d1") != "" {
		t.Fatalf("expected d1 released")
	}

	ledger, _ := env.svc.Ledger(ctx, tr.ID)
	if len(ledger) != 1 || ledger[0].Kind != LedgerFarePayment || ledger[0].Amount != 197 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}

	wantPath := []Status{StatusSearching, StatusAccepted, StatusDriverArrived, StatusRideStarted, StatusRideEnded}
	if got := env.repo.path(tr.ID); fmt.Sprint(got) != fmt.Sprint(wantPath) {
		t.Fatalf("expected events %v, got %v", wantPath, got)
	}
	if env.publisher.count() != len(wantPath) {
		t.Fatalf("expected %d published events, got %d", len(wantPath), env.publisher.count())
	}
}

func TestTripFlow_OnlinePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_online", PaymentOnline)
	env.rideToStarted(t, tr, "d1")

	pending, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if pending.Status != StatusPaymentPending {
		t.Fatalf("expected PAYMENT_PENDING, got %s", pending.Status)
	}
	if pending.PaymentOrderID == nil || *pending.PaymentOrderID != "order_1" {
		t.Fatalf("expected gateway order id, got %v", pending.PaymentOrderID)
	}
	if env.drivers.engagedOn("d1") != "" {
		t.Fatalf("expected driver released once payment is pending")
	}

	_, err = env.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{
		TripID: tr.ID, ActorID: "r_online", Role: RoleRequester,
		OrderID: "order_1", PaymentID: "pay_1", Signature: "forged",
	})
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	paid, err := env.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{
		TripID: tr.ID, ActorID: "r_online", Role: RoleRequester,
		OrderID: "order_1", PaymentID: "pay_1", Signature: "valid",
	})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if paid.Status != StatusPaymentCompleted || paid.PaymentID == nil || *paid.PaymentID != "pay_1" {
		t.Fatalf("unexpected trip after payment: %+v", paid)
	}
	if bal, _ := env.svc.Balance(ctx, "d1"); bal != 176 {
		t.Fatalf("expected driver wallet 176, got %d", bal)
	}

	_, err = env.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{
		TripID: tr.ID, ActorID: "r_online", Role: RoleRequester,
		OrderID: "order_1", PaymentID: "pay_1", Signature: "valid",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
	if bal, _ := env.svc.Balance(ctx, "d1"); bal != 176 {
		t.Fatalf("replay must not credit twice, got %d", bal)
	}
}

func TestComplete_GatewayDownKeepsRideStarted(t *testing.T) {
	env := newTestEnv(t)
	env.payments.fail = true
	ctx := context.Background()

	tr := env.create(t, "r_gw", PaymentOnline)
	env.rideToStarted(t, tr, "d1")

	_, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1"})
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
	got, _ := env.svc.Get(ctx, tr.ID)
	if got.Status != StatusRideStarted {
		t.Fatalf("expected RIDE_STARTED, got %s", got.Status)
	}
}

func TestComplete_SettlesAgainstFareQuotedAtIntake(t *testing.T) {
	env := newTestEnv(t)
	zones := &switchableZones{byAddress: map[string]pricing.Zone{
		"Sector 29": pricing.ZoneHaryana,
		"Block B":   pricing.ZoneDelhi,
	}}
	env.svc.pricing = pricing.NewService(pricing.DefaultRateCard(), zones)
	ctx := context.Background()

	cmd := p2pCommand("r_zones", PaymentCash)
	cmd.Pickup.Address = "Sector 29"
	cmd.Drop.Address = "Block B"
	tr, err := env.svc.Create(ctx, cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 176 + 100 border tax + 100 municipal entry
	if tr.QuotedFare.Amount != 376 {
		t.Fatalf("expected quoted fare 376, got %d", tr.QuotedFare.Amount)
	}

	zones.goDark()
	card := pricing.DefaultRateCard()
	card.PerKm[pricing.ClassMini] = pricing.TierRate{Short: 40, Long: 40}
	env.svc.pricing = pricing.NewService(card, zones)

	env.rideToStarted(t, tr, "d1")
	done, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.FinalFare == nil || done.FinalFare.Amount != 376 {
		t.Fatalf("expected settlement 376, got %+v", done.FinalFare)
	}
}

func TestCreate_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pickup := types.Place{Address: "Sector 1", Point: types.Point{Lat: 28.60, Lng: 77.20}}
	drop := types.Place{Address: "Sector 9", Point: types.Point{Lat: 28.65, Lng: 77.25}}

	tests := []struct {
		name string
		cmd  CreateCommand
	}{
		{"missing requester", CreateCommand{Kind: KindPointToPoint, Class: pricing.ClassMini, Pickup: pickup, Drop: drop, PaymentMode: PaymentCash}},
		{"unknown class", CreateCommand{RequesterID: "r", Kind: KindPointToPoint, Class: "rickshaw", Pickup: pickup, Drop: drop, PaymentMode: PaymentCash}},
		{"same pickup and drop", CreateCommand{RequesterID: "r", Kind: KindPointToPoint, Class: pricing.ClassMini, Pickup: pickup, Drop: pickup, PaymentMode: PaymentCash}},
		{"unknown payment mode", CreateCommand{RequesterID: "r", Kind: KindPointToPoint, Class: pricing.ClassMini, Pickup: pickup, Drop: drop, PaymentMode: "BARTER"}},
		{"rental without hours", CreateCommand{RequesterID: "r", Kind: KindRental, Class: pricing.ClassMini, Pickup: pickup, PaymentMode: PaymentCash}},
		{"rental beyond package table", CreateCommand{RequesterID: "r", Kind: KindRental, Class: pricing.ClassMini, Pickup: pickup, PaymentMode: PaymentCash, PackageHours: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Create(ctx, tt.cmd); !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestCreate_RejectsSecondActiveTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.create(t, "r_dup", PaymentCash)
	_, err := env.svc.Create(ctx, p2pCommand("r_dup", PaymentCash))
	if !errors.Is(err, ErrActiveTrip) {
		t.Fatalf("expected ErrActiveTrip, got %v", err)
	}

	if _, err := env.svc.Cancel(ctx, CancelCommand{TripID: first.ID, ActorID: "r_dup", Role: RoleRequester}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.svc.Create(ctx, p2pCommand("r_dup", PaymentCash)); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestCreate_FallsBackToStraightLine(t *testing.T) {
	env := newTestEnv(t)
	env.routes.err = errors.New("maps quota exceeded")

	tr := env.create(t, "r_fallback", PaymentCash)
	if tr.DistanceKm <= 0 {
		t.Fatalf("expected straight-line distance, got %v", tr.DistanceKm)
	}
	if tr.QuotedFare.Amount <= 50 {
		t.Fatalf("expected fare above base, got %d", tr.QuotedFare.Amount)
	}
}

// TestBind_ConcurrentOnlyOneWins races many drivers for the same trip.
func TestBind_ConcurrentOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tr := env.create(t, "r_race", PaymentCash)

	const drivers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs <- env.svc.Bind(ctx, tr.ID, types.ID(fmt.Sprintf("d%d", i)))
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one bind, got %d", success)
	}
	got, _ := env.svc.Get(ctx, tr.ID)
	if got.Status != StatusAccepted || got.DriverID == nil {
		t.Fatalf("expected ACCEPTED with a driver, got %s", got.Status)
	}
}

func TestBind_DriverAlreadyBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.create(t, "r_a", PaymentCash)
	b := env.create(t, "r_b", PaymentCash)
	if err := env.svc.Bind(ctx, a.ID, "d1"); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := env.svc.Bind(ctx, b.ID, "d1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStart_RequiresCodeAndBoundDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_code", PaymentCash)
	if err := env.svc.Bind(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := env.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other driver, got %v", err)
	}
	if _, err := env.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	wrong := "0000"
	if tr.SecretCode == wrong {
		wrong = "1111"
	}
	if _, err := env.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", Code: wrong}); !errors.Is(err, ErrBadCode) {
		t.Fatalf("expected ErrBadCode, got %v", err)
	}
	if _, err := env.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d2", Code: tr.SecretCode}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, _ := env.svc.Get(ctx, tr.ID)
	if got.Status != StatusDriverArrived {
		t.Fatalf("expected DRIVER_ARRIVED, got %s", got.Status)
	}
}

func TestCancel_NoFeeBeforeArrival(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_early", PaymentCash)
	if err := env.svc.Bind(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	out, err := env.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "r_early", Role: RoleRequester, Reason: "changed plans"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.CancellationFee != 0 || out.DriverID != nil {
		t.Fatalf("expected no fee and unbound driver, got fee=%d driver=%v", out.CancellationFee, out.DriverID)
	}
	if ledger, _ := env.svc.Ledger(ctx, tr.ID); len(ledger) != 0 {
		t.Fatalf("expected empty ledger, got %+v", ledger)
	}
	if env.drivers.engagedOn("d1") != "" {
		t.Fatalf("expected d1 released")
	}
}

func TestCancel_RequesterPaysAfterArrival(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_late", PaymentCash)
	if err := env.svc.Bind(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := env.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	out, err := env.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "r_late", Role: RoleRequester})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.CancellationFee != 50 || out.CancelledByRole != RoleRequester {
		t.Fatalf("unexpected cancellation: fee=%d by=%s", out.CancellationFee, out.CancelledByRole)
	}
	if _, err := env.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "r_late", Role: RoleRequester}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}

	ledger, _ := env.svc.Ledger(ctx, tr.ID)
	if len(ledger) != 1 || ledger[0].Kind != LedgerCancellationFee || ledger[0].Amount != 50 {
		t.Fatalf("expected one fee entry, got %+v", ledger)
	}
	if bal, _ := env.svc.Balance(ctx, "r_late"); bal != -50 {
		t.Fatalf("expected requester wallet -50, got %d", bal)
	}
	if bal, _ := env.svc.Balance(ctx, "d1"); bal != 50 {
		t.Fatalf("expected driver wallet 50, got %d", bal)
	}
}

func TestCancel_DriverPaysPlatformAfterArrival(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_drv", PaymentCash)
	if err := env.svc.Bind(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := env.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := env.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "d2", Role: RoleDriver}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unbound driver, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "d1", Role: RoleDriver}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ledger, _ := env.svc.Ledger(ctx, tr.ID)
	if len(ledger) != 1 || ledger[0].PayeeID != nil {
		t.Fatalf("expected one platform-bound fee, got %+v", ledger)
	}
	if bal, _ := env.svc.Balance(ctx, "d1"); bal != -50 {
		t.Fatalf("expected driver wallet -50, got %d", bal)
	}
}

func TestCancelSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr := env.create(t, "r_search", PaymentCash)
	if err := env.svc.CancelSearch(ctx, tr.ID, "no drivers found"); err != nil {
		t.Fatalf("cancel search: %v", err)
	}
	got, _ := env.svc.Get(ctx, tr.ID)
	if got.Status != StatusCancelled || got.CancelledByRole != RoleSystem || got.CancellationFee != 0 {
		t.Fatalf("unexpected trip: %+v", got)
	}
	if got.CancelReason == nil || *got.CancelReason != "no drivers found" {
		t.Fatalf("expected reason recorded, got %v", got.CancelReason)
	}
	if aborted := env.search.aborted(); len(aborted) != 1 || aborted[0] != tr.ID {
		t.Fatalf("expected search aborted, got %v", aborted)
	}

	bound := env.create(t, "r_bound", PaymentCash)
	if err := env.svc.Bind(ctx, bound.ID, "d1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := env.svc.CancelSearch(ctx, bound.ID, "no drivers found"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRental_SettlesOdometerWithinTolerance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.drivers.trailKm, env.drivers.samples = 31, 12

	tr, err := env.svc.Create(ctx, rentalCommand("r_rent", 2))
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	if tr.QuotedFare.Amount != 500 || tr.IncludedKm != 20 {
		t.Fatalf("expected 2h mini package 500/20km, got %d/%d", tr.QuotedFare.Amount, tr.IncludedKm)
	}

	start, end := 1000.0, 1030.0
	env.rideToStartedWith(t, tr, "d1", &start)
	env.clock.advance(150 * time.Minute)
	done, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", OdometerKm: &end})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 500 + 10 extra km * 14 + 30 extra minutes * 2
	if done.FinalFare == nil || done.FinalFare.Amount != 700 {
		t.Fatalf("expected 700, got %+v", done.FinalFare)
	}
	if done.ActualKm == nil || *done.ActualKm != 30 {
		t.Fatalf("expected odometer distance billed, got %v", done.ActualKm)
	}
	if done.WaitingCharge != 0 {
		t.Fatalf("rentals do not bill waiting, got %d", done.WaitingCharge)
	}
}

func TestRental_SettlesAtRatesFrozenAtIntake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.drivers.trailKm, env.drivers.samples = 31, 12

	tr, err := env.svc.Create(ctx, rentalCommand("r_frozen", 2))
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	card := pricing.DefaultRateCard()
	card.ExtraKm[pricing.ClassMini] = 40
	env.svc.pricing = pricing.NewService(card, nil)

	start, end := 1000.0, 1030.0
	env.rideToStartedWith(t, tr, "d1", &start)
	startedAt := env.clock.Now()
	env.clock.advance(150 * time.Minute)
	done, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", OdometerKm: &end})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 500 + 10 extra km * 14 + 30 extra minutes * 2
	if done.FinalFare == nil || done.FinalFare.Amount != 700 {
		t.Fatalf("expected 700, got %+v", done.FinalFare)
	}

	q := env.drivers.trailQuery()
	if q.TripID != tr.ID || q.DriverID != "d1" {
		t.Fatalf("expected trail of d1 on %s, got %+v", tr.ID, q)
	}
	if !q.From.Equal(startedAt) || !q.To.Equal(startedAt.Add(150*time.Minute)) {
		t.Fatalf("expected trail window to cover the ride only, got %v..%v", q.From, q.To)
	}
}

func TestRental_GPSOverridesDivergentOdometer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.drivers.trailKm, env.drivers.samples = 45, 20

	tr, err := env.svc.Create(ctx, rentalCommand("r_gps", 2))
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	start, end := 500.0, 530.0
	env.rideToStartedWith(t, tr, "d1", &start)
	env.clock.advance(90 * time.Minute)
	done, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", OdometerKm: &end})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 500 + 25 extra km * 14
	if done.FinalFare.Amount != 850 {
		t.Fatalf("expected 850, got %d", done.FinalFare.Amount)
	}
}

func TestRental_RejectsOdometerGoingBackwards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr, err := env.svc.Create(ctx, rentalCommand("r_back", 1))
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	start, end := 500.0, 400.0
	env.rideToStartedWith(t, tr, "d1", &start)
	if _, err := env.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", OdometerKm: &end}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

// ---- helpers ----

type testEnv struct {
	svc       *Service
	repo      *memRepo
	clock     *fakeClock
	routes    *stubRoutes
	drivers   *fakeDrivers
	payments  *fakePayments
	publisher *recordingPublisher
	search    *recordingSearch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      newMemRepo(),
		clock:     &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		routes:    &stubRoutes{route: types.Route{Km: 9, Minutes: 22, Known: true}},
		drivers:   &fakeDrivers{engaged: map[types.ID]types.ID{}},
		payments:  &fakePayments{},
		publisher: &recordingPublisher{},
		search:    &recordingSearch{},
	}
	env.svc = NewService(Deps{
		Store:     env.repo,
		Pricing:   pricing.NewService(pricing.DefaultRateCard(), nil),
		Routes:    env.routes,
		Drivers:   env.drivers,
		Payments:  env.payments,
		Publisher: env.publisher,
	})
	env.svc.now = env.clock.Now
	env.svc.SetSearch(env.search)
	return env
}

func p2pCommand(requester types.ID, mode PaymentMode) CreateCommand {
	return CreateCommand{
		RequesterID: requester,
		Kind:        KindPointToPoint,
		Class:       pricing.ClassMini,
		Pickup:      types.Place{Address: "Sector 1", Point: types.Point{Lat: 28.60, Lng: 77.20}},
		Drop:        types.Place{Address: "Sector 9", Point: types.Point{Lat: 28.65, Lng: 77.25}},
		PaymentMode: mode,
	}
}

func rentalCommand(requester types.ID, hours int) CreateCommand {
	return CreateCommand{
		RequesterID:  requester,
		Kind:         KindRental,
		Class:        pricing.ClassMini,
		Pickup:       types.Place{Address: "Sector 1", Point: types.Point{Lat: 28.60, Lng: 77.20}},
		PaymentMode:  PaymentCash,
		PackageHours: hours,
	}
}

func (e *testEnv) create(t *testing.T, requester types.ID, mode PaymentMode) *Trip {
	t.Helper()
	tr, err := e.svc.Create(context.Background(), p2pCommand(requester, mode))
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return tr
}

func (e *testEnv) rideToStarted(t *testing.T, tr *Trip, driver types.ID) {
	t.Helper()
	e.rideToStartedWith(t, tr, driver, nil)
}

func (e *testEnv) rideToStartedWith(t *testing.T, tr *Trip, driver types.ID, odometer *float64) {
	t.Helper()
	ctx := context.Background()
	if err := e.svc.Bind(ctx, tr.ID, driver); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := e.svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: driver}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := e.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: driver, Code: tr.SecretCode, OdometerKm: odometer}); err != nil {
		t.Fatalf("start: %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubRoutes struct {
	route types.Route
	err   error
}

func (s *stubRoutes) Distance(context.Context, types.Point, types.Point) (types.Route, error) {
	return s.route, s.err
}

type fakeDrivers struct {
	mu        sync.Mutex
	engaged   map[types.ID]types.ID
	trailKm   float64
	samples   int
	lastTrail location.TrailQuery
}

func (f *fakeDrivers) MarkEngaged(_ context.Context, driverID, tripID types.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.engaged[driverID]; ok && cur != tripID {
		return false, nil
	}
	f.engaged[driverID] = tripID
	return true, nil
}

func (f *fakeDrivers) Release(_ context.Context, driverID, tripID types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.engaged[driverID] == tripID {
		delete(f.engaged, driverID)
	}
	return nil
}

func (f *fakeDrivers) TrailKm(_ context.Context, q location.TrailQuery) (float64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTrail = q
	return f.trailKm, f.samples, nil
}

func (f *fakeDrivers) trailQuery() location.TrailQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTrail
}

func (f *fakeDrivers) engagedOn(driverID types.ID) types.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engaged[driverID]
}

// switchableZones resolves by exact address until it goes dark, after which
// every place is outside the known zones.
type switchableZones struct {
	mu        sync.Mutex
	byAddress map[string]pricing.Zone
	dark      bool
}

func (z *switchableZones) Resolve(_ context.Context, p types.Place) pricing.Zone {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.dark {
		return pricing.ZoneUnknown
	}
	return z.byAddress[p.Address]
}

func (z *switchableZones) goDark() {
	z.mu.Lock()
	z.dark = true
	z.mu.Unlock()
}

type fakePayments struct {
	mu     sync.Mutex
	orders int
	fail   bool
}

func (f *fakePayments) CreateOrder(context.Context, string, types.Money) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("gateway down")
	}
	f.orders++
	return fmt.Sprintf("order_%d", f.orders), nil
}

func (f *fakePayments) VerifySignature(_, _, signature string) bool {
	return signature == "valid"
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	p.events = append(p.events, payload)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingSearch struct {
	mu     sync.Mutex
	starts []types.ID
	aborts []types.ID
}

func (r *recordingSearch) Start(id types.ID) {
	r.mu.Lock()
	r.starts = append(r.starts, id)
	r.mu.Unlock()
}

func (r *recordingSearch) Abort(id types.ID) {
	r.mu.Lock()
	r.aborts = append(r.aborts, id)
	r.mu.Unlock()
}

func (r *recordingSearch) started() []types.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ID(nil), r.starts...)
}

func (r *recordingSearch) aborted() []types.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ID(nil), r.aborts...)
}

// memRepo mirrors the guards of the Postgres store in memory.
type memRepo struct {
	mu      sync.Mutex
	trips   map[types.ID]Trip
	events  []Event
	ledger  map[string]LedgerEntry
	wallets map[types.ID]int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		trips:   map[types.ID]Trip{},
		ledger:  map[string]LedgerEntry{},
		wallets: map[types.ID]int64{},
	}
}

func (m *memRepo) Create(_ context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked(t.RequesterID) {
		return ErrActiveTrip
	}
	m.trips[t.ID] = *t
	return nil
}

func (m *memRepo) Get(_ context.Context, id types.ID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *memRepo) HasActiveByRequester(_ context.Context, requesterID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(requesterID), nil
}

func (m *memRepo) activeLocked(requesterID types.ID) bool {
	for _, t := range m.trips {
		if t.RequesterID == requesterID && containsStatus(requesterActive, t.Status) {
			return true
		}
	}
	return false
}

func (m *memRepo) Bind(_ context.Context, tripID, driverID types.ID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != StatusSearching || t.DriverID != nil {
		return false, nil
	}
	for _, other := range m.trips {
		if other.IsBoundDriver(driverID) && containsStatus(driverBusy, other.Status) {
			return false, nil
		}
	}
	d := driverID
	t.DriverID = &d
	t.Status = StatusAccepted
	t.StatusVersion++
	t.AcceptedAt = &at
	m.trips[tripID] = t
	return true, nil
}

func (m *memRepo) Apply(_ context.Context, c Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[c.Trip.ID]
	if !ok || cur.Status != c.From || cur.StatusVersion != c.Version {
		return false, nil
	}
	next := *c.Trip
	next.StatusVersion = c.Version + 1
	m.trips[next.ID] = next

	if c.Ledger != nil {
		key := string(c.Ledger.TripID) + "/" + string(c.Ledger.Kind)
		if _, dup := m.ledger[key]; !dup {
			m.ledger[key] = *c.Ledger
			for _, w := range c.Wallets {
				m.wallets[w.UserID] += w.Amount
			}
		}
	}
	return true, nil
}

func (m *memRepo) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memRepo) LedgerFor(_ context.Context, tripID types.ID) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for _, e := range m.ledger {
		if e.TripID == tripID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) Balance(_ context.Context, userID types.ID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[userID], nil
}

func (m *memRepo) path(tripID types.ID) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Status
	for _, e := range m.events {
		if e.TripID == tripID {
			out = append(out, e.ToStatus)
		}
	}
	return out
}

func containsStatus(ss []Status, s Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
