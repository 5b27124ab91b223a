// README: Trip store backed by PostgreSQL. Status writes are guarded by status and status_version.
package trip

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/types"
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const tripColumns = `
	id, requester_id, driver_id, kind, vehicle_class,
	pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng,
	status, status_version, payment_mode, secret_code,
	distance_km, duration_min, carrier, carrier_surcharge, quoted_fare, currency, final_fare,
	package_hours, included_km, extra_km_rate, waiting_minutes, waiting_charge,
	start_odometer_km, end_odometer_km, actual_km,
	cancellation_fee, cancelled_by_role, cancelled_by_id, cancel_reason,
	payment_order_id, payment_id,
	created_at, accepted_at, driver_arrived_at, ride_started_at, ride_ended_at,
	payment_completed_at, cancelled_at`

func (s *Store) Create(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, requester_id, kind, vehicle_class,
			pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng,
			status, status_version, payment_mode, secret_code,
			distance_km, duration_min, carrier, carrier_surcharge, quoted_fare, currency,
			package_hours, included_km, extra_km_rate, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24
		)`,
		string(t.ID), string(t.RequesterID), string(t.Kind), string(t.Class),
		t.Pickup.Address, t.Pickup.Lat, t.Pickup.Lng, t.Drop.Address, t.Drop.Lat, t.Drop.Lng,
		string(t.Status), t.StatusVersion, string(t.PaymentMode), t.SecretCode,
		t.DistanceKm, t.DurationMin, t.Carrier, t.CarrierSurcharge, t.QuotedFare.Amount, t.QuotedFare.Currency,
		t.PackageHours, t.IncludedKm, t.ExtraKmRate, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrActiveTrip
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id))

	var t Trip
	var driverID, cancelledByRole, cancelledByID *string
	var finalFare *int64
	err := row.Scan(
		&t.ID, &t.RequesterID, &driverID, &t.Kind, &t.Class,
		&t.Pickup.Address, &t.Pickup.Lat, &t.Pickup.Lng, &t.Drop.Address, &t.Drop.Lat, &t.Drop.Lng,
		&t.Status, &t.StatusVersion, &t.PaymentMode, &t.SecretCode,
		&t.DistanceKm, &t.DurationMin, &t.Carrier, &t.CarrierSurcharge, &t.QuotedFare.Amount, &t.QuotedFare.Currency, &finalFare,
		&t.PackageHours, &t.IncludedKm, &t.ExtraKmRate, &t.WaitingMinutes, &t.WaitingCharge,
		&t.StartOdometerKm, &t.EndOdometerKm, &t.ActualKm,
		&t.CancellationFee, &cancelledByRole, &cancelledByID, &t.CancelReason,
		&t.PaymentOrderID, &t.PaymentID,
		&t.CreatedAt, &t.AcceptedAt, &t.DriverArrivedAt, &t.RideStartedAt, &t.RideEndedAt,
		&t.PaymentCompletedAt, &t.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.DriverID = toIDPtr(driverID)
	t.CancelledByID = toIDPtr(cancelledByID)
	if cancelledByRole != nil {
		t.CancelledByRole = Role(*cancelledByRole)
	}
	if finalFare != nil {
		t.FinalFare = &types.Money{Amount: *finalFare, Currency: t.QuotedFare.Currency}
	}
	return &t, nil
}

func (s *Store) HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE requester_id = $1
			  AND status = ANY($2)
		)`, string(requesterID), statusStrings(requesterActive),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Bind moves a searching, unbound trip to ACCEPTED for a driver that holds no
// other live trip. The partial unique index on busy drivers closes the race
// between two trips binding the same driver.
func (s *Store) Bind(ctx context.Context, tripID, driverID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET driver_id = $2,
		    status = 'ACCEPTED',
		    status_version = status_version + 1,
		    accepted_at = $3
		WHERE id = $1
		  AND status = 'SEARCHING'
		  AND driver_id IS NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM trips busy
		      WHERE busy.driver_id = $2 AND busy.status = ANY($4)
		  )`,
		string(tripID), string(driverID), at, statusStrings(driverBusy),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Apply writes the transition, its ledger entry and wallet movements in one
// transaction. A ledger entry that already exists for (trip, kind) is skipped
// along with its wallet movements.
func (s *Store) Apply(ctx context.Context, c Change) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := c.Trip
	var finalFare *int64
	if t.FinalFare != nil {
		finalFare = &t.FinalFare.Amount
	}
	var cancelledByRole *string
	if t.CancelledByRole != "" {
		r := string(t.CancelledByRole)
		cancelledByRole = &r
	}
	tag, err := tx.Exec(ctx, `
		UPDATE trips
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = $2,
		    drop_address = $3, drop_lat = $4, drop_lng = $5,
		    final_fare = $6,
		    waiting_minutes = $7, waiting_charge = $8,
		    start_odometer_km = $9, end_odometer_km = $10, actual_km = $11,
		    cancellation_fee = $12, cancelled_by_role = $13, cancelled_by_id = $14, cancel_reason = $15,
		    payment_order_id = $16, payment_id = $17,
		    driver_arrived_at = $18, ride_started_at = $19, ride_ended_at = $20,
		    payment_completed_at = $21, cancelled_at = $22
		WHERE id = $23 AND status = $24 AND status_version = $25`,
		string(t.Status),
		fromIDPtr(t.DriverID),
		t.Drop.Address, t.Drop.Lat, t.Drop.Lng,
		finalFare,
		t.WaitingMinutes, t.WaitingCharge,
		t.StartOdometerKm, t.EndOdometerKm, t.ActualKm,
		t.CancellationFee, cancelledByRole, fromIDPtr(t.CancelledByID), t.CancelReason,
		t.PaymentOrderID, t.PaymentID,
		t.DriverArrivedAt, t.RideStartedAt, t.RideEndedAt,
		t.PaymentCompletedAt, t.CancelledAt,
		string(t.ID), string(c.From), c.Version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if c.Ledger != nil {
		e := c.Ledger
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, trip_id, kind, payer_id, payee_id, amount, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (trip_id, kind) DO NOTHING`,
			string(e.ID), string(e.TripID), string(e.Kind),
			fromIDPtr(e.PayerID), fromIDPtr(e.PayeeID),
			e.Amount, e.Currency, e.CreatedAt,
		)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 1 {
			for _, w := range c.Wallets {
				if _, err := tx.Exec(ctx, `
					INSERT INTO wallets (user_id, balance, updated_at)
					VALUES ($1, $2, NOW())
					ON CONFLICT (user_id) DO UPDATE
					SET balance = wallets.balance + EXCLUDED.balance,
					    updated_at = NOW()`,
					string(w.UserID), w.Amount,
				); err != nil {
					return false, err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_events (
			trip_id, from_status, to_status, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		fromIDPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) LedgerFor(ctx context.Context, tripID types.ID) ([]LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, kind, payer_id, payee_id, amount, currency, created_at
		FROM ledger_entries
		WHERE trip_id = $1
		ORDER BY created_at, id`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var payer, payee *string
		if err := rows.Scan(&e.ID, &e.TripID, &e.Kind, &payer, &payee, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PayerID = toIDPtr(payer)
		e.PayeeID = toIDPtr(payee)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Balance returns the wallet balance; users without a wallet row have zero.
func (s *Store) Balance(ctx context.Context, userID types.ID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, string(userID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func fromIDPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
