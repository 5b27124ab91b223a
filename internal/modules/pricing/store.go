// README: Pricing store backed by PostgreSQL; overrides per-class rates on the card.
package pricing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LoadRateCard returns base with any per-class rates found in vehicle_rates
// applied on top. Classes absent from the table keep their base rates.
func (s *Store) LoadRateCard(ctx context.Context, base RateCard) (RateCard, error) {
	rows, err := s.db.Query(ctx, `
		SELECT class, per_km_short, per_km_long, per_extra_km
		FROM vehicle_rates`)
	if err != nil {
		return base, fmt.Errorf("query vehicle_rates: %w", err)
	}
	defer rows.Close()

	card := base.clone()
	for rows.Next() {
		var class string
		var short, long, extra int64
		if err := rows.Scan(&class, &short, &long, &extra); err != nil {
			return base, err
		}
		vc := VehicleClass(class)
		if !vc.Valid() {
			continue
		}
		card.PerKm[vc] = TierRate{Short: short, Long: long}
		card.ExtraKm[vc] = extra
	}
	if err := rows.Err(); err != nil {
		return base, err
	}
	return card, nil
}

func (c RateCard) clone() RateCard {
	out := c
	out.PerKm = make(map[VehicleClass]TierRate, len(c.PerKm))
	for k, v := range c.PerKm {
		out.PerKm[k] = v
	}
	out.ExtraKm = make(map[VehicleClass]int64, len(c.ExtraKm))
	for k, v := range c.ExtraKm {
		out.ExtraKm[k] = v
	}
	out.Rentals = make(map[VehicleClass][maxRentalHours]RentalPackage, len(c.Rentals))
	for k, v := range c.Rentals {
		out.Rentals[k] = v
	}
	return out
}
