// README: Location store backed by Redis GEO (driver presence) and Postgres (trip snapshots).
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

const (
	driverGeoKey     = "location:drivers:geo"
	driverMetaPrefix = "location:driver:%s"
	engagedKey       = "location:drivers:engaged"
	// Presence older than this is ignored by the search.
	presenceTTL = 10 * time.Minute
)

// releaseScript deletes the engagement only if it still belongs to the given trip.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) UpsertDriver(ctx context.Context, d DriverState) error {
	pipe := s.redis.TxPipeline()
	if d.Online {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(d.DriverID),
			Longitude: d.Position.Lng,
			Latitude:  d.Position.Lat,
		})
	} else {
		pipe.ZRem(ctx, driverGeoKey, string(d.DriverID))
	}
	key := metaKey(d.DriverID)
	fields := map[string]interface{}{
		"online":     strconv.FormatBool(d.Online),
		"class":      string(d.Class),
		"carrier":    strconv.FormatBool(d.Carrier),
		"updated_at": d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.DeviceToken != "" {
		fields["device_token"] = d.DeviceToken
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// DriversInBox returns online drivers from the GEO set inside the box.
func (s *Store) DriversInBox(ctx context.Context, box BoundingBox) ([]DriverState, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude: box.Center.Lng,
			Latitude:  box.Center.Lat,
			BoxWidth:  2 * box.RadiusKm,
			BoxHeight: 2 * box.RadiusKm,
			BoxUnit:   "km",
			Sort:      "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(locs))
	for i, l := range locs {
		cmds[i] = pipe.HGetAll(ctx, metaKey(types.ID(l.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	cutoff := time.Now().Add(-presenceTTL)
	out := make([]DriverState, 0, len(locs))
	for i, l := range locs {
		meta := cmds[i].Val()
		d := DriverState{
			DriverID:    types.ID(l.Name),
			Position:    types.Point{Lat: l.Latitude, Lng: l.Longitude},
			Online:      meta["online"] == "true",
			Class:       pricing.VehicleClass(meta["class"]),
			Carrier:     meta["carrier"] == "true",
			DeviceToken: meta["device_token"],
		}
		if ts, err := time.Parse(time.RFC3339, meta["updated_at"]); err == nil {
			d.UpdatedAt = ts
		}
		if d.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) EngagedAmong(ctx context.Context, ids []types.ID) (map[types.ID]bool, error) {
	out := make(map[types.ID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = string(id)
	}
	vals, err := s.redis.HMGet(ctx, engagedKey, fields...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v != nil {
			out[ids[i]] = true
		}
	}
	return out, nil
}

// MarkEngaged claims the driver for a trip. Re-claiming for the same trip succeeds.
func (s *Store) MarkEngaged(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	ok, err := s.redis.HSetNX(ctx, engagedKey, string(driverID), string(tripID)).Result()
	if err != nil || ok {
		return ok, err
	}
	cur, err := s.redis.HGet(ctx, engagedKey, string(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur == string(tripID), nil
}

// EngagedTrip returns the trip the driver is engaged on, or "" when idle.
func (s *Store) EngagedTrip(ctx context.Context, driverID types.ID) (types.ID, error) {
	cur, err := s.redis.HGet(ctx, engagedKey, string(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.ID(cur), nil
}

func (s *Store) Release(ctx context.Context, driverID, tripID types.ID) error {
	return releaseScript.Run(ctx, s.redis, []string{engagedKey}, string(driverID), string(tripID)).Err()
}

func (s *Store) DeviceToken(ctx context.Context, driverID types.ID) (string, error) {
	tok, err := s.redis.HGet(ctx, metaKey(driverID), "device_token").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_location_samples (trip_id, driver_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.TripID),
		string(snap.DriverID),
		snap.Position.Lat,
		snap.Position.Lng,
		snap.RecordedAt,
	)
	return err
}

func (s *Store) TripSnapshots(ctx context.Context, q TrailQuery) ([]Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, driver_id, lat, lng, recorded_at
		FROM trip_location_samples
		WHERE trip_id = $1
		  AND driver_id = $2
		  AND recorded_at BETWEEN $3 AND $4
		ORDER BY recorded_at, id`, string(q.TripID), string(q.DriverID), q.From, q.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.TripID, &snap.DriverID, &snap.Position.Lat, &snap.Position.Lng, &snap.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func metaKey(id types.ID) string {
	return fmt.Sprintf(driverMetaPrefix, string(id))
}
