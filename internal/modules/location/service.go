// README: Location service: driver presence, candidate search, engagement and trip samples.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ridelink/internal/logging"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

var ErrBadRequest = errors.New("bad location update")

// distanceLookups bounds concurrent road-distance requests per search.
const distanceLookups = 8

type DriverSource interface {
	DriversInBox(ctx context.Context, box BoundingBox) ([]DriverState, error)
}

type DriverRegistry interface {
	UpsertDriver(ctx context.Context, d DriverState) error
	EngagedAmong(ctx context.Context, ids []types.ID) (map[types.ID]bool, error)
	MarkEngaged(ctx context.Context, driverID, tripID types.ID) (bool, error)
	EngagedTrip(ctx context.Context, driverID types.ID) (types.ID, error)
	Release(ctx context.Context, driverID, tripID types.ID) error
	DeviceToken(ctx context.Context, driverID types.ID) (string, error)
}

type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap Snapshot) error
	TripSnapshots(ctx context.Context, q TrailQuery) ([]Snapshot, error)
}

type DistanceEstimator interface {
	Distance(ctx context.Context, from, to types.Point) (types.Route, error)
}

// ConnectionRegistry is the realtime transport's view of who is connected.
type ConnectionRegistry interface {
	ChannelFor(userID types.ID) (string, bool)
}

type Deps struct {
	Source      DriverSource
	Drivers     DriverRegistry
	Snapshots   SnapshotStore
	Distances   DistanceEstimator
	Connections ConnectionRegistry
	Log         logrus.FieldLogger
}

type Service struct {
	source      DriverSource
	drivers     DriverRegistry
	snapshots   SnapshotStore
	distances   DistanceEstimator
	connections ConnectionRegistry
	log         logrus.FieldLogger
}

func NewService(d Deps) *Service {
	return &Service{
		source:      d.Source,
		drivers:     d.Drivers,
		snapshots:   d.Snapshots,
		distances:   d.Distances,
		connections: d.Connections,
		log:         logging.OrDiscard(d.Log).WithField("component", "location"),
	}
}

type DriverUpdate struct {
	DriverID    types.ID
	Position    types.Point
	Online      bool
	Class       pricing.VehicleClass
	Carrier     bool
	DeviceToken string
	// TripID, when set, records the position as a sample of that trip. The
	// sample is dropped unless the driver is engaged on the trip.
	TripID types.ID
}

func (s *Service) UpdateDriver(ctx context.Context, u DriverUpdate) error {
	if u.DriverID == "" || !u.Position.Valid() {
		return ErrBadRequest
	}
	if u.Class != "" && !u.Class.Valid() {
		return ErrBadRequest
	}
	now := time.Now()
	err := s.drivers.UpsertDriver(ctx, DriverState{
		DriverID:    u.DriverID,
		Position:    u.Position,
		Online:      u.Online,
		Class:       u.Class,
		Carrier:     u.Carrier,
		DeviceToken: u.DeviceToken,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}
	if u.TripID != "" && s.snapshots != nil {
		engaged, err := s.drivers.EngagedTrip(ctx, u.DriverID)
		if err != nil {
			return err
		}
		if engaged != u.TripID {
			s.log.WithFields(logrus.Fields{"driver_id": u.DriverID, "trip_id": u.TripID}).
				Warn("dropping sample for a trip the driver is not engaged on")
			return nil
		}
		return s.snapshots.AppendSnapshot(ctx, Snapshot{
			TripID:     u.TripID,
			DriverID:   u.DriverID,
			Position:   u.Position,
			RecordedAt: now,
		})
	}
	return nil
}

// FindCandidates returns online, idle drivers within radiusKm of pickup that
// satisfy the filter, nearest first. Lookup failures yield an empty result.
func (s *Service) FindCandidates(ctx context.Context, pickup types.Point, radiusKm float64, f Filter) []Candidate {
	box := BoundingBoxAround(pickup, radiusKm)
	drivers, err := s.source.DriversInBox(ctx, box)
	if err != nil {
		s.log.WithError(err).Warn("driver source lookup failed")
		return nil
	}

	eligible := make([]DriverState, 0, len(drivers))
	ids := make([]types.ID, 0, len(drivers))
	for _, d := range drivers {
		if !d.Online || !box.Contains(d.Position) || !f.accepts(d) {
			continue
		}
		eligible = append(eligible, d)
		ids = append(ids, d.DriverID)
	}
	if len(eligible) == 0 {
		return nil
	}

	engaged, err := s.drivers.EngagedAmong(ctx, ids)
	if err != nil {
		s.log.WithError(err).Warn("engagement lookup failed")
		return nil
	}

	out := make([]Candidate, 0, len(eligible))
	for _, d := range eligible {
		if engaged[d.DriverID] {
			continue
		}
		c := Candidate{
			DriverID:   d.DriverID,
			Position:   d.Position,
			StraightKm: d.Position.DistanceKm(pickup),
			Class:      d.Class,
			Carrier:    d.Carrier,
		}
		c.Channel, _ = s.IsReachable(d.DriverID)
		out = append(out, c)
	}

	s.fillRoads(ctx, pickup, out)
	sortByDistance(out, Candidate.RankKm)
	return out
}

// fillRoads looks up road distances concurrently. A failed lookup leaves the
// route unknown rather than dropping the candidate.
func (s *Service) fillRoads(ctx context.Context, pickup types.Point, cands []Candidate) {
	if s.distances == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(distanceLookups)
	for i := range cands {
		c := &cands[i]
		g.Go(func() error {
			r, err := s.distances.Distance(ctx, c.Position, pickup)
			if err != nil {
				s.log.WithError(err).WithField("driver_id", c.DriverID).Debug("road distance unavailable")
				return nil
			}
			c.Road = r
			return nil
		})
	}
	_ = g.Wait()
}

// IsReachable reports the live channel a driver can be offered trips on.
func (s *Service) IsReachable(driverID types.ID) (string, bool) {
	if s.connections == nil {
		return "", false
	}
	return s.connections.ChannelFor(driverID)
}

// MarkEngaged claims the driver for tripID; false means they already serve another trip.
func (s *Service) MarkEngaged(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	return s.drivers.MarkEngaged(ctx, driverID, tripID)
}

func (s *Service) Release(ctx context.Context, driverID, tripID types.ID) error {
	return s.drivers.Release(ctx, driverID, tripID)
}

func (s *Service) DeviceToken(ctx context.Context, driverID types.ID) (string, error) {
	return s.drivers.DeviceToken(ctx, driverID)
}

// TrailKm reconstructs the great-circle distance the driver covered on a trip
// from the samples inside the query window. samples is the number of samples found.
func (s *Service) TrailKm(ctx context.Context, q TrailQuery) (km float64, samples int, err error) {
	if s.snapshots == nil {
		return 0, 0, nil
	}
	snaps, err := s.snapshots.TripSnapshots(ctx, q)
	if err != nil {
		return 0, 0, err
	}
	return trailKm(snaps), len(snaps), nil
}
