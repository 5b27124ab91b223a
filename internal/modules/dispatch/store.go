// README: Dispatch store backed by Redis sets of contacted drivers per trip.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ridelink/internal/types"
)

const (
	contactedKeyPrefix = "dispatch:trip:%s:contacted"
	// Searches end within a minute; the set only has to outlive late responses.
	contactedTTL = time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// MarkContacted records that driverID was offered tripID. It reports false if
// the driver had already been contacted for this trip.
func (s *Store) MarkContacted(ctx context.Context, tripID, driverID types.ID) (bool, error) {
	key := contactedKey(tripID)
	pipe := s.redis.TxPipeline()
	added := pipe.SAdd(ctx, key, string(driverID))
	pipe.Expire(ctx, key, contactedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

func (s *Store) WasContacted(ctx context.Context, tripID, driverID types.ID) (bool, error) {
	return s.redis.SIsMember(ctx, contactedKey(tripID), string(driverID)).Result()
}

func (s *Store) Contacted(ctx context.Context, tripID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, contactedKey(tripID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

func contactedKey(tripID types.ID) string {
	return fmt.Sprintf(contactedKeyPrefix, string(tripID))
}
