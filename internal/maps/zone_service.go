// README: Zone resolver using Google reverse geocoding with an address keyword fallback.
package maps

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"googlemaps.github.io/maps"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

// ZoneService resolves tax zones from the state returned by reverse geocoding,
// falling back to address keywords when the lookup fails.
type ZoneService struct {
	client   *maps.Client
	fallback pricing.ZoneResolver
	log      logrus.FieldLogger
}

func NewZoneService(apiKey string, log logrus.FieldLogger) (*ZoneService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &ZoneService{client: client, fallback: pricing.KeywordResolver{}, log: log}, nil
}

// Google reports Indian states with their vehicle registration codes as short names.
var stateZones = map[string]pricing.Zone{
	"DL": pricing.ZoneDelhi,
	"HR": pricing.ZoneHaryana,
	"UP": pricing.ZoneUP,
	"RJ": pricing.ZoneRajasthan,
}

func (s *ZoneService) Resolve(ctx context.Context, p types.Place) pricing.Zone {
	if p.Lat == 0 && p.Lng == 0 {
		return s.fallback.Resolve(ctx, p)
	}
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:     &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		ResultType: []string{"administrative_area_level_1"},
	})
	if err != nil || len(results) == 0 {
		if err != nil {
			s.log.WithError(err).Warn("reverse geocode failed; using address keywords")
		}
		return s.fallback.Resolve(ctx, p)
	}
	for _, c := range results[0].AddressComponents {
		for _, t := range c.Types {
			if t != "administrative_area_level_1" {
				continue
			}
			if z, ok := stateZones[c.ShortName]; ok {
				return z
			}
			return pricing.ZoneUnknown
		}
	}
	return s.fallback.Resolve(ctx, p)
}
