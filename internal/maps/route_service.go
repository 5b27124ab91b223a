// README: Road distance and travel time via the Google Distance Matrix API.
package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"ridelink/internal/types"
)

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Distance returns the driving distance and duration between two points.
func (s *RouteService) Distance(ctx context.Context, from, to types.Point) (types.Route, error) {
	r := &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	}

	resp, err := s.client.DistanceMatrix(ctx, r)
	if err != nil {
		return types.Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return types.Route{}, fmt.Errorf("no route found")
	}

	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return types.Route{}, fmt.Errorf("no route found: %s", el.Status)
	}
	return types.Route{
		Km:      float64(el.Distance.Meters) / 1000,
		Minutes: el.Duration.Minutes(),
		Known:   true,
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
