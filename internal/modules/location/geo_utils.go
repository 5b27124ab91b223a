// README: Pure geographic helpers: bounding boxes, distances and candidate ordering.
package location

import (
	"math"

	"ridelink/internal/types"
)

const kmPerDegLat = 111.0

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// BoundingBox is a lat/lng rectangle approximating a search radius.
type BoundingBox struct {
	Center         types.Point
	RadiusKm       float64
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBoxAround uses 111 km per degree of latitude and scales longitude
// by cos(latitude).
func BoundingBoxAround(center types.Point, radiusKm float64) BoundingBox {
	dLat := radiusKm / kmPerDegLat
	cos := math.Cos(degreesToRadians(center.Lat))
	dLng := 180.0
	if cos > 1e-9 {
		dLng = math.Min(radiusKm/(kmPerDegLat*cos), 180)
	}
	return BoundingBox{
		Center:   center,
		RadiusKm: radiusKm,
		MinLat:   center.Lat - dLat,
		MaxLat:   center.Lat + dLat,
		MinLng:   center.Lng - dLng,
		MaxLng:   center.Lng + dLng,
	}
}

func (b BoundingBox) Contains(p types.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// trailKm sums the great-circle distance along consecutive samples.
func trailKm(snaps []Snapshot) float64 {
	var total float64
	for i := 1; i < len(snaps); i++ {
		total += snaps[i-1].Position.DistanceKm(snaps[i].Position)
	}
	return total
}

// sortByDistance performs a stable insertion sort (fine for small N) on any
// slice where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
