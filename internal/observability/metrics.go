// README: Prometheus metrics for dispatch, trip transitions and HTTP.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridelink", Name: "dispatch_searches_total", Help: "Finished driver searches by outcome"},
		[]string{"outcome"},
	)
	DispatchOffers = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridelink", Name: "dispatch_offers_total", Help: "Offers sent to drivers by response"},
		[]string{"response"},
	)
	DispatchBindConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridelink", Name: "dispatch_bind_conflicts_total", Help: "Accepts that lost the bind"})
	DispatchSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridelink",
		Name:      "dispatch_search_duration_seconds",
		Help:      "Time from search start to outcome",
		Buckets:   []float64{1, 3, 5, 10, 15, 30, 45, 60, 90},
	})
	DispatchRadiusKm = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridelink",
		Name:      "dispatch_final_radius_km",
		Help:      "Search radius at which the search finished",
		Buckets:   []float64{3, 5, 7, 9, 11, 13, 15},
	})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridelink", Name: "trip_transitions_total", Help: "Trip status transitions"},
		[]string{"from", "to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridelink", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridelink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
