package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_exchange", Name: "requests_created_total", Help: "Trip requests created"},
		[]string{"kind"},
	)
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_exchange", Name: "requests_expired_total", Help: "Requests timed out by the expiry sweep"})
	BidsPlaced      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_exchange", Name: "bids_placed_total", Help: "Bids placed"})
	BidsAccepted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_exchange", Name: "bids_accepted_total", Help: "Bids accepted"})
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_exchange", Name: "carpool_matches_total", Help: "Carpool matches created"})
	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_exchange", Name: "providers_online", Help: "Providers currently publishing locations"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_exchange", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_exchange",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
