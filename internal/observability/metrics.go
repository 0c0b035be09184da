package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of requests matched to a driver"})
	UnmatchedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "unmatched_total", Help: "Match attempts that found no driver within the max radius"})
	AssignmentRaces = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_races_total", Help: "Candidates lost between the geo query and assignment"})
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_expired_total", Help: "Requests removed by TTL expiry"})
	RequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "requests_total", Help: "Trip requests by final queue status"}, []string{"status"})
	MatchCycle      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_cycle_seconds", Help: "Duration of one matching cycle", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10)})
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_requests", Help: "Requests waiting for a driver"})
	DriversByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers", Help: "Registered drivers by status"}, []string{"status"})
	StaleUpdates    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_position_updates_total", Help: "Out-of-order location pings discarded"})

	TripTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Committed trip state transitions"}, []string{"to"})
	Payments        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment outcomes reported for completed trips"}, []string{"status"})
	TripsByState    = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "trips", Help: "Trips held in memory by state"}, []string{"state"})
	Evicted         = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "evicted_total", Help: "Closed requests and trips dropped after their retention window"}, []string{"kind"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Domain events dropped because the bus buffer was full"})
	EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "event_delivery_failures_total", Help: "Failed event deliveries by sink"}, []string{"sink"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
