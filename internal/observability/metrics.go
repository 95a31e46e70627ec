package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_bidding"

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Trip requests persisted by intake"},
		[]string{"service_class"},
	)
	LocatorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locator_searches_total", Help: "Candidate searches by outcome"},
		[]string{"outcome"},
	)
	LocatorLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "locator_latency_seconds", Help: "Candidate search latency including radius expansion"})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_submitted_total", Help: "Offers persisted"})
	OffersRejected  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_refused_total", Help: "Offer submissions refused, by reason"},
		[]string{"reason"},
	)
	Acceptances = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "acceptances_total", Help: "Offers committed as winner, by actor role"},
		[]string{"actor"},
	)
	ArbiterConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "arbiter_conflicts_total", Help: "Acceptance attempts that lost the conditional write"})
	SessionsExpired  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sessions_expired_total", Help: "Bidding sessions closed by expiry, by trigger"},
		[]string{"trigger"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Orders cancelled, by status at cancellation"},
		[]string{"status"},
	)
	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_transitions_total", Help: "Rejected lifecycle transitions"})
	RateLimited        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limited_total", Help: "Calls refused by the rate limiter"},
		[]string{"class", "role"},
	)
	EventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_relayed_total", Help: "Order events delivered to subscribers"},
		[]string{"type"},
	)
	SubscriberErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_subscriber_errors_total", Help: "Event deliveries a subscriber failed"},
		[]string{"subscriber"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online workers seen by the location feed"})
	PingsIgnored  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_ignored_total", Help: "Location pings older than the stored one"})

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
