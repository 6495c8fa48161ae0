package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "garage_dispatch"

var (
	RacesOpened   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_races_opened_total", Help: "Bookings broadcast to garages"})
	RacesWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_races_won_total", Help: "Races closed by a winning accept"})
	RacesRejected = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_races_rejected_total", Help: "Races ending without a winner"}, []string{"reason"})
	StaleAccepts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_stale_accepts_total", Help: "Accepts that lost the compare-and-swap"})
	RaceDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_race_duration_seconds", Help: "Time from broadcast to winner", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
	Transitions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions"}, []string{"to"})

	ConnectionsOpen    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Open participant sockets"})
	ParticipantsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "participants_online", Help: "Participants with at least one socket"}, []string{"role"})
	EventsDelivered    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_delivered_total", Help: "Events delivered to at least one socket"}, []string{"type"})
	EventsUndelivered  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_undelivered_total", Help: "Events dropped because the participant was unreachable"}, []string{"type"})

	ChatMessages     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat messages appended"}, []string{"room_type"})
	TrackingSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions_active", Help: "Live tracking sessions"})
	LocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_location_updates_total", Help: "Location updates ingested"})
	Notifications    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Durable notifications written"}, []string{"type"})

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
