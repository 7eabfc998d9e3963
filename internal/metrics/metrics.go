// README: Prometheus collectors for negotiation, backhaul and HTTP traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServicesPostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freight_services_posted_total",
		Help: "Total number of services successfully posted.",
	})

	OffersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freight_offers_submitted_total",
		Help: "Total number of offers submitted, by kind.",
	},
		[]string{"kind"},
	)

	AssignmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freight_assignments_created_total",
		Help: "Total number of assignments created by an accepted offer.",
	})

	AcceptRacesLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freight_accept_races_lost_total",
		Help: "Total number of accept attempts rejected because the service was already assigned.",
	})

	StatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freight_service_status_transitions_total",
		Help: "Total number of committed service status transitions, by target status.",
	},
		[]string{"to"},
	)

	BackhaulRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freight_backhaul_requests_total",
		Help: "Total number of backhaul suggestion requests served.",
	})

	BackhaulSuggestions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "freight_backhaul_suggestions",
		Help:    "Number of suggestions returned per backhaul request.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freight_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status code.",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"method", "route", "code"},
	)
)
