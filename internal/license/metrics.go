package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurswift",
		Subsystem: "licensing",
		Name:      "activations_total",
		Help:      "License activation attempts by result.",
	}, []string{"result"})

	metricHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurswift",
		Subsystem: "licensing",
		Name:      "heartbeats_total",
		Help:      "Heartbeat attempts by result.",
	}, []string{"result"})

	metricValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurswift",
		Subsystem: "licensing",
		Name:      "validations_total",
		Help:      "License validation attempts by result.",
	}, []string{"result"})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurswift",
		Subsystem: "licensing",
		Name:      "push_events_total",
		Help:      "Push events received by type.",
	}, []string{"type"})
)
