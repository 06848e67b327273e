package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breaker metrics, labelled by breaker name.
var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psnpool_breaker_state",
		Help: "Current state of the breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	tripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_breaker_trips_total",
		Help: "Total number of times the breaker opened",
	}, []string{"breaker"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_breaker_outcomes_total",
		Help: "Calls recorded by the breaker by outcome",
	}, []string{"breaker", "outcome"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_breaker_rejections_total",
		Help: "Total calls rejected by an open breaker",
	}, []string{"breaker"})
)
