package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool utilization metrics, labelled by pool name.
var (
	poolMaxSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psnpool_pool_resources_max",
		Help: "Maximum number of resources in the pool",
	}, []string{"pool"})

	poolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psnpool_pool_resources_open",
		Help: "Current number of resources that exist, leased or idle",
	}, []string{"pool"})

	poolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psnpool_pool_resources_idle",
		Help: "Current number of idle resources in the pool",
	}, []string{"pool"})

	poolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psnpool_pool_resources_in_use",
		Help: "Number of resources currently leased",
	}, []string{"pool"})

	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_pool_acquire_total",
		Help: "Total number of acquire attempts by result",
	}, []string{"pool", "result"})

	validationFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_pool_validation_fails_total",
		Help: "Total number of checkouts that failed validation",
	}, []string{"pool"})

	discardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_pool_discards_total",
		Help: "Total number of resources dropped from the pool",
	}, []string{"pool"})

	acquireLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "psnpool_pool_acquire_duration_seconds",
		Help:    "Time spent acquiring a resource from the pool",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})
)

// observeLocked publishes the gauges. Caller must hold the lock.
func (p *Pool[R]) observeLocked() {
	name := p.config.Name
	poolMaxSize.WithLabelValues(name).Set(float64(p.config.MaxSize))
	poolOpen.WithLabelValues(name).Set(float64(p.numOpen))
	poolIdle.WithLabelValues(name).Set(float64(len(p.idle)))
	poolInUse.WithLabelValues(name).Set(float64(p.numOpen - len(p.idle)))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	default:
		return "canceled"
	}
}
