package psn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_calls_total",
		Help: "Total number of PSN calls by operation and outcome class",
	}, []string{"op", "class"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "psnpool_call_duration_seconds",
		Help:    "Duration of PSN calls including resource acquisition",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	storeCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psnpool_store_cache_total",
		Help: "Store lookups by cache result (hit, miss, shared)",
	}, []string{"result"})
)

func observe(op string, start time.Time, err error) {
	callsTotal.WithLabelValues(op, apperrors.Classify(err).String()).Inc()
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// rejected counts a call refused before any resource was leased.
func rejected(op string, err error) error {
	observe(op, time.Now(), err)
	return err
}
