// Package metrics exposes Prometheus collectors for the shuffle fetch
// client.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchAttemptsTotal   *prometheus.CounterVec
	fetchBytesTotal      *prometheus.CounterVec
	fetchDurationSeconds prometheus.Histogram
	connectFailuresTotal prometheus.Counter
	activeFetchers       prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shuffle_fetch_attempts_total",
				Help: "Attempt fetch outcomes, labeled by result (succeeded|failed).",
			},
			[]string{"result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shuffle_fetch_bytes_total",
				Help: "Compressed bytes fetched, labeled by placement (memory|disk).",
			},
			[]string{"placement"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shuffle_fetch_duration_seconds",
				Help:    "Per-attempt fetch latency from header read to commit.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		connectFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shuffle_connect_failures_total",
				Help: "Connections to serving daemons that failed before a response was accepted (request error or non-OK status); reply validation failures are not counted.",
			},
		)

		activeFetchers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shuffle_active_fetchers",
				Help: "Fetchers currently draining a batch.",
			},
		)
	})
}

// AttemptSucceeded records one committed attempt.
func AttemptSucceeded(placement string, compressedBytes int64, elapsed time.Duration) {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues("succeeded").Inc()
	fetchBytesTotal.WithLabelValues(placement).Add(float64(compressedBytes))
	fetchDurationSeconds.Observe(elapsed.Seconds())
}

// AttemptFailed records one attempt reported failed.
func AttemptFailed() {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues("failed").Inc()
}

// ConnectFailed records a host-level connect failure.
func ConnectFailed() {
	if connectFailuresTotal == nil {
		return
	}
	connectFailuresTotal.Inc()
}

// FetcherStarted marks a fetcher entering its drain loop.
func FetcherStarted() {
	if activeFetchers == nil {
		return
	}
	activeFetchers.Inc()
}

// FetcherFinished marks a fetcher leaving its drain loop.
func FetcherFinished() {
	if activeFetchers == nil {
		return
	}
	activeFetchers.Dec()
}
