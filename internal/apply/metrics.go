package apply

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// changesTotal counts change outcomes by environment, action and status.
	changesTotal *prometheus.CounterVec

	// applyDuration tracks how long apply runs take.
	applyDuration *prometheus.HistogramVec

	// metricsOnce ensures metrics are only registered once.
	metricsOnce sync.Once

	// metricsRegistered indicates if metrics have been registered.
	metricsRegistered bool
)

// InitMetrics initializes the Prometheus metrics for apply.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_apply_changes_total",
			Help: "Total number of plan changes processed by apply",
		}, []string{"environment", "action", "status"})

		applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsync_apply_duration_seconds",
			Help:    "Duration of apply runs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"environment"})

		metricsRegistered = true
	})
}

// recordChange is safe to call even if metrics have not been initialized.
func recordChange(environment, action, status string) {
	if metricsRegistered && changesTotal != nil {
		changesTotal.WithLabelValues(environment, action, status).Inc()
	}
}

// observeDuration is safe to call even if metrics have not been initialized.
func observeDuration(environment string, d time.Duration) {
	if metricsRegistered && applyDuration != nil {
		applyDuration.WithLabelValues(environment).Observe(d.Seconds())
	}
}

// GetChangesCounter returns the change counter for testing.
// Returns nil if metrics have not been initialized.
func GetChangesCounter() *prometheus.CounterVec {
	return changesTotal
}
