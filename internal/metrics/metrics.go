package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanstudio_generation_duration_seconds",
			Help:    "Blocking generation call duration in seconds by kind",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"kind", "status"},
	)

	generationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanstudio_generation_total",
			Help: "Total generation attempts by kind and outcome",
		},
		[]string{"kind", "status"}, // status: success, or the error kind
	)

	quotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanstudio_quota_remaining",
			Help: "Last observed remaining generations in the current window",
		},
	)

	estimatorStagesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanstudio_estimator_stages_fired_total",
			Help: "Fabricated progress stages delivered before the real response arrived",
		},
		[]string{"kind"},
	)

	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanstudio_saves_total",
			Help: "Artifact save attempts by status and outcome",
		},
		[]string{"status", "outcome"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordGeneration records one finished generation attempt
func (c *Collector) RecordGeneration(kind string, duration time.Duration, status string) {
	generationDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	generationTotal.WithLabelValues(kind, status).Inc()
}

// SetQuotaRemaining records the last observed quota state
func (c *Collector) SetQuotaRemaining(remaining int) {
	quotaRemaining.Set(float64(remaining))
}

// RecordEstimatorStage counts a fabricated stage that actually rendered
func (c *Collector) RecordEstimatorStage(kind string) {
	estimatorStagesFired.WithLabelValues(kind).Inc()
}

// RecordSave records an artifact save attempt
func (c *Collector) RecordSave(status string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	savesTotal.WithLabelValues(status, outcome).Inc()
}

// Serve exposes the prometheus handler on addr. It blocks, so callers
// run it in a goroutine; errors are logged, not fatal.
func (c *Collector) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.logger.Info("Metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		c.logger.Warn("Metrics listener stopped", "error", err)
	}
}
