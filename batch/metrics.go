package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "casegen"

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	featuresStarted  prometheus.Counter
	featuresFinished *prometheus.CounterVec
	featuresInFlight prometheus.Gauge
	retries          *prometheus.CounterVec
	duration         prometheus.Histogram
	duplicates       *prometheus.CounterVec
	degraded         prometheus.Counter
	casesGenerated   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		featuresStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "features_started_total",
			Help:      "Feature generation runs started, including retries.",
		}),
		featuresFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "features_finished_total",
			Help:      "Feature generation runs finished, by final status.",
		}, []string{"status"}),
		featuresInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "features_in_flight",
			Help:      "Features currently generating.",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feature_retries_total",
			Help:      "Feature retries, by trigger (auto or user).",
		}, []string{"trigger"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "feature_generation_seconds",
			Help:      "Wall time of one feature generation run.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicates_removed_total",
			Help:      "Scenarios and cases removed as duplicates, by pass.",
		}, []string{"pass"}),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dedup_degraded_total",
			Help:      "Completed features whose semantic dedup was skipped.",
		}),
		casesGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cases_generated_total",
			Help:      "Test cases published in completed features.",
		}),
	}
}
