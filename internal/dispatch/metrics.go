package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Acquire           *prometheus.CounterVec
	AcquireDuration   prometheus.Histogram
	ValidationStarted prometheus.Counter
	TokenFailures     prometheus.Counter
}

// NewMetrics registers the dispatch collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Acquire: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_acquire_total",
			Help: "Task acquire polls by outcome; outcome=error when the store failed.",
		}, []string{"outcome"}),
		AcquireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskrelay_acquire_duration_seconds",
			Help:    "Time spent deciding one acquire poll.",
			Buckets: prometheus.DefBuckets,
		}),
		ValidationStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrelay_validation_started_total",
			Help: "Polls answered with a validate-only package.",
		}),
		TokenFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrelay_logstream_token_failures_total",
			Help: "Log-streaming token lookups that failed while building a package.",
		}),
	}
}

func (m *Metrics) observe(outcome Outcome, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	m.Acquire.WithLabelValues(label).Inc()
	m.AcquireDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) validationStarted() {
	if m == nil {
		return
	}
	m.ValidationStarted.Inc()
}

func (m *Metrics) tokenFailure() {
	if m == nil {
		return
	}
	m.TokenFailures.Inc()
}
