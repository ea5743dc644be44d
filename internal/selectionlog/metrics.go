package selectionlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts selection-log entries per sink.
type Metrics struct {
	Flushed *prometheus.CounterVec
	Dropped *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Flushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_selection_log_flushed_total",
			Help: "Selection-log entries written, by sink.",
		}, []string{"sink"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_selection_log_dropped_total",
			Help: "Selection-log entries dropped after a sink write failed, by sink.",
		}, []string{"sink"}),
	}
}

func (m *Metrics) flushed(sink string, n int) {
	if m == nil {
		return
	}
	m.Flushed.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) dropped(sink string, n int) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(sink).Add(float64(n))
}
