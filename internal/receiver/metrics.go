package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the receiver sees. A nil *Metrics records nothing.
type Metrics struct {
	reports   *prometheus.CounterVec
	malformed prometheus.Counter
	uploads   *prometheus.CounterVec
}

// NewMetrics registers the receiver metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crashtracker",
			Name:      "reports_total",
			Help:      "Crash reports received, by outcome.",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crashtracker",
			Name:      "malformed_lines_total",
			Help:      "Lines skipped because they could not be decoded.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crashtracker",
			Name:      "uploads_total",
			Help:      "Report deliveries, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.reports, m.malformed, m.uploads)
	}
	return m
}

func (m *Metrics) observe(out Outcome, malformed int) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(out.Kind.String()).Inc()
	m.malformed.Add(float64(malformed))
}

func (m *Metrics) upload(err error, spooled bool) {
	if m == nil {
		return
	}
	result := "delivered"
	switch {
	case err != nil && spooled:
		result = "spooled"
	case err != nil:
		result = "failed"
	}
	m.uploads.WithLabelValues(result).Inc()
}
