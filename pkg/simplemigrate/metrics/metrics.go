// Package metrics exposes migration progress as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// Metrics holds the migration counters.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec // simplemigrate_events_total{stage,status}
	BytesReplayed prometheus.Counter     // simplemigrate_bytes_replayed_total
}

// New registers the migration metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		EventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "simplemigrate_events_total",
			Help: "Total migration audit events by stage and status",
		}, []string{"stage", "status"}),

		BytesReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "simplemigrate_bytes_replayed_total",
			Help: "Total object bytes written to the destination node",
		}),
	}
}

// Sink returns an audit sink feeding m.
func (m *Metrics) Sink() *Sink {
	return &Sink{m: m}
}

// Sink implements simplemigrate.AuditSink.
type Sink struct {
	m *Metrics
}

// Record implements simplemigrate.AuditSink.
func (s *Sink) Record(_ context.Context, event simplemigrate.AuditEvent) {
	s.m.EventsTotal.WithLabelValues(string(event.Stage), string(event.Status)).Inc()
	if (event.Status == simplemigrate.StepCreated || event.Status == simplemigrate.StepUpdated) && event.Size > 0 {
		s.m.BytesReplayed.Add(float64(event.Size))
	}
}
