package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proctoring collectors.
type Metrics struct {
	ViolationsTotal       *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	SessionsCompleted     prometheus.Counter
	MonitorStopsTotal     *prometheus.CounterVec
	PersistenceErrors     *prometheus.CounterVec
	StreamSamplesReceived *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exstem_proctor",
			Name:      "violations_total",
			Help:      "Violations recorded, by kind.",
		}, []string{"kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "exstem_proctor",
			Name:      "active_sessions",
			Help:      "Exam sessions currently active.",
		}),
		SessionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "exstem_proctor",
			Name:      "sessions_completed_total",
			Help:      "Exam sessions completed.",
		}),
		MonitorStopsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exstem_proctor",
			Name:      "monitor_stops_total",
			Help:      "Monitoring loops disabled by a sensor failure.",
		}, []string{"modality", "reason"}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exstem_proctor",
			Name:      "persistence_errors_total",
			Help:      "Store writes that failed after retries.",
		}, []string{"op"}),
		StreamSamplesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exstem_proctor",
			Name:      "stream_samples_received_total",
			Help:      "Raw samples received over candidate streams.",
		}, []string{"modality"}),
	}
}

// Noop returns collectors registered on a private registry, for tests and
// tools that do not expose /metrics.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
