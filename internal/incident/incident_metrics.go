package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident subsystem.
type Metrics struct {
	IncidentsTotal  *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	ReconcilesTotal *prometheus.CounterVec
	AcksTotal       prometheus.Counter
}

// NewMetrics registers and returns incident metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_incidents_created_total",
			Help: "Total incidents created, by source system type.",
		}, []string{"source_type"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_incident_events_total",
			Help: "Total incident timeline events recorded, by type.",
		}, []string{"type"}),
		ReconcilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_tag_reconciles_total",
			Help: "Total tag reconciliation attempts, by outcome.",
		}, []string{"outcome"}),
		AcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_acknowledgements_total",
			Help: "Total acknowledgements created.",
		}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.EventsTotal,
		m.ReconcilesTotal,
		m.AcksTotal,
	)

	return m
}
