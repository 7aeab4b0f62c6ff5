package loadbalancer

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the three-gauge surface spec §4.5 requires: the current size of
// the active and idle sets, and the most recently observed per-node load.
// LoadAverage is simply not Set while the aperture is empty, matching the
// spec's "not published when |active| = 0".
type Metrics struct {
	Active      prometheus.Gauge
	Idle        prometheus.Gauge
	LoadAverage prometheus.Gauge
}

// NewMetrics builds the gauge set, labeled by service, and registers it
// against reg if reg is non-nil.
func NewMetrics(reg prometheus.Registerer, service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "aperture_balancer_active",
			Help:        "Number of endpoints currently inside the aperture.",
			ConstLabels: labels,
		}),
		Idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "aperture_balancer_idle",
			Help:        "Number of endpoints held in reserve outside the aperture.",
			ConstLabels: labels,
		}),
		LoadAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "aperture_balancer_load_average",
			Help:        "Most recently observed per-node offered load.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Active, m.Idle, m.LoadAverage)
	}
	return m
}
