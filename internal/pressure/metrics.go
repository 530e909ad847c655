package pressure

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors package ctrl's private-registry pattern (metrics.go):
// each Monitor gets its own registry rather than the global default one,
// so a test process hosting several Monitors never hits a duplicate
// registration panic.
type metrics struct {
	registry    *prometheus.Registry
	freeMemMBs  prometheus.Gauge
	cpuLoad     prometheus.Gauge
	congestion  prometheus.Gauge
	evictions   prometheus.Counter
	reportFails prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		freeMemMBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nu_pressure_free_mem_mbs",
			Help: "Free memory, in megabytes, last observed by the pressure monitor.",
		}),
		cpuLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nu_pressure_cpu_load",
			Help: "Average per-core CPU load EWMA, 0 to 1.",
		}),
		congestion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nu_pressure_cpu_congestion_fraction",
			Help: "Fraction of the rolling sample window spent above the CPU high watermark.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nu_pressure_evictions_total",
			Help: "Number of proclet evictions (migrations) triggered by pressure.",
		}),
		reportFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nu_pressure_report_failures_total",
			Help: "Number of report_free_resource calls that failed.",
		}),
	}
	reg.MustRegister(m.freeMemMBs, m.cpuLoad, m.congestion, m.evictions, m.reportFails)
	return m
}
