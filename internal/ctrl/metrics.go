package ctrl

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/proclet/nu/internal/rpc"
)

// serverMetrics exports a per-RPC-method request counter, replacing the
// original ControllerServer's logging thread (ctrl_server.hpp:
// kEnableLogging / kPrintIntervalUs) which periodically printed the same
// atomic counters to a log line.
type serverMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

// newServerMetrics builds a private registry per Server instance rather
// than registering against the global default registry, so multiple
// controllers (e.g. one per test) never collide over metric names.
func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nu",
			Subsystem: "controller",
			Name:      "requests_total",
			Help:      "Controller RPC requests handled, by method.",
		}, []string{"method"}),
	}
	m.registry.MustRegister(m.requests)
	return m
}

func (m *serverMetrics) observe(typ rpc.Type) {
	m.requests.WithLabelValues(typ.String()).Inc()
}
