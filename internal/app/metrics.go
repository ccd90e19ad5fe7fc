package app

import (
	client_prometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/tonkeeper/agent-relay/internal"
)

var (
	HealthMetric = client_prometheus.NewGauge(client_prometheus.GaugeOpts{
		Name: "relay_health_status",
		Help: "Health status of the relay (1 = healthy, 0 = unhealthy)",
	})

	ReadyMetric = client_prometheus.NewGauge(client_prometheus.GaugeOpts{
		Name: "relay_ready_status",
		Help: "Ready status of the relay (1 = ready, 0 = not ready)",
	})

	VersionMetric = client_prometheus.NewGaugeVec(client_prometheus.GaugeOpts{
		Name: "relay_version_info",
		Help: "Version information of the relay",
	}, []string{"version"})

	RuntimeInfoMetric = client_prometheus.NewGaugeVec(client_prometheus.GaugeOpts{
		Name: "relay_runtime_info",
		Help: "Agent runtime the relay forwards to",
	}, []string{"runtime", "qualifier"})
)

// InitMetrics registers the process level gauges
func InitMetrics() {
	client_prometheus.MustRegister(HealthMetric)
	client_prometheus.MustRegister(ReadyMetric)
	client_prometheus.MustRegister(VersionMetric)
	client_prometheus.MustRegister(RuntimeInfoMetric)
	VersionMetric.WithLabelValues(internal.RelayVersionRevision).Set(1)
}

func SetRuntimeInfo(runtimeARN, qualifier string) {
	RuntimeInfoMetric.WithLabelValues(runtimeARN, qualifier).Set(1)
}
