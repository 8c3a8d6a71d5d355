package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagevar_route_requests_total",
			Help: "Total number of requests routed, by resolved stage, target and outcome",
		},
		[]string{"stage", "target", "outcome"},
	)

	TargetInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagevar_target_invocation_duration_seconds",
			Help:    "Duration of backend target invocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ActiveStages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagevar_active_stages",
			Help: "Number of stages bound in the registry",
		},
	)

	RegistryUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagevar_registry_updates_total",
			Help: "Total number of registry updates",
		},
	)

	GatewayThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagevar_gateway_throttled_total",
			Help: "Total number of requests rejected by deployment stage throttling",
		},
		[]string{"deployment"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		RouteRequestsTotal,
		TargetInvocationDuration,
		ActiveStages,
		RegistryUpdatesTotal,
		GatewayThrottledTotal,
	)
}
