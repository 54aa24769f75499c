package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthCheckDuration tracks how long each component check takes
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hpstack_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthComponentStatus is 1 for healthy, 0.5 for degraded, 0 for unhealthy
	HealthComponentStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hpstack_health_component_status",
			Help: "Current component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)
