package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "device_farm"

// Pool Metrics
var (
	PoolAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "acquisitions_total",
		Help:      "Total number of acquire calls by result",
	}, []string{"result"})

	PoolAcquiredDevices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "acquired_devices_total",
		Help:      "Total number of devices handed out to clients",
	})

	ProvisioningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "provisioning_duration_seconds",
		Help:      "Time from registration to a READY or BROKEN device",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	LivenessFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "liveness_failures_total",
		Help:      "Total number of READY devices marked BROKEN by a liveness probe",
	})

	DevicesRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "devices_removed_total",
		Help:      "Total number of devices removed by reason",
	}, []string{"reason"})
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by method, route and status code",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds by method and route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)
