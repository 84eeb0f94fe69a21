package cnc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "daq"
	metricsSubsystem = "cnc"
)

// Metrics covers the registry and its watchdog. One instance per process.
type Metrics struct {
	registrations  prometheus.Counter
	poolComponents prometheus.Gauge
	liveRunsets    prometheus.Gauge
	runsetsBuilt   prometheus.Counter
	buildFailures  prometheus.Counter
	pingFailures   prometheus.Counter
	deadComponents prometheus.Counter
}

func NewMetrics(r prometheus.Registerer) *Metrics {
	m := Metrics{
		registrations: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "component_registrations_total",
			Help:      "Total number of component registrations.",
		}),
		poolComponents: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pool_components",
			Help:      "Number of idle components in the pool.",
		}),
		liveRunsets: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runsets",
			Help:      "Number of live runsets.",
		}),
		runsetsBuilt: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runsets_built_total",
			Help:      "Total number of runsets built.",
		}),
		buildFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runset_build_failures_total",
			Help:      "Total number of failed runset builds.",
		}),
		pingFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ping_failures_total",
			Help:      "Total number of failed liveness pings.",
		}),
		deadComponents: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dead_components_total",
			Help:      "Total number of components dropped after failed liveness checks.",
		}),
	}
	return &m
}
