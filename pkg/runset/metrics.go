package runset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "daq"
	metricsSubsystem = "runset"
)

// Metrics is created once per process and shared by every runset the
// registry builds; a runset never registers collectors itself.
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	lifecycleErrors  *prometheus.CounterVec
	waitSeconds      *prometheus.HistogramVec
	runsStarted      prometheus.Counter
	runsEnded        *prometheus.CounterVec
	physicsEvents    prometheus.Gauge
	physicsRate      prometheus.Gauge
}

func NewMetrics(r prometheus.Registerer) *Metrics {
	m := Metrics{
		stateTransitions: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of runset state transitions, by target state.",
		}, []string{"state"}),
		lifecycleErrors: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lifecycle_errors_total",
			Help:      "Total number of failed lifecycle operations, by operation.",
		}, []string{"op"}),
		waitSeconds: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "wait_seconds",
			Help:      "Time spent waiting for component groups to change state.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"phase"}),
		runsStarted: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_started_total",
			Help:      "Total number of runs started.",
		}),
		runsEnded: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_ended_total",
			Help:      "Total number of runs ended, by result.",
		}, []string{"result"}),
		physicsEvents: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "physics_events",
			Help:      "Physics events collected by the current run.",
		}),
		physicsRate: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "physics_rate_hz",
			Help:      "Physics event rate of the current run over the sliding window.",
		}),
	}
	return &m
}
