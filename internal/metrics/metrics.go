package metrics

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	simulationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simrunner",
			Subsystem: "simulation",
			Name:      "created_total",
			Help:      "Number of simulations created, by worker kind.",
		}, []string{"worker"},
	)
	simulationsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simrunner",
			Subsystem: "simulation",
			Name:      "stopped_total",
			Help:      "Number of simulations that left the registry, by reason.",
		}, []string{"reason"},
	)
	framesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simrunner",
			Subsystem: "simulation",
			Name:      "frames_total",
			Help:      "Number of frames relayed from workers.",
		},
	)
	activeSimulations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simrunner",
			Subsystem: "simulation",
			Name:      "active",
			Help:      "Simulations currently present in the registry.",
		},
	)
	frameStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "simrunner",
			Subsystem: "worker",
			Name:      "step_duration_seconds",
			Help:      "Time spent stepping a backend and writing the frame files.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simrunner",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of worker state transitions.",
		}, []string{"from", "to"},
	)
	groupMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simrunner",
			Subsystem: "groups",
			Name:      "members",
			Help:      "Current subscribers across groups of a kind (simcomms, initlogs).",
		}, []string{"kind"},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simrunner",
			Subsystem: "groups",
			Name:      "broadcasts_total",
			Help:      "Number of group broadcasts, by client action.",
		}, []string{"action"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		simulationsCreated, simulationsStopped, framesTotal, activeSimulations,
		frameStepDuration, stateTransitions, groupMembers, broadcasts,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCreated(worker string) {
	if regOK.Load() {
		simulationsCreated.WithLabelValues(worker).Inc()
		activeSimulations.Inc()
	}
}

func IncStopped(reason string) {
	if regOK.Load() {
		simulationsStopped.WithLabelValues(reason).Inc()
		activeSimulations.Dec()
	}
}

func IncFrame() {
	if regOK.Load() {
		framesTotal.Inc()
	}
}

func ObserveStep(seconds float64) {
	if regOK.Load() {
		frameStepDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// AddGroupMembers adjusts the member gauge for the kind of group (the part of
// the name before the first slash).
func AddGroupMembers(group string, delta int) {
	if regOK.Load() && delta != 0 {
		groupMembers.WithLabelValues(groupKind(group)).Add(float64(delta))
	}
}

func IncBroadcast(action string) {
	if regOK.Load() {
		broadcasts.WithLabelValues(action).Inc()
	}
}

func groupKind(name string) string {
	if i := strings.IndexByte(name, '/'); i > 0 {
		return name[:i]
	}
	return name
}
