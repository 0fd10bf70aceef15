package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svconsole"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of starts that ended in error, by reason (launch|timeout).",
		}, []string{"service", "reason"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops.",
		}, []string{"service"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "launch_duration_seconds",
			Help:      "Time spent in the launcher per start attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service process at the last diagnostics pass.",
		}, []string{"service"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of the service process at the last diagnostics pass.",
		}, []string{"service"},
	)
	portActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "diagnostics",
			Name:      "port_active",
			Help:      "1 when the port accepted a connection at the last check.",
		}, []string{"port"},
	)
	diagnosticsRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diagnostics",
			Name:      "runs_total",
			Help:      "Number of diagnostics passes by backend outcome (connected|degraded).",
		}, []string{"outcome"},
	)
	logEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "entries_total",
			Help:      "Console log entries appended, by level.",
		}, []string{"level"},
	)
	logBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "buffered_entries",
			Help:      "Entries currently held by the console log buffer.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStartFailures, serviceStops, launchDuration,
		stateTransitions, currentStates, memoryRSS, cpuPercent,
		portActive, diagnosticsRuns, logEntries, logBuffered,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStartFailure(service, reason string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(service, reason).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func ObserveLaunchDuration(service string, seconds float64) {
	if regOK.Load() {
		launchDuration.WithLabelValues(service).Observe(seconds)
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

// SetCurrentState marks state as the active one for service; the other
// listed states are reset to 0.
func SetCurrentState(service, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(service, s).Set(v)
	}
}

func SetResourceUsage(service string, rss uint64, cpu float64) {
	if regOK.Load() {
		memoryRSS.WithLabelValues(service).Set(float64(rss))
		cpuPercent.WithLabelValues(service).Set(cpu)
	}
}

func SetPortActive(port string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		portActive.WithLabelValues(port).Set(v)
	}
}

func IncDiagnosticsRun(connected bool) {
	if regOK.Load() {
		outcome := "degraded"
		if connected {
			outcome = "connected"
		}
		diagnosticsRuns.WithLabelValues(outcome).Inc()
	}
}

func IncLogEntry(level string) {
	if regOK.Load() {
		logEntries.WithLabelValues(level).Inc()
	}
}

func SetLogBuffered(n int) {
	if regOK.Load() {
		logBuffered.Set(float64(n))
	}
}
