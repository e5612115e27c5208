package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"server"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "spawn_failures_total",
			Help:      "Number of starts where the executable could not be launched.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of operator requested stops.",
		}, []string{"server"},
	)
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "exits_total",
			Help:      "Number of observed process exits by outcome (requested, unexpected).",
		}, []string{"server", "outcome"},
	)
	terminationTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "termination_timeouts_total",
			Help:      "Number of stops that had to escalate to a forced kill.",
		}, []string{"server"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Number of operator commands written to server stdin.",
		}, []string{"server"},
	)
	commandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "console",
			Name:      "command_failures_total",
			Help:      "Number of operator commands that could not be written.",
		}, []string{"server"},
	)
	consoleLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "console",
			Name:      "lines_total",
			Help:      "Number of output lines captured per stream.",
		}, []string{"server", "origin"},
	)
	consoleEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "console",
			Name:      "evictions_total",
			Help:      "Number of lines dropped because the console buffer was full.",
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different server states.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	registeredServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "consolr",
			Subsystem: "registry",
			Name:      "servers",
			Help:      "Number of registered servers.",
		},
	)
)

// Register registers all metrics with the provided registerer. It is safe to
// call multiple times and with several registerers; collectors already present
// in r are skipped. Recording starts after the first successful call.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		serverStarts, spawnFailures, serverStops, serverExits, terminationTimeouts,
		commandsSent, commandFailures, consoleLines, consoleEvictions,
		stateTransitions, currentStates, registeredServers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}

func IncSpawnFailure(server string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(server).Inc()
	}
}

func IncStop(server string) {
	if regOK.Load() {
		serverStops.WithLabelValues(server).Inc()
	}
}

func IncExit(server string, requested bool) {
	if regOK.Load() {
		outcome := "unexpected"
		if requested {
			outcome = "requested"
		}
		serverExits.WithLabelValues(server, outcome).Inc()
	}
}

func IncTerminationTimeout(server string) {
	if regOK.Load() {
		terminationTimeouts.WithLabelValues(server).Inc()
	}
}

func IncCommand(server string, ok bool) {
	if !regOK.Load() {
		return
	}
	if ok {
		commandsSent.WithLabelValues(server).Inc()
	} else {
		commandFailures.WithLabelValues(server).Inc()
	}
}

func IncConsoleLine(server, origin string, evicted bool) {
	if !regOK.Load() {
		return
	}
	consoleLines.WithLabelValues(server, origin).Inc()
	if evicted {
		consoleEvictions.WithLabelValues(server).Inc()
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(server, state).Set(value)
	}
}

// ForgetServer drops every per-server series, used when a server is unregistered.
func ForgetServer(server string) {
	if !regOK.Load() {
		return
	}
	labels := prometheus.Labels{"server": server}
	for _, v := range []*prometheus.CounterVec{
		serverStarts, spawnFailures, serverStops, serverExits, terminationTimeouts,
		commandsSent, commandFailures, consoleLines, consoleEvictions, stateTransitions,
	} {
		v.DeletePartialMatch(labels)
	}
	currentStates.DeletePartialMatch(labels)
}

func SetRegisteredServers(n int) {
	if regOK.Load() {
		registeredServers.Set(float64(n))
	}
}
