// Package metrics exposes Prometheus instruments for the scheduling
// control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "speedwatch_"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	testsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "tests_total",
			Help: "Completed speed test attempts by result",
		},
		[]string{"result"},
	)
	outagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "outages_total",
			Help: "Confirmed outages detected",
		},
	)
	outageActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "outage_active",
			Help: "Whether an outage is currently active",
		},
	)
	currentInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "interval_minutes",
			Help: "Current scheduling interval in minutes",
		},
	)
	stabilityScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "stability_score",
			Help: "Latest composite stability score",
		},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "phase_transitions_total",
			Help: "Adaptive scheduler phase transitions by target phase",
		},
		[]string{"phase"},
	)
	dataBudgetUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "data_budget_used_mb",
			Help: "Estimated megabytes consumed against today's budget",
		},
	)
	circuitBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "circuit_breaker_trips_total",
			Help: "Times the test-rate circuit breaker has tripped",
		},
	)
)

func init() {
	prometheus.MustRegister(
		testsTotal,
		outagesTotal,
		outageActive,
		currentInterval,
		stabilityScore,
		phaseTransitions,
		dataBudgetUsed,
		circuitBreakerTrips,
	)
}

// ObserveTest records one completed test attempt.
func ObserveTest(result string) {
	testsTotal.WithLabelValues(result).Inc()
}

// SetOutageActive records whether an outage is in progress.
func SetOutageActive(active bool) {
	if active {
		outagesTotal.Inc()
		outageActive.Set(1)
	} else {
		outageActive.Set(0)
	}
}

// SetInterval records the active scheduling interval.
func SetInterval(minutes int) {
	currentInterval.Set(float64(minutes))
}

// SetStabilityScore records the latest composite score.
func SetStabilityScore(score float64) {
	stabilityScore.Set(score)
}

// ObservePhaseTransition records a transition into the named phase.
func ObservePhaseTransition(phase string) {
	phaseTransitions.WithLabelValues(phase).Inc()
}

// SetDataBudgetUsed records today's estimated data usage.
func SetDataBudgetUsed(mb float64) {
	dataBudgetUsed.Set(mb)
}

// ObserveCircuitBreakerTrip records one circuit-breaker trip.
func ObserveCircuitBreakerTrip() {
	circuitBreakerTrips.Inc()
}
