// Package metrics exposes the engine's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hazyhaar/regprobe/defense"
)

// Metrics implements the observer interfaces of the reasoning, analyzer,
// defense, mailbox and orchestrator packages.
type Metrics struct {
	ReasoningCalls    *prometheus.CounterVec
	ReasoningDuration *prometheus.HistogramVec
	Plans             *prometheus.CounterVec
	Findings          *prometheus.CounterVec
	Provisions        *prometheus.CounterVec
	Attempts          *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ReasoningCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regprobe_reasoning_calls_total",
			Help: "Reasoning-service calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		ReasoningDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regprobe_reasoning_duration_seconds",
			Help:    "Duration of reasoning-service calls including retries",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		Plans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regprobe_retrieval_plans_total",
			Help: "Retrieval plans by source (parsed or fallback)",
		}, []string{"source"}),
		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regprobe_defense_findings_total",
			Help: "Defense findings by type, subtype and severity",
		}, []string{"type", "subtype", "severity"}),
		Provisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regprobe_provision_attempts_total",
			Help: "Mailbox provider attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regprobe_registration_attempts_total",
			Help: "Registration attempts by outcome",
		}, []string{"outcome"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regprobe_step_duration_seconds",
			Help:    "Duration of registration state transitions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"step"}),
	}
}

func (m *Metrics) ObserveReasoning(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReasoningCalls.WithLabelValues(provider, outcome).Inc()
	m.ReasoningDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ObservePlan(source string) {
	if m == nil {
		return
	}
	m.Plans.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveFinding(f defense.Finding) {
	if m == nil {
		return
	}
	m.Findings.WithLabelValues(f.Type, f.Subtype, strconv.Itoa(f.Severity)).Inc()
}

func (m *Metrics) ObserveProvision(provider, outcome string) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(provider, outcome).Inc()
}

// ObserveAttempt counts a decided registration attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

// ObserveStep records how long a state transition took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}
