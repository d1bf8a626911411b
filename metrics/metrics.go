// Package metrics exposes Prometheus counters for the registration,
// attribution and payout flows. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "refbot"

type Metrics struct {
	Registry *prometheus.Registry

	registrations prometheus.Counter
	steps         *prometheus.CounterVec
	attributions  *prometheus.CounterVec
	payouts       *prometheus.CounterVec
	exports       *prometheus.CounterVec
}

// New builds a registry with the process and Go collectors plus the bot
// counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Completed registrations.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_steps_total",
			Help:      "Registration step inputs by step and result.",
		}, []string{"step", "result"}),
		attributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_attributions_total",
			Help:      "Referral attribution attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonus_payouts_total",
			Help:      "Admin payout attempts by result.",
		}, []string{"result"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Data exports by target and result.",
		}, []string{"target", "result"}),
	}
	reg.MustRegister(m.registrations, m.steps, m.attributions, m.payouts, m.exports)
	return m
}

func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// Step records one input handled at a registration step. ok is false when
// the input was rejected by validation.
func (m *Metrics) Step(step string, ok bool) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, result(ok)).Inc()
}

func (m *Metrics) Attribution(path, outcome string) {
	if m == nil {
		return
	}
	m.attributions.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) Payout(ok bool) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Export(target string, ok bool) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(target, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
