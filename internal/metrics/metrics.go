// Package metrics exposes Prometheus instrumentation for invocation
// authentication and config reloads.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Verified requests by replay outcome: first, resume, retry
	Accepted *prometheus.CounterVec
	// Rejections by reason, excluding replay conflicts
	AuthFailures *prometheus.CounterVec
	// Conflicting replays, counted apart from ordinary auth failures
	ReplayConflicts prometheus.Counter
	// Failures let through because signed HTTP is optional
	OptionalBypass *prometheus.CounterVec

	VerifyDuration prometheus.Histogram

	ConfigReloads    *prometheus.CounterVec
	ConfigGeneration prometheus.Gauge
}

// New registers the collectors with reg. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Accepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolauth_invocations_accepted_total",
				Help: "Signed invocations that passed verification",
			},
			[]string{"outcome"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolauth_auth_failures_total",
				Help: "Signed invocations rejected before business logic",
			},
			[]string{"reason"},
		),
		ReplayConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "toolauth_replay_conflicts_total",
				Help: "Reused (leader_id, nonce) pairs carrying different content",
			},
		),
		OptionalBypass: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolauth_optional_bypass_total",
				Help: "Verification failures allowed through in optional mode",
			},
			[]string{"reason"},
		),
		VerifyDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolauth_verify_duration_seconds",
				Help:    "Time spent verifying an inbound invocation",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
		),
		ConfigReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolauth_config_reloads_total",
				Help: "Config reload attempts by result",
			},
			[]string{"result"}, // success, failure
		),
		ConfigGeneration: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolauth_config_generation",
				Help: "Generation of the active config snapshot",
			},
		),
	}
}

func (m *Metrics) ObserveAccepted(outcome string) {
	if m == nil {
		return
	}
	m.Accepted.WithLabelValues(outcome).Inc()
}

// ObserveRejected counts a rejection. Replay conflicts go to their own
// counter.
func (m *Metrics) ObserveRejected(reason string, replayConflict bool) {
	if m == nil {
		return
	}
	if replayConflict {
		m.ReplayConflicts.Inc()
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveBypass(reason string) {
	if m == nil {
		return
	}
	m.OptionalBypass.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.VerifyDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveReload(ok bool, generation uint64) {
	if m == nil {
		return
	}
	if !ok {
		m.ConfigReloads.WithLabelValues("failure").Inc()
		return
	}
	m.ConfigReloads.WithLabelValues("success").Inc()
	m.ConfigGeneration.Set(float64(generation))
}
