// Package metrics exposes the harness's own operational counters. These
// describe the verification pipe, not the system under test: CI uses them to
// tell environment trouble apart from failed expectations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	armed    *prometheus.CounterVec
	matched  *prometheus.CounterVec
	timedOut *prometheus.CounterVec
	errored  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// New registers the wait metrics on the given registerer. A nil *Set is a
// valid no-op receiver so the engine works without metrics wired.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		armed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "witness_waits_armed_total",
			Help: "Waits armed, by topic.",
		}, []string{"topic"}),
		matched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "witness_waits_matched_total",
			Help: "Waits resolved with a full match, by topic.",
		}, []string{"topic"}),
		timedOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "witness_waits_timed_out_total",
			Help: "Waits that reached their deadline, by topic.",
		}, []string{"topic"}),
		errored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "witness_waits_errored_total",
			Help: "Waits that failed on transport or cancellation, by topic.",
		}, []string{"topic"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "witness_wait_duration_seconds",
			Help:    "Time from arming a wait to its resolution.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"topic", "outcome"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "witness_active_subscriptions",
			Help: "Subscriptions currently armed.",
		}),
	}
}

func (s *Set) WaitArmed(topic string) {
	if s == nil {
		return
	}
	s.armed.WithLabelValues(topic).Inc()
	s.active.Inc()
}

func (s *Set) WaitResolved(topic, outcome string, elapsed time.Duration) {
	if s == nil {
		return
	}
	switch outcome {
	case "matched":
		s.matched.WithLabelValues(topic).Inc()
	case "timed_out":
		s.timedOut.WithLabelValues(topic).Inc()
	default:
		s.errored.WithLabelValues(topic).Inc()
	}
	s.duration.WithLabelValues(topic, outcome).Observe(elapsed.Seconds())
	s.active.Dec()
}
