package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilSetIsNoOp(t *testing.T) {
	var s *Set
	s.WaitArmed("order-events")
	s.WaitResolved("order-events", "matched", time.Second)
}

func TestWaitCountersByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.WaitArmed("order-events")
	s.WaitArmed("order-events")
	s.WaitArmed("payment-events")
	s.WaitResolved("order-events", "matched", 120*time.Millisecond)
	s.WaitResolved("order-events", "timed_out", 2*time.Second)
	s.WaitResolved("payment-events", "errored", 50*time.Millisecond)

	if got := testutil.ToFloat64(s.armed.WithLabelValues("order-events")); got != 2 {
		t.Fatalf("armed[order-events] = %v", got)
	}
	if got := testutil.ToFloat64(s.matched.WithLabelValues("order-events")); got != 1 {
		t.Fatalf("matched[order-events] = %v", got)
	}
	if got := testutil.ToFloat64(s.timedOut.WithLabelValues("order-events")); got != 1 {
		t.Fatalf("timed_out[order-events] = %v", got)
	}
	if got := testutil.ToFloat64(s.errored.WithLabelValues("payment-events")); got != 1 {
		t.Fatalf("errored[payment-events] = %v", got)
	}
	if got := testutil.ToFloat64(s.active); got != 0 {
		t.Fatalf("active = %v after all waits resolved", got)
	}
}
