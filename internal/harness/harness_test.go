package harness

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"witness/internal/config"
	"witness/internal/correlate"
	memorystore "witness/internal/store/memory"
	memorystream "witness/internal/stream/memory"
)

// fakeTB captures Fatalf instead of aborting, so failure paths can be
// asserted.
type fakeTB struct {
	failed bool
	msg    string
}

func (f *fakeTB) Helper() {}
func (f *fakeTB) Fatalf(format string, args ...any) {
	f.failed = true
	f.msg = format
	panic("fakeTB fatal")
}

func (f *fakeTB) expectFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a fatal expectation failure")
		}
	}()
	fn()
}

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Stream: config.StreamConfig{Backend: "memory"},
		Verify: config.VerifyConfig{DefaultTimeout: 2 * time.Second, RetryAttempts: 3, RetryBackoff: 50 * time.Millisecond, GroupPrefix: "witness"},
		Report: config.ReportConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "report.db")},
	}
}

func newHarness(t *testing.T) *Harness {
	t.Helper()
	h, err := New(context.Background(), memoryConfig(t), nil, WithStore(memorystore.New()))
	if err != nil {
		t.Fatalf("new harness: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func publishJSON(t *testing.T, h *Harness, topic, key string, doc map[string]any) {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := h.Stream.Publish(context.Background(), topic, key, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestExpectEventPassesOnMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	publishJSON(t, h, "order-events", "o-1", map[string]any{"orderId": "o-1", "eventType": "ORDER_CREATED"})

	ev := h.ExpectEvent(t, ctx, "order-events",
		correlate.FieldEquals(map[string]string{"orderId": "o-1"}), 2*time.Second)
	if ev.StringField("eventType") != "ORDER_CREATED" {
		t.Fatalf("unexpected event: %v", ev.Value)
	}
}

func TestExpectEventFailsOnTimeout(t *testing.T) {
	h := newHarness(t)
	tb := &fakeTB{}

	tb.expectFatal(t, func() {
		h.ExpectEvent(tb, context.Background(), "order-events",
			correlate.FieldEquals(map[string]string{"orderId": "never"}), 200*time.Millisecond)
	})
	if !tb.failed {
		t.Fatalf("expectation did not fail")
	}
}

func TestExpectNoEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ExpectNoEvent(t, ctx, "order-events",
		correlate.FieldEquals(map[string]string{"orderId": "quiet"}), 200*time.Millisecond)

	publishJSON(t, h, "order-events", "o-2", map[string]any{"orderId": "o-2"})
	tb := &fakeTB{}
	tb.expectFatal(t, func() {
		h.ExpectNoEvent(tb, ctx, "order-events",
			correlate.FieldEquals(map[string]string{"orderId": "o-2"}), time.Second)
	})
	if !tb.failed {
		t.Fatalf("unexpected event did not fail the expectation")
	}
}

func TestAwaitUsesDefaultTimeout(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	res, err := h.Await(context.Background(), correlate.WaitSpec{
		Topic:     "order-events",
		Predicate: correlate.FieldEquals(map[string]string{"orderId": "never"}),
	})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Matched() {
		t.Fatalf("unexpected match")
	}
	if time.Since(start) < 2*time.Second {
		t.Fatalf("default timeout not applied: resolved in %s", time.Since(start))
	}
}

func TestAwaitRecordsAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.BeginRun(ctx, "audit-suite"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	publishJSON(t, h, "order-events", "o-3", map[string]any{"orderId": "o-3"})

	if _, err := h.Await(ctx, correlate.WaitSpec{
		Topic:     "order-events",
		Predicate: correlate.FieldEquals(map[string]string{"orderId": "o-3"}),
		Timeout:   2 * time.Second,
	}); err != nil {
		t.Fatalf("await: %v", err)
	}
	if _, err := h.Await(ctx, correlate.WaitSpec{
		Topic:     "order-events",
		Predicate: correlate.FieldEquals(map[string]string{"orderId": "never"}),
		Timeout:   200 * time.Millisecond,
	}); err != nil {
		t.Fatalf("await: %v", err)
	}

	sums, err := h.Recorder.Summaries(ctx)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 run, got %d", len(sums))
	}
	if sums[0].Matched != 1 || sums[0].TimedOut != 1 || sums[0].Errored != 0 {
		t.Fatalf("audit counts: %+v", sums[0])
	}

	waits, err := h.Recorder.Waits(ctx, sums[0].RunID)
	if err != nil {
		t.Fatalf("waits: %v", err)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 wait records, got %d", len(waits))
	}
	if waits[0].Topic != "order-events" || waits[0].GroupID == "" {
		t.Fatalf("wait record incomplete: %+v", waits[0])
	}
}

func TestHarnessCloseIsIdempotent(t *testing.T) {
	h, err := New(context.Background(), memoryConfig(t), nil, WithStream(memorystream.New()))
	if err != nil {
		t.Fatalf("new harness: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
