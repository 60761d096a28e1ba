package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "witness.db"))
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndListWaits(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	runID, err := r.BeginRun(ctx, "checkout-suite")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if runID == "" {
		t.Fatalf("empty run id")
	}

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	records := []WaitRecord{
		{RunID: runID, WaitID: "w1", Topic: "order-events", GroupID: "g1", Origin: "earliest", Outcome: "matched", Matched: 1, Observed: 3, Elapsed: 120 * time.Millisecond, ArmedAt: base},
		{RunID: runID, WaitID: "w2", Topic: "order-events", GroupID: "g2", Origin: "earliest", Outcome: "timed_out", Observed: 5, Elapsed: 2 * time.Second, ArmedAt: base.Add(time.Second)},
		{RunID: runID, WaitID: "w3", Topic: "payment-events", GroupID: "g3", Origin: "latest", Outcome: "errored", Error: "broker unreachable", Elapsed: 50 * time.Millisecond, ArmedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		if err := r.RecordWait(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", rec.WaitID, err)
		}
	}

	waits, err := r.Waits(ctx, runID)
	if err != nil {
		t.Fatalf("list waits: %v", err)
	}
	if len(waits) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(waits))
	}
	for i, want := range []string{"w1", "w2", "w3"} {
		if waits[i].WaitID != want {
			t.Fatalf("arming order broken at %d: %s", i, waits[i].WaitID)
		}
	}
	if waits[0].Elapsed != 120*time.Millisecond || waits[0].Matched != 1 {
		t.Fatalf("w1 round-trip: %+v", waits[0])
	}
	if waits[2].Error != "broker unreachable" {
		t.Fatalf("w3 error lost: %+v", waits[2])
	}
	if waits[1].Error != "" {
		t.Fatalf("w2 grew an error: %q", waits[1].Error)
	}
}

func TestWaitRecordsAreAppendOnly(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	runID, err := r.BeginRun(ctx, "append-only")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	rec := WaitRecord{RunID: runID, WaitID: "w1", Topic: "t", GroupID: "g", Origin: "earliest", Outcome: "matched"}
	if err := r.RecordWait(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE waits SET outcome='timed_out' WHERE wait_id='w1'`); err == nil {
		t.Fatalf("expected UPDATE on waits to be rejected")
	}
	// Duplicate wait identity is rejected too.
	if err := r.RecordWait(ctx, rec); err == nil {
		t.Fatalf("expected duplicate wait record to be rejected")
	}
}

func TestRecordWaitRequiresIdentity(t *testing.T) {
	r := openRecorder(t)
	if err := r.RecordWait(context.Background(), WaitRecord{Topic: "t"}); err == nil {
		t.Fatalf("expected error for missing run/wait id")
	}
}

func TestSummariesCountOutcomesNewestFirst(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	first, err := r.BeginRun(ctx, "run-one")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := r.BeginRun(ctx, "run-two")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	for i, outcome := range []string{"matched", "matched", "timed_out"} {
		if err := r.RecordWait(ctx, WaitRecord{RunID: first, WaitID: string(rune('a' + i)), Topic: "t", GroupID: "g", Origin: "earliest", Outcome: outcome}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sums, err := r.Summaries(ctx)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(sums))
	}
	if sums[0].RunID != second || sums[1].RunID != first {
		t.Fatalf("runs not newest first: %s then %s", sums[0].RunID, sums[1].RunID)
	}
	if sums[1].Matched != 2 || sums[1].TimedOut != 1 || sums[1].Errored != 0 {
		t.Fatalf("run-one counts: %+v", sums[1])
	}
	if sums[0].Matched != 0 || sums[0].TimedOut != 0 {
		t.Fatalf("empty run counted waits: %+v", sums[0])
	}
}
