package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"witness/internal/domain"
	"witness/internal/stream"
)

func collect(t *testing.T, c stream.Consumer, n int) []stream.Record {
	t.Helper()
	out := make([]stream.Record, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-c.Records():
			if !ok {
				t.Fatalf("records channel closed after %d of %d", len(out), n)
			}
			out = append(out, rec)
		case err := <-c.Errors():
			t.Fatalf("consumer error: %v", err)
		case <-deadline:
			t.Fatalf("timed out after %d of %d records", len(out), n)
		}
	}
	return out
}

func TestEarliestReplaysHistoryInArrivalOrder(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Publish(ctx, "orders", "k", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c, err := s.Subscribe(ctx, "orders", "g1", domain.OriginEarliest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	recs := collect(t, c, 5)
	for i, rec := range recs {
		if string(rec.Value) != fmt.Sprintf("m%d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.Value)
		}
		if rec.Offset != int64(i) {
			t.Fatalf("offset gap at %d: got %d", i, rec.Offset)
		}
	}
}

func TestLatestSkipsHistory(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Publish(ctx, "orders", "k", []byte("old")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := s.Subscribe(ctx, "orders", "g1", domain.OriginLatest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	if err := s.Publish(ctx, "orders", "k", []byte("new")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recs := collect(t, c, 1)
	if string(recs[0].Value) != "new" {
		t.Fatalf("latest subscriber replayed history: %q", recs[0].Value)
	}
}

func TestKeyedRecordsShareAPartition(t *testing.T) {
	s := New(WithPartitions(8))
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.Publish(ctx, "orders", "same-key", nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c, err := s.Subscribe(ctx, "orders", "g1", domain.OriginEarliest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	recs := collect(t, c, 10)
	want := recs[0].Partition
	var offset int64
	for i, rec := range recs {
		if rec.Partition != want {
			t.Fatalf("record %d routed to partition %d, expected %d", i, rec.Partition, want)
		}
		if rec.Offset != offset {
			t.Fatalf("record %d offset %d, expected %d", i, rec.Offset, offset)
		}
		offset++
	}
}

func TestIndependentConsumersEachSeeEverything(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	c1, err := s.Subscribe(ctx, "orders", "g1", domain.OriginEarliest)
	if err != nil {
		t.Fatalf("subscribe g1: %v", err)
	}
	defer c1.Close()
	c2, err := s.Subscribe(ctx, "orders", "g2", domain.OriginEarliest)
	if err != nil {
		t.Fatalf("subscribe g2: %v", err)
	}
	defer c2.Close()

	for i := 0; i < 3; i++ {
		if err := s.Publish(ctx, "orders", "", []byte{byte(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := len(collect(t, c1, 3)); got != 3 {
		t.Fatalf("g1 saw %d records", got)
	}
	if got := len(collect(t, c2, 3)); got != 3 {
		t.Fatalf("g2 saw %d records", got)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Publish(context.Background(), "orders", "k", nil); err != stream.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Subscribe(context.Background(), "orders", "g", domain.OriginEarliest); err != stream.ErrClosed {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestConsumerCloseStopsDelivery(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	c, err := s.Subscribe(ctx, "orders", "g1", domain.OriginEarliest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := s.Publish(ctx, "orders", "k", []byte("late")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case _, ok := <-c.Records():
		if ok {
			t.Fatalf("closed consumer delivered a record")
		}
	case <-time.After(time.Second):
		t.Fatalf("records channel not closed after consumer close")
	}
}
