package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"witness/internal/correlate"
	"witness/internal/domain"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func TestStreamIntegration_SubscribeThenPublish(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()
	ctx := context.Background()

	s, err := New(Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	// Arm before triggering: the queue must exist before the publish for a
	// topic exchange to retain the message for this subscriber.
	c, err := s.Subscribe(ctx, "order-events", "witness-rmq-g1", domain.OriginLatest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	body, _ := json.Marshal(map[string]any{"orderId": "o-7", "eventType": "ORDER_CREATED"})
	if err := s.Publish(ctx, "order-events", "o-7", body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case rec := <-c.Records():
		if rec.Topic != "order-events" || rec.Key != "o-7" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case err := <-c.Errors():
		t.Fatalf("consumer error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestStreamIntegration_ArmThenTriggerAwait(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()
	ctx := context.Background()

	s, err := New(Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	e := correlate.New(s, nil)
	w, err := e.Arm(ctx, correlate.WaitSpec{
		Topic:     "order-events",
		Predicate: correlate.FieldEquals(map[string]string{"orderId": "o-9", "eventType": "ORDER_REFUNDED"}),
		Timeout:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}

	for _, et := range []string{"ORDER_CREATED", "ORDER_REFUNDED"} {
		body, _ := json.Marshal(map[string]any{"orderId": "o-9", "eventType": et})
		if err := s.Publish(ctx, "order-events", "o-9", body); err != nil {
			t.Fatalf("publish %s: %v", et, err)
		}
	}

	res, err := w.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	ev, ok := res.First()
	if !ok {
		t.Fatalf("expected match, got %s after observing %d", res.Outcome, res.Observed)
	}
	if ev.StringField("eventType") != "ORDER_REFUNDED" {
		t.Fatalf("matched the wrong event: %v", ev.Value)
	}
}

func TestStreamIntegration_RoutingIsolatesTopics(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()
	ctx := context.Background()

	s, err := New(Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	c, err := s.Subscribe(ctx, "payment-events", "witness-rmq-iso", domain.OriginLatest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	if err := s.Publish(ctx, "order-events", "o-1", []byte(`{"orderId":"o-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case rec := <-c.Records():
		t.Fatalf("payment-events subscriber received %s traffic: %+v", rec.Topic, rec)
	case <-time.After(700 * time.Millisecond):
	}
}
