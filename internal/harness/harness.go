// Package harness assembles the verification stack for test scenarios: an
// action trigger, a message stream, a correlation engine, a state store for
// final assertions, and the local audit recorder. One harness serves many
// scenarios; waits never leak across them because every wait owns its
// subscription.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"witness/internal/config"
	"witness/internal/correlate"
	"witness/internal/domain"
	"witness/internal/metrics"
	"witness/internal/report"
	"witness/internal/store"
	mongostore "witness/internal/store/mongo"
	"witness/internal/stream"
	kafkastream "witness/internal/stream/kafka"
	memorystream "witness/internal/stream/memory"
	rabbitstream "witness/internal/stream/rabbitmq"
	"witness/internal/trigger"
)

// TB is the subset of testing.TB the expectation helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

type Harness struct {
	Stream   stream.Stream
	Verifier *correlate.Engine
	Trigger  *trigger.Client
	Store    store.Store
	Recorder *report.Recorder

	log            *zap.Logger
	runID          string
	defaultTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

type Option func(*options)

type options struct {
	metrics *metrics.Set
	stream  stream.Stream
	store   store.Store
}

// WithMetrics wires prometheus counters into the engine.
func WithMetrics(m *metrics.Set) Option {
	return func(o *options) { o.metrics = m }
}

// WithStream overrides the configured stream backend, typically with the
// in-memory backend in tests.
func WithStream(s stream.Stream) Option {
	return func(o *options) { o.stream = s }
}

// WithStore overrides the configured state store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*Harness, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Harness{log: log.Named("harness"), defaultTimeout: cfg.Verify.DefaultTimeout}

	var err error
	h.Stream = o.stream
	if h.Stream == nil {
		h.Stream, err = buildStream(cfg.Stream, log)
		if err != nil {
			return nil, err
		}
	}

	h.Verifier = correlate.New(h.Stream, log,
		correlate.WithGroupPrefix(cfg.Verify.GroupPrefix),
		correlate.WithRetry(cfg.Verify.RetryAttempts, cfg.Verify.RetryBackoff),
		correlate.WithMetrics(o.metrics),
	)

	if cfg.Trigger.BaseURL != "" {
		h.Trigger, err = trigger.New(cfg.Trigger.BaseURL, log, trigger.WithTimeout(cfg.Trigger.Timeout))
		if err != nil {
			return nil, fmt.Errorf("build trigger: %w", err)
		}
	}

	h.Store = o.store
	if h.Store == nil && cfg.Store.Mongo.URI != "" {
		h.Store, err = mongostore.Connect(ctx, mongostore.Config{URI: cfg.Store.Mongo.URI, Database: cfg.Store.Mongo.Database}, log)
		if err != nil {
			return nil, fmt.Errorf("build store: %w", err)
		}
	}

	if cfg.Report.Enabled {
		h.Recorder, err = report.Open(cfg.Report.Path)
		if err != nil {
			return nil, fmt.Errorf("open report recorder: %w", err)
		}
	}
	return h, nil
}

func buildStream(cfg config.StreamConfig, log *zap.Logger) (stream.Stream, error) {
	switch cfg.Backend {
	case "kafka":
		kcfg := kafkastream.Config{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID}
		kcfg.Auth.SASL.Enabled = cfg.Kafka.SASL.Enabled
		kcfg.Auth.SASL.Mechanism = cfg.Kafka.SASL.Mechanism
		kcfg.Auth.SASL.Username = cfg.Kafka.SASL.Username
		kcfg.Auth.SASL.Password = cfg.Kafka.SASL.Password
		kcfg.Auth.TLS.Enabled = cfg.Kafka.TLS.Enabled
		kcfg.Auth.TLS.InsecureSkipVerify = cfg.Kafka.TLS.InsecureSkipVerify
		return kafkastream.New(kcfg, log)
	case "rabbitmq":
		return rabbitstream.New(rabbitstream.Config{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			PrefetchCount: cfg.RabbitMQ.PrefetchCount,
			Auth:          rabbitstream.AuthConfig{Username: cfg.RabbitMQ.Username, Password: cfg.RabbitMQ.Password},
		}, log)
	case "memory":
		return memorystream.New(), nil
	default:
		return nil, fmt.Errorf("unsupported stream backend %q", cfg.Backend)
	}
}

// BeginRun opens an audit-log run; a no-op without a recorder.
func (h *Harness) BeginRun(ctx context.Context, name string) error {
	if h.Recorder == nil {
		return nil
	}
	id, err := h.Recorder.BeginRun(ctx, name)
	if err != nil {
		return err
	}
	h.runID = id
	return nil
}

// Await arms a wait, blocks for its result, and records the resolution in
// the audit log when a run is open.
func (h *Harness) Await(ctx context.Context, spec correlate.WaitSpec) (domain.MatchResult, error) {
	if spec.Timeout <= 0 {
		spec.Timeout = h.defaultTimeout
	}
	armedAt := time.Now().UTC()
	w, err := h.Verifier.Arm(ctx, spec)
	if err != nil {
		return domain.MatchResult{}, err
	}
	res, waitErr := w.Result()
	h.record(ctx, w, spec, res, waitErr, armedAt)
	return res, waitErr
}

func (h *Harness) record(ctx context.Context, w *correlate.Wait, spec correlate.WaitSpec, res domain.MatchResult, waitErr error, armedAt time.Time) {
	if h.Recorder == nil || h.runID == "" {
		return
	}
	outcome := res.Outcome.String()
	errStr := ""
	if waitErr != nil {
		outcome = "errored"
		errStr = waitErr.Error()
	}
	rec := report.WaitRecord{
		RunID:    h.runID,
		WaitID:   w.ID(),
		Topic:    spec.Topic,
		GroupID:  w.GroupID(),
		Origin:   spec.Origin.String(),
		Outcome:  outcome,
		Matched:  len(res.Events),
		Observed: res.Observed,
		Elapsed:  res.Elapsed,
		Error:    errStr,
		ArmedAt:  armedAt,
	}
	if err := h.Recorder.RecordWait(ctx, rec); err != nil {
		h.log.Warn("record wait", zap.String("wait_id", w.ID()), zap.Error(err))
	}
}

// ExpectEvent asserts that a matching event arrives within timeout. A
// timeout reads as a failed expectation; a transport failure reads as a
// harness failure, so business and environment problems stay separable in
// test output.
func (h *Harness) ExpectEvent(t TB, ctx context.Context, topic string, pred correlate.Predicate, timeout time.Duration) domain.Event {
	t.Helper()
	res, err := h.Await(ctx, correlate.WaitSpec{Topic: topic, Predicate: pred, Timeout: timeout})
	if err != nil {
		t.Fatalf("harness failure while waiting on %s: %v", topic, err)
	}
	ev, ok := res.First()
	if !ok {
		t.Fatalf("expected event on %s, got none after %s (observed %d candidates)", topic, res.Elapsed.Round(time.Millisecond), res.Observed)
	}
	return ev
}

// ExpectNoEvent asserts that nothing matching arrives within the window.
func (h *Harness) ExpectNoEvent(t TB, ctx context.Context, topic string, pred correlate.Predicate, window time.Duration) {
	t.Helper()
	res, err := h.Await(ctx, correlate.WaitSpec{Topic: topic, Predicate: pred, Timeout: window})
	if err != nil {
		t.Fatalf("harness failure while waiting on %s: %v", topic, err)
	}
	if ev, ok := res.First(); ok {
		t.Fatalf("expected no event on %s within %s, got %s", topic, window, ev.ID())
	}
}

// Close releases every held resource; safe to call repeatedly.
func (h *Harness) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		var errs []error
		if h.Stream != nil {
			if err := h.Stream.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close stream: %w", err))
			}
		}
		if h.Store != nil {
			if err := h.Store.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if h.Recorder != nil {
			if err := h.Recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recorder: %w", err))
			}
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
