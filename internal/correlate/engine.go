// Package correlate implements the bounded-wait event correlation engine:
// arm a subscription on a topic, filter decoded events through a content
// predicate, and resolve the caller with the earliest match(es) or an
// explicit timeout. Timeout is a first-class outcome; only transport
// breakage surfaces as an error.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"witness/internal/domain"
	"witness/internal/metrics"
	"witness/internal/stream"
)

// Contract violations fail fast, before any subscription is armed.
var (
	ErrEmptyTopic   = errors.New("topic is required")
	ErrBadTimeout   = errors.New("timeout must be positive")
	ErrBadMaxField  = errors.New("max matches must be at least 1")
	ErrNilPredicate = errors.New("predicate is required")
)

// Predicate decides whether a decoded event satisfies the wait. It must be
// pure: no mutation, no side effects, so a rescan after reconnect cannot
// double-count business effects. A panicking predicate counts as "does not
// match" for that candidate.
type Predicate func(domain.Event) bool

// FieldEquals builds a predicate matching events whose decoded payload
// carries every given field with the given string rendering. This is the
// predicate surface available to the CLI and YAML wait specs.
func FieldEquals(fields map[string]string) Predicate {
	return func(e domain.Event) bool {
		for k, want := range fields {
			if _, ok := e.Value[k]; !ok {
				return false
			}
			if e.StringField(k) != want {
				return false
			}
		}
		return true
	}
}

// WaitSpec describes one logical wait.
type WaitSpec struct {
	Topic     string
	Predicate Predicate
	Timeout   time.Duration
	Origin    domain.Origin
	// MaxMatches caps multi-match accumulation; zero means single-match.
	MaxMatches int
}

func (s WaitSpec) validate() error {
	if strings.TrimSpace(s.Topic) == "" {
		return ErrEmptyTopic
	}
	if s.Timeout <= 0 {
		return ErrBadTimeout
	}
	if s.MaxMatches < 0 {
		return ErrBadMaxField
	}
	if s.Predicate == nil {
		return ErrNilPredicate
	}
	return nil
}

type Engine struct {
	stream  stream.Stream
	log     *zap.Logger
	metrics *metrics.Set

	groupPrefix  string
	maxAttempts  int
	retryBackoff time.Duration
}

type Option func(*Engine)

// WithGroupPrefix sets the consumer-group prefix; the engine appends a
// random UUID per subscription so parallel waits never collide, even when
// armed within the same clock tick.
func WithGroupPrefix(p string) Option {
	return func(e *Engine) {
		if p != "" {
			e.groupPrefix = p
		}
	}
}

// WithRetry bounds transparent reconnects on transport failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		if backoff > 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithMetrics wires the prometheus wait counters.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(s stream.Stream, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		stream:       s,
		log:          log.Named("correlate"),
		groupPrefix:  "witness",
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AwaitOne blocks until the first event on topic satisfying pred arrives,
// or until timeout. The result is TimedOut when nothing matched; the error
// return is reserved for transport failure and cancellation.
func (e *Engine) AwaitOne(ctx context.Context, topic string, pred Predicate, timeout time.Duration, origin domain.Origin) (domain.MatchResult, error) {
	w, err := e.Arm(ctx, WaitSpec{Topic: topic, Predicate: pred, Timeout: timeout, Origin: origin})
	if err != nil {
		return domain.MatchResult{}, err
	}
	return w.Result()
}

// AwaitMany accumulates up to maxMatches satisfying events in arrival
// order, resolving early once the cap is reached. At the deadline it
// resolves TimedOut carrying whatever was accumulated, possibly nothing;
// partial accumulation is a valid, non-error outcome.
func (e *Engine) AwaitMany(ctx context.Context, topic string, pred Predicate, maxMatches int, timeout time.Duration, origin domain.Origin) (domain.MatchResult, error) {
	if maxMatches < 1 {
		return domain.MatchResult{}, ErrBadMaxField
	}
	w, err := e.Arm(ctx, WaitSpec{Topic: topic, Predicate: pred, Timeout: timeout, Origin: origin, MaxMatches: maxMatches})
	if err != nil {
		return domain.MatchResult{}, err
	}
	return w.Result()
}

// Arm validates the spec, subscribes, and returns a cancellable handle.
// The subscription is established before Arm returns, so a caller that
// arms first and triggers second cannot lose the race against its own
// action's effects.
func (e *Engine) Arm(ctx context.Context, spec WaitSpec) (*Wait, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.MaxMatches == 0 {
		spec.MaxMatches = 1
	}

	groupID := fmt.Sprintf("%s-%s", e.groupPrefix, uuid.NewString())
	consumer, err := e.stream.Subscribe(ctx, spec.Topic, groupID, spec.Origin)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Topic, err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	w := &Wait{
		id:      ulid.Make().String(),
		groupID: groupID,
		spec:    spec,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.metrics.WaitArmed(spec.Topic)
	e.log.Debug("wait armed",
		zap.String("wait_id", w.id),
		zap.String("topic", spec.Topic),
		zap.String("group_id", groupID),
		zap.Stringer("origin", spec.Origin),
		zap.Duration("timeout", spec.Timeout),
		zap.Int("max_matches", spec.MaxMatches))

	go e.run(waitCtx, w, consumer)
	return w, nil
}

// Wait is the single cancellable handle for one armed subscription. It
// resolves exactly once, by whichever of match, deadline, transport
// failure, or cancellation occurs first.
type Wait struct {
	id      string
	groupID string
	spec    WaitSpec
	cancel  context.CancelFunc

	done chan struct{}
	res  domain.MatchResult
	err  error

	closeOnce sync.Once
}

// ID is the engine-assigned subscription identity.
func (w *Wait) ID() string { return w.id }

// GroupID is the isolated consumer-group identity used on the transport.
func (w *Wait) GroupID() string { return w.groupID }

// Result blocks until the wait resolves.
func (w *Wait) Result() (domain.MatchResult, error) {
	<-w.done
	return w.res, w.err
}

// Done is closed once the wait has resolved.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Cancel releases the wait's subscription deterministically. A cancelled
// wait resolves with a context error, never with TimedOut.
func (w *Wait) Cancel() { w.cancel() }

func (w *Wait) resolve(res domain.MatchResult, err error) {
	w.closeOnce.Do(func() {
		w.res = res
		w.err = err
		close(w.done)
	})
}

func (e *Engine) run(ctx context.Context, w *Wait, consumer stream.Consumer) {
	defer w.cancel()

	start := time.Now()
	timer := time.NewTimer(w.spec.Timeout)
	defer timer.Stop()
	defer func() {
		if err := consumer.Close(); err != nil {
			e.log.Warn("consumer close", zap.String("wait_id", w.id), zap.Error(err))
		}
	}()

	var matched []domain.Event
	observed := 0
	seen := make(map[string]struct{})
	attempts := 0

	finish := func(res domain.MatchResult, err error) {
		res.Observed = observed
		res.Elapsed = time.Since(start)
		outcome := "errored"
		if err == nil {
			outcome = res.Outcome.String()
		}
		e.metrics.WaitResolved(w.spec.Topic, outcome, res.Elapsed)
		e.log.Debug("wait resolved",
			zap.String("wait_id", w.id),
			zap.String("outcome", outcome),
			zap.Int("matched", len(res.Events)),
			zap.Int("observed", observed),
			zap.Duration("elapsed", res.Elapsed),
			zap.Error(err))
		w.resolve(res, err)
	}

	for {
		select {
		case <-ctx.Done():
			finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched},
				fmt.Errorf("wait cancelled: %w", ctx.Err()))
			return

		case <-timer.C:
			finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched}, nil)
			return

		case err := <-consumer.Errors():
			next, timedOut, retryErr := e.reconnect(ctx, w, consumer, timer.C, &attempts, err)
			if retryErr != nil {
				finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched}, retryErr)
				return
			}
			if timedOut {
				finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched}, nil)
				return
			}
			consumer = next

		case rec, ok := <-consumer.Records():
			if !ok {
				next, timedOut, retryErr := e.reconnect(ctx, w, consumer, timer.C, &attempts, stream.ErrClosed)
				if retryErr != nil {
					finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched}, retryErr)
					return
				}
				if timedOut {
					finish(domain.MatchResult{Outcome: domain.OutcomeTimedOut, Events: matched}, nil)
					return
				}
				consumer = next
				continue
			}

			// At-least-once transports may re-deliver after a reconnect;
			// offset identity keeps re-deliveries from double-counting.
			dedupe := fmt.Sprintf("%d/%d", rec.Partition, rec.Offset)
			if _, dup := seen[dedupe]; dup {
				continue
			}
			seen[dedupe] = struct{}{}
			observed++

			ev, err := decodeRecord(rec)
			if err != nil {
				e.log.Debug("skipping undecodable record",
					zap.String("wait_id", w.id),
					zap.String("topic", rec.Topic),
					zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				continue
			}
			if !e.safeMatch(w, ev) {
				continue
			}
			matched = append(matched, ev)
			if len(matched) < w.spec.MaxMatches {
				continue
			}
			finish(domain.MatchResult{Outcome: domain.OutcomeMatched, Events: matched}, nil)
			return
		}
	}
}

// reconnect closes the broken consumer and re-subscribes under the same
// group identity, bounded by the engine's retry budget. The deadline keeps
// ticking during backoff: reaching it resolves the wait as TimedOut rather
// than stretching the wait past its contract.
func (e *Engine) reconnect(ctx context.Context, w *Wait, broken stream.Consumer, deadline <-chan time.Time, attempts *int, cause error) (next stream.Consumer, timedOut bool, err error) {
	_ = broken.Close()
	*attempts++
	if *attempts > e.maxAttempts {
		return nil, false, fmt.Errorf("stream consumer for %s failed after %d attempts: %w", w.spec.Topic, *attempts, cause)
	}
	e.log.Warn("stream consumer failed, reconnecting",
		zap.String("wait_id", w.id),
		zap.String("topic", w.spec.Topic),
		zap.Int("attempt", *attempts),
		zap.Error(cause))

	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("wait cancelled: %w", ctx.Err())
	case <-deadline:
		return nil, true, nil
	case <-time.After(e.retryBackoff * time.Duration(*attempts)):
	}

	next, subErr := e.stream.Subscribe(ctx, w.spec.Topic, w.groupID, w.spec.Origin)
	if subErr != nil {
		return nil, false, fmt.Errorf("resubscribe %s: %w", w.spec.Topic, subErr)
	}
	return next, false, nil
}

func (e *Engine) safeMatch(w *Wait, ev domain.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("predicate panicked, treating candidate as non-match",
				zap.String("wait_id", w.id),
				zap.String("event", ev.ID()),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return w.spec.Predicate(ev)
}

func decodeRecord(rec stream.Record) (domain.Event, error) {
	var value map[string]any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return domain.Event{}, fmt.Errorf("decode record payload: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return domain.Event{
		Topic:      rec.Topic,
		Partition:  rec.Partition,
		Offset:     rec.Offset,
		Key:        rec.Key,
		Value:      value,
		ReceivedAt: ts,
	}, nil
}
