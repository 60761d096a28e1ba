package domain

import (
	"fmt"
	"time"
)

// Origin selects where a subscription starts reading a topic.
type Origin int

const (
	// OriginEarliest reads from the oldest retained message. This is the
	// default: a wait armed after the triggering action completed must
	// still see events emitted before the listener attached.
	OriginEarliest Origin = iota
	// OriginLatest reads only messages produced after the subscription.
	OriginLatest
)

func (o Origin) String() string {
	switch o {
	case OriginEarliest:
		return "earliest"
	case OriginLatest:
		return "latest"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// ParseOrigin maps the wire/CLI spelling to an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "", "earliest":
		return OriginEarliest, nil
	case "latest":
		return OriginLatest, nil
	default:
		return OriginEarliest, fmt.Errorf("unknown origin %q", s)
	}
}

// Event is one decoded message observed on a stream. Offsets are strictly
// increasing per partition; no ordering is implied across partitions.
type Event struct {
	Topic      string
	Partition  int32
	Offset     int64
	Key        string
	Value      map[string]any
	ReceivedAt time.Time
}

// Field returns the named top-level value from the decoded payload.
func (e Event) Field(name string) (any, bool) {
	v, ok := e.Value[name]
	return v, ok
}

// StringField returns the named value rendered as a string, or "" when the
// field is absent. Non-string JSON values render via fmt.
func (e Event) StringField(name string) string {
	v, ok := e.Value[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ID identifies the event within its topic for deduplication purposes.
func (e Event) ID() string {
	return fmt.Sprintf("%s/%d/%d", e.Topic, e.Partition, e.Offset)
}

// Outcome is the terminal state of one wait.
type Outcome int

const (
	// OutcomeMatched means the wait resolved with its full complement of
	// matching events (one for a single-match wait, the match cap for a
	// multi-match wait) before the deadline.
	OutcomeMatched Outcome = iota
	// OutcomeTimedOut means the deadline elapsed first. A multi-match wait
	// may still carry a partial accumulation; timeout is a normal,
	// assertable outcome, not an error.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MatchResult is the terminal result of one wait. Infrastructure failure is
// never encoded here: it travels as a Go error on the await call itself, so
// "the effect never happened" and "the verification pipe broke" stay
// distinguishable.
type MatchResult struct {
	Outcome Outcome
	// Events holds the matching events in stream arrival order, truncated
	// at the wait's match cap. Empty when nothing matched.
	Events []Event
	// Observed counts every candidate the wait saw, matching or not.
	Observed int
	Elapsed  time.Duration
}

// First returns the earliest matching event.
func (r MatchResult) First() (Event, bool) {
	if len(r.Events) == 0 {
		return Event{}, false
	}
	return r.Events[0], true
}

// Matched reports whether the wait resolved with a full match.
func (r MatchResult) Matched() bool {
	return r.Outcome == OutcomeMatched
}
