// Package memory is an in-process stream backend used by unit tests and the
// fixture service. It keeps full topic logs so earliest-origin subscribers
// replay history, and stamps records with hash-routed partitions and
// per-partition monotonic offsets to mirror the broker-backed transports.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"witness/internal/domain"
	"witness/internal/stream"
)

const defaultPartitions = 4

type Stream struct {
	mu         sync.Mutex
	cond       *sync.Cond
	topics     map[string]*topicLog
	partitions int32
	rr         int32
	closed     bool
}

type topicLog struct {
	// records in arrival order; partition and offset already stamped.
	records    []stream.Record
	nextOffset []int64
}

type Option func(*Stream)

// WithPartitions overrides the per-topic partition count.
func WithPartitions(n int32) Option {
	return func(s *Stream) {
		if n > 0 {
			s.partitions = n
		}
	}
}

func New(opts ...Option) *Stream {
	s := &Stream{topics: map[string]*topicLog{}, partitions: defaultPartitions}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) Publish(ctx context.Context, topic, key string, value []byte) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stream.ErrClosed
	}
	log, ok := s.topics[topic]
	if !ok {
		log = &topicLog{nextOffset: make([]int64, s.partitions)}
		s.topics[topic] = log
	}
	p := s.partitionFor(key)
	rec := stream.Record{
		Topic:     topic,
		Partition: p,
		Offset:    log.nextOffset[p],
		Key:       key,
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now().UTC(),
	}
	log.nextOffset[p]++
	log.records = append(log.records, rec)
	s.cond.Broadcast()
	return nil
}

// partitionFor assigns keyed records deterministically and keyless records
// round-robin. Callers must hold s.mu.
func (s *Stream) partitionFor(key string) int32 {
	if key == "" {
		s.rr++
		return s.rr % s.partitions
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(key))))
	return int32(h.Sum64() % uint64(s.partitions))
}

func (s *Stream) Subscribe(ctx context.Context, topic, groupID string, origin domain.Origin) (stream.Consumer, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("group id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stream.ErrClosed
	}
	log, ok := s.topics[topic]
	if !ok {
		log = &topicLog{nextOffset: make([]int64, s.partitions)}
		s.topics[topic] = log
	}
	pos := 0
	if origin == domain.OriginLatest {
		pos = len(log.records)
	}
	c := &consumer{
		stream:  s,
		topic:   topic,
		pos:     pos,
		records: make(chan stream.Record, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Close tears the whole stream down; subsequent publishes fail and live
// consumers drain and stop.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

type consumer struct {
	stream  *Stream
	topic   string
	pos     int
	records chan stream.Record
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) Records() <-chan stream.Record { return c.records }
func (c *consumer) Errors() <-chan error          { return c.errs }

func (c *consumer) Close() error {
	c.once.Do(func() {
		close(c.done)
		// Wake the run loop if it is parked on the condition variable.
		c.stream.mu.Lock()
		c.stream.mu.Unlock()
		c.stream.cond.Broadcast()
	})
	return nil
}

func (c *consumer) run() {
	defer close(c.records)
	for {
		c.stream.mu.Lock()
		log := c.stream.topics[c.topic]
		for c.pos >= len(log.records) && !c.stream.closed && !c.isDone() {
			c.stream.cond.Wait()
		}
		if c.isDone() || (c.stream.closed && c.pos >= len(log.records)) {
			c.stream.mu.Unlock()
			return
		}
		rec := log.records[c.pos]
		c.pos++
		c.stream.mu.Unlock()

		select {
		case c.records <- rec:
		case <-c.done:
			return
		}
	}
}

func (c *consumer) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
