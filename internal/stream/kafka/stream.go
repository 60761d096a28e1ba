// Package kafka backs the stream boundary with a Kafka (or Redpanda)
// cluster via franz-go. Every subscription gets its own client and consumer
// group so concurrent waits on one topic never compete for records.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"

	"witness/internal/domain"
	"witness/internal/stream"
)

type Config struct {
	Brokers  []string
	ClientID string
	Auth     AuthConfig
	Fetch    FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string // plain, scram-sha-256, scram-sha-512
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Auth.SASL.Enabled {
		switch c.Auth.SASL.Mechanism {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
		}
	}
	return nil
}

type Stream struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	producer *kgo.Client
	closed   bool
}

func New(cfg Config, log *zap.Logger) (*Stream, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{cfg: cfg, log: log.Named("kafka")}, nil
}

func (s *Stream) baseOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(s.cfg.Brokers...)}
	if s.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(s.cfg.ClientID))
	}
	if s.cfg.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: s.cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if s.cfg.Auth.SASL.Enabled {
		switch s.cfg.Auth.SASL.Mechanism {
		case "plain":
			opts = append(opts, kgo.SASL(plain.Auth{User: s.cfg.Auth.SASL.Username, Pass: s.cfg.Auth.SASL.Password}.AsMechanism()))
		case "scram-sha-256":
			opts = append(opts, kgo.SASL(scram.Auth{User: s.cfg.Auth.SASL.Username, Pass: s.cfg.Auth.SASL.Password}.AsSha256Mechanism()))
		case "scram-sha-512":
			opts = append(opts, kgo.SASL(scram.Auth{User: s.cfg.Auth.SASL.Username, Pass: s.cfg.Auth.SASL.Password}.AsSha512Mechanism()))
		default:
			return nil, fmt.Errorf("unsupported sasl mechanism %q", s.cfg.Auth.SASL.Mechanism)
		}
	}
	return opts, nil
}

func (s *Stream) Publish(ctx context.Context, topic, key string, value []byte) error {
	producer, err := s.producerClient()
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: topic, Value: value}
	if key != "" {
		rec.Key = []byte(key)
	}
	if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (s *Stream) producerClient() (*kgo.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stream.ErrClosed
	}
	if s.producer != nil {
		return s.producer, nil
	}
	opts, err := s.baseOpts()
	if err != nil {
		return nil, err
	}
	opts = append(opts, kgo.AllowAutoTopicCreation())
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	s.producer = cl
	return cl, nil
}

func (s *Stream) Subscribe(ctx context.Context, topic, groupID string, origin domain.Origin) (stream.Consumer, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if groupID == "" {
		return nil, errors.New("group id is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, stream.ErrClosed
	}
	s.mu.Unlock()

	reset := kgo.NewOffset().AtStart()
	if origin == domain.OriginLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	opts, err := s.baseOpts()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(reset),
		// Marked commits: records handed to the wait count as consumed so
		// a resubscribe under the same group does not re-see them.
		kgo.AutoCommitMarks(),
		kgo.FetchMaxWait(s.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(s.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(s.cfg.Fetch.MaxBytes),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		client:  cl,
		cancel:  cancel,
		records: make(chan stream.Record, 256),
		errs:    make(chan error, 1),
	}
	go c.poll(pollCtx)
	s.log.Debug("subscribed", zap.String("topic", topic), zap.String("group_id", groupID), zap.Stringer("origin", origin))
	return c, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.producer != nil {
		s.producer.Close()
		s.producer = nil
	}
	return nil
}

type consumer struct {
	client  *kgo.Client
	cancel  context.CancelFunc
	records chan stream.Record
	errs    chan error
	once    sync.Once
}

func (c *consumer) Records() <-chan stream.Record { return c.records }
func (c *consumer) Errors() <-chan error          { return c.errs }

func (c *consumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.client.Close()
	})
	return nil
}

func (c *consumer) poll(ctx context.Context) {
	defer close(c.records)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			select {
			case c.errs <- fmt.Errorf("fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err):
			default:
			}
			return
		}
		var marked []*kgo.Record
		abort := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if abort {
				return
			}
			select {
			case c.records <- stream.Record{
				Topic:     rec.Topic,
				Partition: rec.Partition,
				Offset:    rec.Offset,
				Key:       string(rec.Key),
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
			}:
				marked = append(marked, rec)
			case <-ctx.Done():
				abort = true
			}
		})
		if len(marked) > 0 {
			c.client.MarkCommitRecords(marked...)
		}
		if abort {
			return
		}
	}
}
