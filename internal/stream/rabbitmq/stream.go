// Package rabbitmq backs the stream boundary with a RabbitMQ topic
// exchange. Each subscription declares its own auto-delete queue named by
// the consumer-group identity, bound to the topic as routing key, so
// concurrent subscriptions never compete for deliveries.
//
// RabbitMQ has no retained log to rewind: earliest-origin means "whatever
// the bound queue already holds", which is only history for queues that
// existed before the triggering action. Correlation against pre-trigger
// traffic needs the Kafka backend.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"witness/internal/domain"
	"witness/internal/stream"
)

type Config struct {
	URL           string
	Exchange      string
	PrefetchCount int
	Auth          AuthConfig
	TLS           TLSConfig
}

type AuthConfig struct {
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "witness.events"
	}
	if c.PrefetchCount < 1 {
		c.PrefetchCount = 64
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	return nil
}

type Stream struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	conn   *amqp091.Connection
	pubCh  *amqp091.Channel
	closed bool
}

func New(cfg Config, log *zap.Logger) (*Stream, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{cfg: cfg, log: log.Named("rabbitmq")}, nil
}

func (s *Stream) connect() (*amqp091.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stream.ErrClosed
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	dialCfg := amqp091.Config{}
	if s.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: s.cfg.Auth.Username, Password: s.cfg.Auth.Password}}
	}
	if s.cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(s.cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(s.cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	s.conn = conn
	s.pubCh = nil
	return conn, nil
}

func (s *Stream) publishChannel() (*amqp091.Channel, error) {
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubCh != nil && !s.pubCh.IsClosed() {
		return s.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	s.pubCh = ch
	return ch, nil
}

func (s *Stream) Publish(ctx context.Context, topic, key string, value []byte) error {
	ch, err := s.publishChannel()
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         value,
	}
	if key != "" {
		msg.MessageId = key
	}
	if err := ch.PublishWithContext(ctx, s.cfg.Exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s *Stream) Subscribe(ctx context.Context, topic, groupID string, origin domain.Origin) (stream.Consumer, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if groupID == "" {
		return nil, errors.New("group id is required")
	}
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(groupID, false, true, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", groupID, err)
	}
	if err := ch.QueueBind(groupID, topic, s.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue %s to %s: %w", groupID, topic, err)
	}
	deliveries, err := ch.Consume(groupID, groupID, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue %s: %w", groupID, err)
	}
	if origin == domain.OriginEarliest {
		s.log.Debug("earliest origin on rabbitmq only replays the bound queue",
			zap.String("topic", topic), zap.String("queue", groupID))
	}

	c := &consumer{
		ch:      ch,
		tag:     groupID,
		topic:   topic,
		records: make(chan stream.Record, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.run(deliveries)
	return c, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.pubCh != nil {
		if err := s.pubCh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type consumer struct {
	ch      *amqp091.Channel
	tag     string
	topic   string
	records chan stream.Record
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) Records() <-chan stream.Record { return c.records }
func (c *consumer) Errors() <-chan error          { return c.errs }

func (c *consumer) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ch.Cancel(c.tag, false)
		err = c.ch.Close()
	})
	return err
}

func (c *consumer) run(deliveries <-chan amqp091.Delivery) {
	defer close(c.records)
	for {
		select {
		case <-c.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				select {
				case c.errs <- fmt.Errorf("rabbitmq deliveries closed: %w", stream.ErrClosed):
				default:
				}
				return
			}
			ts := d.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			rec := stream.Record{
				Topic: c.topic,
				// Single logical partition; the delivery tag is monotonic
				// per channel and serves as the offset identity.
				Partition: 0,
				Offset:    int64(d.DeliveryTag),
				Key:       d.MessageId,
				Value:     d.Body,
				Timestamp: ts,
			}
			select {
			case c.records <- rec:
				_ = d.Ack(false)
			case <-c.done:
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
