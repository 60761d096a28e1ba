// Package stream defines the publish/subscribe transport boundary the
// correlation engine consumes. Payloads are opaque bytes at this layer;
// decoding happens per record in the engine so one malformed message never
// fails a subscription.
package stream

import (
	"context"
	"errors"
	"time"

	"witness/internal/domain"
)

// ErrClosed is returned by operations on a closed stream or consumer.
var ErrClosed = errors.New("stream closed")

// Record is one raw message as delivered by the transport.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Consumer is one isolated read position on a topic. Records arrive in
// non-decreasing offset order within a partition; Close is idempotent and
// releases the underlying transport resources.
type Consumer interface {
	Records() <-chan Record
	Errors() <-chan error
	Close() error
}

// Stream is a publish/subscribe transport. Each Subscribe call must use an
// isolated consumer-group identity so concurrent subscriptions on the same
// topic never steal each other's records.
type Stream interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Subscribe(ctx context.Context, topic, groupID string, origin domain.Origin) (Consumer, error)
	Close() error
}
