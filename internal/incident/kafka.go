package incident

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes incidents to a topic, keyed by idempotency key so
// repeated reports of one payment land on the same partition.
type KafkaPublisher struct {
	w messageWriter
}

var _ Recorder = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Record(ctx context.Context, inc Incident) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(inc.IdempotencyKey),
		Value: Encode(inc),
		Time:  inc.OccurredAt,
	})
	if err != nil {
		return errors.Wrap(err, "publish incident")
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
