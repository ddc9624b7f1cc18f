package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSource reads one topic as part of a consumer group. Offsets are
// committed explicitly, so a crash before Commit redelivers the message.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(brokers []string, topic, groupID string) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // synchronous commits
			StartOffset:    kafka.FirstOffset,
		}),
	}
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, msg Message) error {
	return s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher writes events to a topic, keyed by patient so one patient's
// events stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish encodes and writes msgs in one batch.
func (p *Publisher) Publish(ctx context.Context, msgs ...EventMessage) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		ev, err := m.Event()
		if err != nil {
			return err
		}
		value, err := Encode(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.IdempotencyKey, err)
		}
		out = append(out, kafka.Message{Key: []byte(m.PatientID), Value: value})
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *Publisher) Close() error { return p.writer.Close() }
