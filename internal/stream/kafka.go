package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
)

// kafkaWriter is the part of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaReader is the part of *kafka.Reader the source uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes like events to a Kafka topic.
type KafkaPublisher struct {
	writer kafkaWriter
	topic  string
	logger *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher creates a synchronous producer for cfg.Topic.
func NewKafkaPublisher(cfg config.StreamConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchBytes:   int64(cfg.MaxMessageBytes),
		MaxAttempts:  3,
		Async:        false,
	}

	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(writer kafkaWriter, topic string, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.WithField("component", "kafka-publisher").WithField("topic", topic),
	}
}

// Publish writes one event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event LikeEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrSourceClosed
	}

	msg, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  event.LikedAt,
	}); err != nil {
		return fmt.Errorf("failed to write like event to Kafka: %w", err)
	}

	p.logger.WithField("tweet_id", event.TweetID).Debug("published like event")
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// KafkaSource reads like events from a Kafka consumer group. Offsets are
// committed explicitly, after the like has been recorded.
type KafkaSource struct {
	reader kafkaReader
	logger *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// NewKafkaSource joins cfg.GroupID on cfg.Topic. New groups start from the
// first offset.
func NewKafkaSource(cfg config.StreamConfig, logger *logrus.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	source := newKafkaSource(reader, logger)
	source.logger = source.logger.WithFields(logrus.Fields{
		"topic":    cfg.Topic,
		"group_id": cfg.GroupID,
	})
	return source, nil
}

func newKafkaSource(reader kafkaReader, logger *logrus.Logger) *KafkaSource {
	return &KafkaSource{
		reader: reader,
		logger: logger.WithField("component", "kafka-source"),
	}
}

func (s *KafkaSource) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrSourceClosed
	}
	km, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if s.isClosed() {
			return Message{}, ErrSourceClosed
		}
		return Message{}, fmt.Errorf("failed to fetch like event: %w", err)
	}
	return Message{
		Key:       km.Key,
		Value:     km.Value,
		Partition: km.Partition,
		Offset:    km.Offset,
		handle:    km,
	}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, msg Message) error {
	km, ok := msg.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("message at offset %d was not fetched from Kafka", msg.Offset)
	}
	if err := s.reader.CommitMessages(ctx, km); err != nil {
		return fmt.Errorf("failed to commit offset %d on partition %d: %w", km.Offset, km.Partition, err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
