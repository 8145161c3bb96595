package applier

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	Register("kafka", func(config cfg.ApplierConfiguration) (pipeline.Applier, error) {
		sink, err := NewKafkaSink(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        DefaultKafkaBatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
		if err != nil {
			return nil, err
		}
		return NewSinkApplier(SinkApplierConfig{
			Name:         config.Name,
			Sink:         sink,
			TopicPrefix:  config.TopicPrefix,
			RetryInitial: time.Duration(config.RetryInitialMS) * time.Millisecond,
			RetryMax:     time.Duration(config.RetryMaxMS) * time.Millisecond,
			MaxRetries:   config.RetryMaxRetries,
		})
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Batch size for writes
	BatchBytes       int64              // Max batch bytes
	RequiredAcks     kafka.RequiredAcks // Ack requirement
	AutoCreateTopics bool               // Auto-create topics if they don't exist
}

// KafkaSink publishes events to Kafka. Messages are keyed by event ID so
// fragments of one position land on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a KafkaSink with the given configuration.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           config.RequiredAcks,
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}
	return &KafkaSink{writer: writer}, nil
}

// Publish sends one message.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
