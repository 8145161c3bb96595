package applier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
)

func init() {
	Register("nats", func(config cfg.ApplierConfiguration) (pipeline.Applier, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats applier requires nats_url")
		}
		sink, err := NewNatsSink(config.NatsURL)
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

// NatsSink publishes events to NATS JetStream.
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsSink connects to a NATS server with unlimited reconnects.
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends a message to NATS JetStream, ensuring a stream exists for
// the subject. The key travels as a header for consumer-side routing.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(pubCtx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(pubCtx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the sink.
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".".
func sanitizeStreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
