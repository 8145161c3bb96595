// Package applier provides the downstream appliers a replication
// pipeline can be configured with: message sinks (NATS, Kafka) and CSV
// batch staging for bulk loads.
package applier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// Sink is a destination for replicated events.
type Sink interface {
	// Publish sends one encoded event.
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Retry defaults for failed publish operations.
const (
	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
	DefaultMaxRetries   = 100
)

// wireEvent is the published encoding of one event.
type wireEvent struct {
	Seqno    uint64            `msgpack:"seq"`
	Fragno   uint32            `msgpack:"frag"`
	LastFrag bool              `msgpack:"last"`
	EventID  string            `msgpack:"id"`
	SourceID string            `msgpack:"src"`
	Metadata map[string]string `msgpack:"meta"`
	Payload  []byte            `msgpack:"payload"`
}

// SinkApplier adapts a Sink to the pipeline applier interface. Events
// buffer per block; Commit publishes the block in order with exponential
// backoff per event, then advances the restart header. A rolled-back
// transaction publishes nothing.
type SinkApplier struct {
	name         string
	sink         Sink
	topicPrefix  string
	retryInitial time.Duration
	retryMax     time.Duration
	maxRetries   uint64

	mu            sync.Mutex
	pending       []*event.Event
	uncommitted   *event.Header
	lastCommitted *event.Header
}

// SinkApplierConfig configures a SinkApplier.
type SinkApplierConfig struct {
	Name         string
	Sink         Sink
	TopicPrefix  string
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// NewSinkApplier wires an applier around a sink.
func NewSinkApplier(config SinkApplierConfig) (*SinkApplier, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("applier name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &SinkApplier{
		name:         config.Name,
		sink:         config.Sink,
		topicPrefix:  config.TopicPrefix,
		retryInitial: config.RetryInitial,
		retryMax:     config.RetryMax,
		maxRetries:   uint64(config.MaxRetries),
	}, nil
}

// Apply buffers the event; rollback discards the open transaction
// instead of publishing it.
func (a *SinkApplier) Apply(ctx context.Context, ev *event.Event, commit, rollback, syncTHL bool) error {
	a.mu.Lock()
	if rollback {
		// Drop the rolled-back transaction's fragments.
		trimmed := a.pending[:0]
		for _, p := range a.pending {
			if p.Seqno != ev.Seqno {
				trimmed = append(trimmed, p)
			}
		}
		a.pending = trimmed
	} else {
		a.pending = append(a.pending, ev)
	}
	h := ev.Header()
	a.uncommitted = &h
	a.mu.Unlock()

	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// ApplyFiltered advances the position across a suppressed range.
func (a *SinkApplier) ApplyFiltered(ctx context.Context, fr event.FilteredRange, commit, syncTHL bool) error {
	a.mu.Lock()
	a.uncommitted = &fr.Last
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// Commit publishes the open block in order and advances the restart
// header only after every event landed.
func (a *SinkApplier) Commit(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	header := a.uncommitted
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()

	start := time.Now()
	for i, ev := range pending {
		if err := a.publish(ctx, ev); err != nil {
			// Requeue the unpublished tail for a retried commit.
			a.mu.Lock()
			a.pending = append(pending[i:], a.pending...)
			if a.uncommitted == nil {
				a.uncommitted = header
			}
			a.mu.Unlock()
			telemetry.ApplierPublishTotal.With(a.name, "failed").Inc()
			return err
		}
		telemetry.ApplierPublishTotal.With(a.name, "success").Inc()
	}
	telemetry.ApplyDurationSeconds.With(a.name).Observe(time.Since(start).Seconds())

	if header != nil {
		a.mu.Lock()
		a.lastCommitted = header
		a.mu.Unlock()
	}
	return nil
}

// Rollback discards the open block.
func (a *SinkApplier) Rollback(ctx context.Context) error {
	a.mu.Lock()
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()
	return nil
}

// UpdatePosition advances the restart header without publishing data.
func (a *SinkApplier) UpdatePosition(ctx context.Context, h event.Header, commit, recoverable bool) error {
	a.mu.Lock()
	a.uncommitted = &h
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// LastCommitted returns the header of the most recently committed event,
// nil before the first commit.
func (a *SinkApplier) LastCommitted() *event.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCommitted
}

// Close releases the underlying sink.
func (a *SinkApplier) Close() error {
	return a.sink.Close()
}

func (a *SinkApplier) publish(ctx context.Context, ev *event.Event) error {
	value, err := msgpack.Marshal(wireEvent{
		Seqno:    ev.Seqno,
		Fragno:   ev.Fragno,
		LastFrag: ev.LastFrag,
		EventID:  ev.EventID,
		SourceID: ev.SourceID,
		Metadata: ev.Metadata,
		Payload:  ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode seqno %d: %w", ev.Seqno, err)
	}

	topic := a.buildTopic(ev)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInitial
	bo.MaxInterval = a.retryMax

	attempt := 0
	op := func() error {
		err := a.sink.Publish(ctx, topic, ev.EventID, value)
		if err != nil {
			attempt++
			telemetry.ApplierRetryTotal.With(a.name).Inc()
			log.Warn().
				Err(err).
				Str("applier", a.name).
				Str("topic", topic).
				Int("attempt", attempt).
				Msg("Failed to publish event, retrying")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, a.maxRetries), ctx)); err != nil {
		return fmt.Errorf("exhausted retries publishing seqno %d to %s: %w", ev.Seqno, topic, err)
	}
	return nil
}

func (a *SinkApplier) buildTopic(ev *event.Event) string {
	service := ev.Service()
	if service == "" {
		service = "default"
	}
	shard := ev.Shard()
	if shard == "" || shard == event.ShardUnknown {
		shard = "global"
	}
	if a.topicPrefix == "" {
		return fmt.Sprintf("%s.%s", service, shard)
	}
	return fmt.Sprintf("%s.%s.%s", a.topicPrefix, service, shard)
}
