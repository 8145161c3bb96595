package applier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tejeswarp/tungsten-replicator/event"
)

func sinkEvent(seqno uint64, shard string) *event.Event {
	return &event.Event{
		Seqno:    seqno,
		LastFrag: true,
		EventID:  fmt.Sprintf("binlog.000001:%d", seqno),
		SourceID: "alpha",
		Metadata: map[string]string{
			event.OptionService: "east",
			event.OptionShard:   shard,
		},
		Payload: []byte("statement"),
	}
}

func newMockApplier(t *testing.T, sink *MockSink) *SinkApplier {
	t.Helper()
	a, err := NewSinkApplier(SinkApplierConfig{
		Name:         "test",
		Sink:         sink,
		TopicPrefix:  "repl",
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   5,
	})
	require.NoError(t, err)
	return a
}

func TestSinkApplierBlockBuffering(t *testing.T) {
	sink := &MockSink{}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, sinkEvent(1, "users"), false, false, false))
	require.NoError(t, a.Apply(ctx, sinkEvent(2, "users"), false, false, false))
	assert.Empty(t, sink.Messages(), "nothing published before commit")
	assert.Nil(t, a.LastCommitted())

	require.NoError(t, a.Apply(ctx, sinkEvent(3, "users"), true, false, false))

	msgs := sink.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "repl.east.users", msgs[0].Topic)

	var w wireEvent
	require.NoError(t, msgpack.Unmarshal(msgs[0].Value, &w))
	assert.Equal(t, uint64(1), w.Seqno)
	assert.Equal(t, "statement", string(w.Payload))

	last := a.LastCommitted()
	require.NotNil(t, last)
	assert.Equal(t, uint64(3), last.Seqno)
}

func TestSinkApplierRollbackDropsTransaction(t *testing.T) {
	sink := &MockSink{}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, sinkEvent(1, "users"), false, false, false))
	// The same transaction rolls back: its fragments must not publish.
	require.NoError(t, a.Apply(ctx, sinkEvent(1, "users"), true, true, false))

	assert.Empty(t, sink.Messages())
	last := a.LastCommitted()
	require.NotNil(t, last)
	assert.Equal(t, uint64(1), last.Seqno)
}

func TestSinkApplierExplicitRollback(t *testing.T) {
	sink := &MockSink{}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, sinkEvent(1, "users"), false, false, false))
	require.NoError(t, a.Rollback(ctx))
	require.NoError(t, a.Commit(ctx))

	assert.Empty(t, sink.Messages())
	assert.Nil(t, a.LastCommitted())
}

func TestSinkApplierRetriesTransientFailures(t *testing.T) {
	sink := &MockSink{FailCount: 2}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, sinkEvent(1, "users"), true, false, false))
	require.Len(t, sink.Messages(), 1)
	assert.GreaterOrEqual(t, sink.Attempts, 3)
}

func TestSinkApplierExhaustedRetriesKeepBlock(t *testing.T) {
	sink := &MockSink{FailCount: 100}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	err := a.Apply(ctx, sinkEvent(1, "users"), true, false, false)
	require.Error(t, err)
	assert.Nil(t, a.LastCommitted())

	// A later commit retries the requeued block.
	sink.mu.Lock()
	sink.FailCount = 0
	sink.mu.Unlock()
	require.NoError(t, a.Commit(ctx))
	assert.Len(t, sink.Messages(), 1)
}

func TestSinkApplierFilteredRangePositionOnly(t *testing.T) {
	sink := &MockSink{}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	fr := event.FilteredRange{
		First: event.Header{Seqno: 4},
		Last:  event.Header{Seqno: 6, LastFrag: true},
	}
	require.NoError(t, a.ApplyFiltered(ctx, fr, true, false))

	assert.Empty(t, sink.Messages())
	last := a.LastCommitted()
	require.NotNil(t, last)
	assert.Equal(t, uint64(6), last.Seqno)
}

func TestSinkApplierTopicFallbacks(t *testing.T) {
	sink := &MockSink{}
	a := newMockApplier(t, sink)
	ctx := context.Background()

	ev := &event.Event{Seqno: 1, LastFrag: true, Payload: []byte("x")}
	require.NoError(t, a.Apply(ctx, ev, true, false, false))

	msgs := sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "repl.default.global", msgs[0].Topic)
}

func TestKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := New(cfgApplier("mystery"))
	assert.Error(t, err)
}
