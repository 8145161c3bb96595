package dispatch

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejeswarp/tungsten-replicator/event"
)

func init() {
	// Routes by the "part" metadata key and serializes on "critical".
	// Pure by construction, which keeps producer and reader in agreement.
	RegisterPartitioner("test-metadata", func(partitions int) (Partitioner, error) {
		return partitionFunc(func(ev *event.Event, taskID int) (Response, error) {
			part := 0
			if v, ok := ev.Option("part"); ok {
				p, err := strconv.Atoi(v)
				if err != nil {
					return Response{}, err
				}
				part = p
			}
			return Response{Partition: part, Critical: ev.HasOption("critical")}, nil
		}), nil
	})
}

func testConfig(partitions int) Config {
	c := DefaultConfig(partitions)
	c.Partitioner = "test-metadata"
	return c
}

func routedEvent(seqno uint64, part int, critical bool) *event.Event {
	meta := map[string]string{"part": strconv.Itoa(part)}
	if critical {
		meta["critical"] = "true"
	}
	return &event.Event{
		Seqno:    seqno,
		LastFrag: true,
		EventID:  "binlog.000001:" + strconv.FormatUint(seqno, 10),
		Metadata: meta,
		Payload:  []byte("x"),
	}
}

func TestQueueEmptyPayloadDiscarded(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)
	ctx := context.Background()

	ev := &event.Event{Seqno: 10, Fragno: 0, LastFrag: true}
	require.NoError(t, q.Put(ctx, ev))

	status := q.Status()
	assert.Equal(t, uint64(1), status["discard_count"])
	assert.Equal(t, uint64(10), status["head_seqno"])

	// No reader received a data event.
	for i := 0; i < 2; i++ {
		peeked, err := q.Peek(i)
		require.NoError(t, err)
		assert.Nil(t, peeked)
	}
}

func TestQueueRoutesByPartition(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(1, 0, false)))
	require.NoError(t, q.Put(ctx, routedEvent(2, 1, false)))
	require.NoError(t, q.Put(ctx, routedEvent(3, 0, false)))

	got, err := q.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ReplSeqno())

	got, err = q.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.ReplSeqno())

	got, err = q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ReplSeqno())
}

func TestQueuePerReaderOrderPreserved(t *testing.T) {
	q, err := NewParallelQueue(testConfig(3))
	require.NoError(t, err)
	ctx := context.Background()

	// Interleave partitions; per-reader order must match insert order.
	var want [3][]uint64
	for seqno := uint64(1); seqno <= 60; seqno++ {
		part := int(seqno*7) % 3
		require.NoError(t, q.Put(ctx, routedEvent(seqno, part, false)))
		want[part] = append(want[part], seqno)
	}

	for part := 0; part < 3; part++ {
		var got []uint64
		for range want[part] {
			ev, err := q.Get(ctx, part)
			require.NoError(t, err)
			got = append(got, ev.ReplSeqno())
		}
		assert.Equal(t, want[part], got, "partition %d order", part)
	}
}

func TestQueueCriticalSectionSerializes(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(1, 0, false)))
	require.NoError(t, q.Put(ctx, routedEvent(2, 1, true)))
	require.NoError(t, q.Put(ctx, routedEvent(3, 0, false)))

	// Reader 0 gets its pre-section event immediately.
	got, err := q.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ReplSeqno())

	// Reader 0 must block on seqno 3 until reader 1 drains the section.
	resultCh := make(chan uint64, 1)
	go func() {
		ev, err := q.Get(ctx, 0)
		if err == nil {
			resultCh <- ev.ReplSeqno()
		}
	}()

	select {
	case seqno := <-resultCh:
		t.Fatalf("seqno %d delivered before the critical section drained", seqno)
	case <-time.After(100 * time.Millisecond):
	}

	got, err = q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ReplSeqno())

	select {
	case seqno := <-resultCh:
		assert.Equal(t, uint64(3), seqno)
	case <-time.After(2 * time.Second):
		t.Fatal("seqno 3 never delivered after the critical section drained")
	}
}

func TestQueueSyncInterval(t *testing.T) {
	config := testConfig(2)
	config.SyncInterval = 3
	q, err := NewParallelQueue(config)
	require.NoError(t, err)
	ctx := context.Background()

	for seqno := uint64(1); seqno <= 4; seqno++ {
		require.NoError(t, q.Put(ctx, routedEvent(seqno, 0, false)))
	}

	// Reader 0: data 1..3, then the SYNC at seqno 3, then data 4.
	var kinds []string
	for i := 0; i < 5; i++ {
		got, err := q.Get(ctx, 0)
		require.NoError(t, err)
		switch e := got.(type) {
		case *event.Event:
			kinds = append(kinds, "data:"+strconv.FormatUint(e.Seqno, 10))
		case *event.Control:
			kinds = append(kinds, e.Kind.String()+":"+strconv.FormatUint(e.Seqno, 10))
		}
	}
	assert.Equal(t, []string{"data:1", "data:2", "data:3", "SYNC:3", "data:4"}, kinds)

	// Reader 1 received exactly the SYNC.
	got, err := q.Get(ctx, 1)
	require.NoError(t, err)
	ctrl, ok := got.(*event.Control)
	require.True(t, ok)
	assert.Equal(t, event.ControlSync, ctrl.Kind)
	assert.Equal(t, uint64(3), ctrl.Seqno)
	assert.Equal(t, 0, q.Size(1))
}

func TestQueueHeartbeatForcesSync(t *testing.T) {
	config := testConfig(2)
	config.SyncInterval = 1000000
	q, err := NewParallelQueue(config)
	require.NoError(t, err)
	ctx := context.Background()

	ev := routedEvent(1, 0, false)
	ev.Metadata[event.OptionHeartbeat] = "hb-1"
	require.NoError(t, q.Put(ctx, ev))

	got, err := q.Get(ctx, 1)
	require.NoError(t, err)
	ctrl, ok := got.(*event.Control)
	require.True(t, ok)
	assert.Equal(t, event.ControlSync, ctrl.Kind)
	assert.Equal(t, uint64(1), ctrl.Seqno)
}

func TestQueueWatchPredicateSync(t *testing.T) {
	config := testConfig(1)
	config.SyncInterval = 1000000
	q, err := NewParallelQueue(config)
	require.NoError(t, err)
	ctx := context.Background()

	q.InsertWatchSyncEvent(func(h event.Header) bool { return h.Seqno >= 2 })

	require.NoError(t, q.Put(ctx, routedEvent(1, 0, false)))
	require.NoError(t, q.Put(ctx, routedEvent(2, 0, false)))
	require.NoError(t, q.Put(ctx, routedEvent(3, 0, false)))

	var controls []uint64
	for i := 0; i < 4; i++ {
		got, err := q.Get(ctx, 0)
		require.NoError(t, err)
		if c, ok := got.(*event.Control); ok {
			controls = append(controls, c.Seqno)
			assert.Equal(t, event.ControlSync, c.Kind)
		}
	}
	// Matched at seqno 2 and removed: exactly one SYNC.
	assert.Equal(t, []uint64{2}, controls)
}

func TestQueueStopAtTransactionBoundary(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)
	ctx := context.Background()

	// Mid-transaction stop request is deferred to the closing fragment.
	frag0 := routedEvent(1, 0, false)
	frag0.LastFrag = false
	require.NoError(t, q.Put(ctx, frag0))
	require.NoError(t, q.InsertStopEvent(ctx))

	status := q.Status()
	assert.Equal(t, true, status["stop_requested"])

	frag1 := routedEvent(1, 0, false)
	frag1.Fragno = 1
	require.NoError(t, q.Put(ctx, frag1))

	// Both readers got the STOP at seqno 1.
	for part := 0; part < 2; part++ {
		var stop *event.Control
		for stop == nil {
			got, err := q.Get(ctx, part)
			require.NoError(t, err)
			if c, ok := got.(*event.Control); ok {
				require.Equal(t, event.ControlStop, c.Kind)
				stop = c
			}
		}
		assert.Equal(t, uint64(1), stop.Seqno)
	}
	assert.Equal(t, false, q.Status()["stop_requested"])
}

func TestQueueImmediateStopAtBoundary(t *testing.T) {
	q, err := NewParallelQueue(testConfig(1))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(5, 0, false)))
	require.NoError(t, q.InsertStopEvent(ctx))

	got, err := q.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.ReplSeqno())

	got, err = q.Get(ctx, 0)
	require.NoError(t, err)
	ctrl, ok := got.(*event.Control)
	require.True(t, ok)
	assert.Equal(t, event.ControlStop, ctrl.Kind)
	assert.Equal(t, uint64(5), ctrl.Seqno)
}

func TestQueueSeqnoRegressIsInvariantFailure(t *testing.T) {
	q, err := NewParallelQueue(testConfig(1))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(5, 0, false)))
	err = q.Put(ctx, routedEvent(4, 0, false))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestQueueTaskIDOutOfRange(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)

	_, err = q.Get(context.Background(), 2)
	assert.ErrorIs(t, err, ErrInvariant)
	_, err = q.Peek(-1)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestQueueBackpressureBlocksProducer(t *testing.T) {
	config := testConfig(1)
	config.MaxSize = 1
	q, err := NewParallelQueue(config)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(1, 0, false)))

	putDone := make(chan error, 1)
	go func() {
		putDone <- q.Put(ctx, routedEvent(2, 0, false))
	}()

	select {
	case <-putDone:
		t.Fatal("put must block while the reader queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = q.Get(ctx, 0)
	require.NoError(t, err)

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("put never unblocked after a get")
	}
}

func TestQueueGetCancellable(t *testing.T) {
	q, err := NewParallelQueue(testConfig(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx, 0)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("get did not observe cancellation")
	}
}

func TestQueueStatusSnapshot(t *testing.T) {
	config := testConfig(2)
	config.SyncInterval = 100
	q, err := NewParallelQueue(config)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, routedEvent(1, 0, false)))
	require.NoError(t, q.Put(ctx, routedEvent(2, 1, true)))

	status := q.Status()
	assert.Equal(t, uint64(2), status["head_seqno"])
	assert.Equal(t, config.MaxSize, status["max_size"])
	assert.Equal(t, uint64(2), status["event_count"])
	assert.Equal(t, uint64(0), status["discard_count"])
	assert.Equal(t, 2, status["queues"])
	assert.Equal(t, true, status["sync_enabled"])
	assert.Equal(t, 100, status["sync_interval"])
	assert.Equal(t, true, status["serialized"])
	assert.Equal(t, uint64(1), status["serialization_count"])
	assert.Equal(t, false, status["stop_requested"])
	assert.Equal(t, 1, status["critical_partition"])
	assert.Contains(t, status, "store.0")
	assert.Contains(t, status, "store.1")
}

func TestQueueLastHeaders(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)

	h, err := q.LastHeader(0)
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, q.SetLastHeader(0, event.Header{Seqno: 9, EventID: "e9"}))
	h, err = q.LastHeader(0)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, uint64(9), h.Seqno)

	assert.Error(t, q.SetLastHeader(5, event.Header{}))
}

func TestQueueExtendedCriticalSection(t *testing.T) {
	q, err := NewParallelQueue(testConfig(2))
	require.NoError(t, err)
	ctx := context.Background()

	// Two consecutive critical events on the same partition extend one
	// section rather than opening a second.
	require.NoError(t, q.Put(ctx, routedEvent(1, 1, true)))
	require.NoError(t, q.Put(ctx, routedEvent(2, 1, true)))
	require.NoError(t, q.Put(ctx, routedEvent(3, 0, false)))

	// Reader 0 blocks until reader 1 drains both critical events.
	resultCh := make(chan uint64, 1)
	go func() {
		ev, err := q.Get(ctx, 0)
		if err == nil {
			resultCh <- ev.ReplSeqno()
		}
	}()

	got, err := q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ReplSeqno())

	select {
	case seqno := <-resultCh:
		t.Fatalf("seqno %d delivered while the section was still open", seqno)
	case <-time.After(100 * time.Millisecond):
	}

	got, err = q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ReplSeqno())

	select {
	case seqno := <-resultCh:
		assert.Equal(t, uint64(3), seqno)
	case <-time.After(2 * time.Second):
		t.Fatal("seqno 3 never delivered")
	}
}
