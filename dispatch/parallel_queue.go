package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// WatchPredicate matches event headers. A matched predicate triggers a
// SYNC broadcast and is removed.
type WatchPredicate func(h event.Header) bool

// Config sizes a parallel dispatch queue.
type Config struct {
	Partitions          int
	MaxSize             int    // per-partition data queue capacity
	MaxControlEvents    int    // per-partition control queue capacity
	MaxCriticalSections int    // critical-section queue capacity
	SyncEnabled         bool   // generate SYNC controls at intervals
	SyncInterval        int    // transactions between automatic SYNCs
	Partitioner         string // registered partitioner name
}

// DefaultConfig mirrors the sizing a standalone replicator ships with.
func DefaultConfig(partitions int) Config {
	return Config{
		Partitions:          partitions,
		MaxSize:             100,
		MaxControlEvents:    1000,
		MaxCriticalSections: 1000,
		SyncEnabled:         true,
		SyncInterval:        2000,
		Partitioner:         "hash",
	}
}

// ParallelQueue fans a single totally-ordered event stream out to N
// partition readers. It is single-producer: exactly one goroutine calls
// Put, in upstream commit order. Each partition has exactly one consumer
// calling Get.
//
// Shard-affecting events form critical sections that are serialized
// globally: while a section is pending, no other partition delivers work
// ordered at or after the section start.
type ParallelQueue struct {
	cfg         Config
	partitioner Partitioner
	head        *SeqnoCounter
	gate        *csGate
	readers     []*readTask

	mu            sync.Mutex
	pendingCS     *CriticalSection
	watches       []WatchPredicate
	stopRequested bool
	lastInserted  *event.Event
	lastHeaders   []*event.Header
	syncCounter   int

	transactionCount   uint64
	serializationCount uint64
	discardCount       uint64
}

// NewParallelQueue builds the queue and its per-partition readers.
func NewParallelQueue(cfg Config) (*ParallelQueue, error) {
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("partition count must be at least 1, got %d", cfg.Partitions)
	}
	if cfg.MaxSize < 1 || cfg.MaxControlEvents < 1 || cfg.MaxCriticalSections < 1 {
		return nil, fmt.Errorf("queue capacities must be at least 1")
	}
	name := cfg.Partitioner
	if name == "" {
		name = "hash"
	}
	partitioner, err := NewPartitioner(name, cfg.Partitions)
	if err != nil {
		return nil, err
	}

	q := &ParallelQueue{
		cfg:         cfg,
		partitioner: partitioner,
		head:        NewSeqnoCounter(),
		lastHeaders: make([]*event.Header, cfg.Partitions),
		syncCounter: 1,
	}
	q.gate = newCSGate(cfg.Partitions, cfg.MaxCriticalSections, func(taskID int) uint64 {
		return q.readers[taskID].low()
	})
	q.readers = make([]*readTask, cfg.Partitions)
	for i := range q.readers {
		q.readers[i] = newReadTask(i, partitioner, q.head, q.gate, cfg.MaxSize, cfg.MaxControlEvents)
	}

	log.Info().
		Int("partitions", cfg.Partitions).
		Int("max_size", cfg.MaxSize).
		Str("partitioner", name).
		Msg("Parallel dispatch queue initialized")
	return q, nil
}

// Partitions returns the fan-out width.
func (q *ParallelQueue) Partitions() int {
	return q.cfg.Partitions
}

// HeadSeqno returns the current head watermark.
func (q *ParallelQueue) HeadSeqno() uint64 {
	return q.head.Get()
}

// Put ingests the next upstream event. Events must arrive with strictly
// increasing (seqno, fragno) tuples; a seqno regress is an invariant
// failure. Put blocks while the target reader queue is full and returns
// the context error on cancellation.
func (q *ParallelQueue) Put(ctx context.Context, ev *event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lastInserted != nil && ev.Seqno < q.lastInserted.Seqno {
		return fmt.Errorf("seqno moved backward: got %d after %d: %w",
			ev.Seqno, q.lastInserted.Seqno, ErrInvariant)
	}

	if ev.LastFrag {
		q.transactionCount++
		telemetry.TransactionsTotal.Inc()
	}

	// Empty events carry no work; they only advance the watermark.
	if ev.Empty() {
		q.discardCount++
		telemetry.DiscardsTotal.Inc()
		q.head.Set(ev.Seqno)
		return nil
	}

	resp, err := q.partitioner.Partition(ev, -1)
	if err != nil {
		return fmt.Errorf("partitioner failed on seqno %d: %w", ev.Seqno, err)
	}
	if resp.Partition < 0 || resp.Partition >= q.cfg.Partitions {
		return fmt.Errorf("partition %d out of range [0,%d): %w",
			resp.Partition, q.cfg.Partitions, ErrInvariant)
	}

	if err := q.trackCriticalSection(ev, resp); err != nil {
		return err
	}

	if err := q.readers[resp.Partition].putEvent(ctx, ev); err != nil {
		return err
	}

	q.head.Set(ev.Seqno)
	telemetry.HeadSeqno.Set(float64(ev.Seqno))
	q.lastInserted = ev

	return q.injectControls(ctx, ev)
}

// trackCriticalSection advances the critical-section state machine for
// one partitioned event.
func (q *ParallelQueue) trackCriticalSection(ev *event.Event, resp Response) error {
	if resp.Critical {
		q.serializationCount++
		telemetry.SerializationsTotal.Inc()
		switch {
		case q.pendingCS == nil:
			// A critical section is starting.
			q.pendingCS = &CriticalSection{
				Partition:  resp.Partition,
				StartSeqno: ev.Seqno,
				EndSeqno:   ev.Seqno,
			}
		case q.pendingCS.Partition == resp.Partition:
			// Continuing in the same section.
			q.pendingCS.EndSeqno = ev.Seqno
		default:
			// Switching sections: close the previous one and open a new
			// one on the event's partition.
			if err := q.gate.enqueue(*q.pendingCS); err != nil {
				return err
			}
			q.pendingCS = &CriticalSection{
				Partition:  resp.Partition,
				StartSeqno: ev.Seqno,
				EndSeqno:   ev.Seqno,
			}
		}
		return nil
	}
	if q.pendingCS != nil {
		// Back to non-critical processing; close the open section.
		if err := q.gate.enqueue(*q.pendingCS); err != nil {
			return err
		}
		q.pendingCS = nil
	}
	return nil
}

// injectControls evaluates the post-event control predicates. All of them
// fire only at transaction boundaries.
func (q *ParallelQueue) injectControls(ctx context.Context, ev *event.Event) error {
	if !ev.LastFrag {
		return nil
	}

	if q.stopRequested {
		if err := q.broadcastControl(ctx, event.ControlStop, ev); err != nil {
			return err
		}
		q.stopRequested = false
	}

	needsSync := false
	if len(q.watches) > 0 {
		h := ev.Header()
		remaining := q.watches[:0]
		for _, w := range q.watches {
			if w(h) {
				needsSync = true
			} else {
				remaining = append(remaining, w)
			}
		}
		q.watches = remaining
	}

	if q.cfg.SyncEnabled {
		if q.syncCounter >= q.cfg.SyncInterval {
			needsSync = true
			q.syncCounter = 1
		} else {
			q.syncCounter++
		}
	}

	if !needsSync && ev.HasOption(event.OptionHeartbeat) {
		needsSync = true
	}

	if needsSync {
		return q.broadcastControl(ctx, event.ControlSync, ev)
	}
	return nil
}

// broadcastControl pushes a control into every reader's control queue.
// Ordering across readers is not synchronized, but each reader sees
// controls in broadcast order.
func (q *ParallelQueue) broadcastControl(ctx context.Context, kind event.ControlKind, ev *event.Event) error {
	seqno := q.head.Get()
	var header *event.Header
	if ev != nil {
		seqno = ev.Seqno
		h := ev.Header()
		header = &h
	}
	telemetry.ControlEventsTotal.With(kind.String()).Inc()
	for _, r := range q.readers {
		c := &event.Control{Kind: kind, Seqno: seqno, Header: header}
		if err := r.putControl(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Get removes and returns the next event for a partition, blocking while
// its queues are empty or a foreign critical section holds it back.
func (q *ParallelQueue) Get(ctx context.Context, taskID int) (event.Replicated, error) {
	if err := q.checkTaskID(taskID); err != nil {
		return nil, err
	}
	return q.readers[taskID].get(ctx)
}

// Peek returns the next event for a partition without removing it, nil
// when nothing is queued.
func (q *ParallelQueue) Peek(taskID int) (event.Replicated, error) {
	if err := q.checkTaskID(taskID); err != nil {
		return nil, err
	}
	return q.readers[taskID].peek(), nil
}

// Size returns the number of queued events for a partition.
func (q *ParallelQueue) Size(taskID int) int {
	if taskID < 0 || taskID >= len(q.readers) {
		return 0
	}
	return q.readers[taskID].size()
}

// InsertStopEvent broadcasts a STOP control at the next transaction
// boundary. If the stream is already at a boundary the broadcast happens
// immediately.
func (q *ParallelQueue) InsertStopEvent(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastInserted == nil || q.lastInserted.LastFrag {
		return q.broadcastControl(ctx, event.ControlStop, q.lastInserted)
	}
	q.stopRequested = true
	return nil
}

// InsertWatchSyncEvent registers a header predicate. The first matching
// transaction boundary triggers a SYNC broadcast and removes it.
func (q *ParallelQueue) InsertWatchSyncEvent(pred WatchPredicate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.watches = append(q.watches, pred)
}

// SetLastHeader records the restart header a task last processed.
func (q *ParallelQueue) SetLastHeader(taskID int, h event.Header) error {
	if err := q.checkTaskID(taskID); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastHeaders[taskID] = &h
	return nil
}

// LastHeader returns the restart header a task last processed, nil when
// none has been recorded.
func (q *ParallelQueue) LastHeader(taskID int) (*event.Header, error) {
	if err := q.checkTaskID(taskID); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastHeaders[taskID], nil
}

// Status returns a point-in-time snapshot of queue state.
func (q *ParallelQueue) Status() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	criticalPartition := -1
	if q.pendingCS != nil {
		criticalPartition = q.pendingCS.Partition
	}

	status := map[string]any{
		"head_seqno":          q.head.Get(),
		"max_size":            q.cfg.MaxSize,
		"event_count":         q.transactionCount,
		"discard_count":       q.discardCount,
		"queues":              q.cfg.Partitions,
		"sync_enabled":        q.cfg.SyncEnabled,
		"sync_interval":       q.cfg.SyncInterval,
		"serialized":          q.pendingCS != nil,
		"serialization_count": q.serializationCount,
		"stop_requested":      q.stopRequested,
		"critical_partition":  criticalPartition,
	}
	for i, r := range q.readers {
		status["store."+strconv.Itoa(i)] = r.String()
		telemetry.QueueDepth.With(strconv.Itoa(i)).Set(float64(r.size()))
	}
	return status
}

func (q *ParallelQueue) checkTaskID(taskID int) error {
	if taskID < 0 || taskID >= q.cfg.Partitions {
		return fmt.Errorf("task id %d out of range, must be less than %d: %w",
			taskID, q.cfg.Partitions, ErrInvariant)
	}
	return nil
}
