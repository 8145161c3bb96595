// Package thl implements the transaction history log: a durable, ordered
// record of replicated events keyed by (seqno, fragno), plus the restart
// headers of the tasks consuming it.
package thl

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixEvent  = "/thl/"    // /thl/{16-hex-seqno}/{8-hex-fragno}
	prefixHeader = "/thlhdr/" // /thlhdr/{taskID}
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// record is the on-disk encoding of one event. The payload is stored
// s2-compressed.
type record struct {
	Seqno    uint64            `msgpack:"seq"`
	Fragno   uint32            `msgpack:"frag"`
	LastFrag bool              `msgpack:"last"`
	EventID  string            `msgpack:"id"`
	SourceID string            `msgpack:"src"`
	Metadata map[string]string `msgpack:"meta"`
	Payload  []byte            `msgpack:"payload"`
}

// Log is a Pebble-backed transaction history log.
type Log struct {
	db     *pebble.DB
	closed atomic.Bool
}

// Open opens or creates a log at the given path.
func Open(path string) (*Log, error) {
	return open(path, nil)
}

// OpenMem opens an in-memory log, used by tests and ephemeral pipelines.
func OpenMem() (*Log, error) {
	return open("", vfs.NewMem())
}

func open(path string, fs vfs.FS) (*Log, error) {
	opts := &pebble.Options{
		// Optimized for sequential appends
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}
	if fs != nil {
		opts.FS = fs
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open thl at %s: %w", path, err)
	}
	return &Log{db: db}, nil
}

func eventKey(seqno uint64, fragno uint32) []byte {
	return []byte(fmt.Sprintf("%s%016x/%08x", prefixEvent, seqno, fragno))
}

func headerKey(taskID int) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixHeader, taskID))
}

func encodeEvent(ev *event.Event) ([]byte, error) {
	rec := record{
		Seqno:    ev.Seqno,
		Fragno:   ev.Fragno,
		LastFrag: ev.LastFrag,
		EventID:  ev.EventID,
		SourceID: ev.SourceID,
		Metadata: ev.Metadata,
		Payload:  s2.Encode(nil, ev.Payload),
	}
	return msgpack.Marshal(rec)
}

func decodeEvent(data []byte) (*event.Event, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode thl record: %w", err)
	}
	payload, err := s2.Decode(nil, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress thl payload: %w", err)
	}
	return &event.Event{
		Seqno:    rec.Seqno,
		Fragno:   rec.Fragno,
		LastFrag: rec.LastFrag,
		EventID:  rec.EventID,
		SourceID: rec.SourceID,
		Metadata: rec.Metadata,
		Payload:  payload,
	}, nil
}

// Append stores one event. Transaction boundaries are synced to make the
// committed prefix durable.
func (l *Log) Append(ev *event.Event) error {
	if l.closed.Load() {
		return fmt.Errorf("thl is closed")
	}
	val, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	opts := pebble.NoSync
	if ev.LastFrag {
		opts = pebble.Sync
	}
	if err := l.db.Set(eventKey(ev.Seqno, ev.Fragno), val, opts); err != nil {
		return fmt.Errorf("failed to append seqno %d: %w", ev.Seqno, err)
	}
	telemetry.ThlAppendsTotal.Inc()
	telemetry.ThlBytesTotal.Add(float64(len(val)))
	return nil
}

// AppendBatch stores a group of events atomically with a single sync.
func (l *Log) AppendBatch(evs []*event.Event) error {
	if l.closed.Load() {
		return fmt.Errorf("thl is closed")
	}
	if len(evs) == 0 {
		return nil
	}
	batch := l.db.NewBatch()
	defer batch.Close()
	var bytes int
	for _, ev := range evs {
		val, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		if err := batch.Set(eventKey(ev.Seqno, ev.Fragno), val, nil); err != nil {
			return err
		}
		bytes += len(val)
	}
	if err := l.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("failed to apply thl batch: %w", err)
	}
	telemetry.ThlAppendsTotal.Add(float64(len(evs)))
	telemetry.ThlBytesTotal.Add(float64(bytes))
	return nil
}

// ReadFrom returns up to limit events with seqno >= from, in key order.
func (l *Log) ReadFrom(from uint64, limit int) ([]*event.Event, error) {
	return l.read(eventKey(from, 0), limit)
}

// ReadAfter returns up to limit events ordered strictly after the given
// (seqno, fragno) position.
func (l *Log) ReadAfter(seqno uint64, fragno uint32, limit int) ([]*event.Event, error) {
	lower := append(eventKey(seqno, fragno), 0)
	return l.read(lower, limit)
}

func (l *Log) read(lower []byte, limit int) ([]*event.Event, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("thl is closed")
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: []byte(prefixEvent + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open thl iterator: %w", err)
	}
	defer iter.Close()

	var out []*event.Event
	for valid := iter.First(); valid && len(out) < limit; valid = iter.Next() {
		ev, err := decodeEvent(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	telemetry.ThlReadsTotal.Add(float64(len(out)))
	return out, nil
}

// MinStoredSeqno returns the lowest stored seqno, 0 when the log is empty.
func (l *Log) MinStoredSeqno() (uint64, error) {
	return l.boundarySeqno(true)
}

// MaxStoredSeqno returns the highest stored seqno, 0 when the log is empty.
func (l *Log) MaxStoredSeqno() (uint64, error) {
	return l.boundarySeqno(false)
}

func (l *Log) boundarySeqno(min bool) (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixEvent),
		UpperBound: []byte(prefixEvent + "\xff"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open thl iterator: %w", err)
	}
	defer iter.Close()

	var valid bool
	if min {
		valid = iter.First()
	} else {
		valid = iter.Last()
	}
	if !valid {
		return 0, nil
	}
	ev, err := decodeEvent(iter.Value())
	if err != nil {
		return 0, err
	}
	return ev.Seqno, nil
}

// SetLastHeader persists the restart header for a task.
func (l *Log) SetLastHeader(taskID int, h event.Header) error {
	val, err := msgpack.Marshal(h)
	if err != nil {
		return err
	}
	if err := l.db.Set(headerKey(taskID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist restart header for task %d: %w", taskID, err)
	}
	return nil
}

// LastHeader returns the persisted restart header for a task, nil when
// the task has never committed.
func (l *Log) LastHeader(taskID int) (*event.Header, error) {
	val, closer, err := l.db.Get(headerKey(taskID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read restart header for task %d: %w", taskID, err)
	}
	defer closer.Close()

	var h event.Header
	if err := msgpack.Unmarshal(val, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Close releases the underlying store.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
