package dispatch

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// Response is the partitioner's verdict for one event: the partition it
// routes to and whether it opens or extends a critical section that must
// be serialized against all other partitions.
type Response struct {
	Partition int
	Critical  bool
}

// Partitioner maps events to partitions. Implementations must be pure:
// the same event always yields the same response, and no external state
// is observed or mutated.
type Partitioner interface {
	Partition(ev *event.Event, taskID int) (Response, error)
}

// Factory creates a partitioner for a given partition count.
type Factory func(partitions int) (Partitioner, error)

var (
	partitionerMu        sync.RWMutex
	partitionerFactories = make(map[string]Factory)
)

// RegisterPartitioner associates a symbolic name with a partitioner
// factory. Built-in names are registered at init; callers may add their
// own before constructing a queue.
func RegisterPartitioner(name string, factory Factory) {
	partitionerMu.Lock()
	defer partitionerMu.Unlock()
	partitionerFactories[name] = factory
}

// NewPartitioner builds a partitioner by its registered name.
func NewPartitioner(name string, partitions int) (Partitioner, error) {
	partitionerMu.RLock()
	factory, ok := partitionerFactories[name]
	partitionerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown partitioner: %s", name)
	}
	return factory(partitions)
}

func init() {
	RegisterPartitioner("single", func(partitions int) (Partitioner, error) {
		return SinglePartitioner{}, nil
	})
	RegisterPartitioner("hash", func(partitions int) (Partitioner, error) {
		if partitions < 1 {
			return nil, fmt.Errorf("hash partitioner requires at least one partition, got %d", partitions)
		}
		return &HashPartitioner{partitions: partitions}, nil
	})
	RegisterPartitioner("roundrobin", func(partitions int) (Partitioner, error) {
		if partitions < 1 {
			return nil, fmt.Errorf("roundrobin partitioner requires at least one partition, got %d", partitions)
		}
		return &RoundRobinPartitioner{partitions: partitions}, nil
	})
}

// SinglePartitioner routes everything to partition 0 and never serializes.
type SinglePartitioner struct{}

func (SinglePartitioner) Partition(ev *event.Event, taskID int) (Response, error) {
	return Response{Partition: 0}, nil
}

// HashPartitioner routes by the xxhash of the event's shard key modulo the
// partition count. Events without a shard key, or tagged with the unknown
// shard marker, are critical: their execution must not overlap any other
// partition.
type HashPartitioner struct {
	partitions int
}

func (p *HashPartitioner) Partition(ev *event.Event, taskID int) (Response, error) {
	shard := ev.Shard()
	if shard == "" || shard == event.ShardUnknown {
		return Response{Partition: 0, Critical: true}, nil
	}
	part := int(xxhash.Sum64String(shard) % uint64(p.partitions))
	return Response{Partition: part}, nil
}

// RoundRobinPartitioner spreads transactions across partitions by seqno.
// Useful for workloads without a usable shard key where cross-transaction
// ordering does not matter.
type RoundRobinPartitioner struct {
	partitions int
}

func (p *RoundRobinPartitioner) Partition(ev *event.Event, taskID int) (Response, error) {
	return Response{Partition: int(ev.Seqno % uint64(p.partitions))}, nil
}
