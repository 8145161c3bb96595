package dispatch

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// CriticalSection is a contiguous range of seqnos whose partitioner marked
// them critical, all routed to one partition. While a section is active no
// other partition may deliver events ordered at or after its start.
type CriticalSection struct {
	Partition  int
	StartSeqno uint64
	EndSeqno   uint64
}

// csGate tracks pending critical sections and blocks foreign partitions
// until the owning partition has drained the section and all others have
// drained everything ordered before it.
//
// Lock order across the package is fixed: the seqno counter is always
// taken before the gate. Readers wait on the counter for the section end
// first, then on the gate for retirement.
type csGate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	max        int
	partitions int
	sections   []CriticalSection
	ownerDone  bool

	// low returns the lowest seqno a partition might still deliver,
	// or math.MaxUint64 when it has nothing pending.
	low func(taskID int) uint64
}

func newCSGate(partitions, max int, low func(taskID int) uint64) *csGate {
	g := &csGate{max: max, partitions: partitions, low: low}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// enqueue appends a closed critical section. A full section queue is fatal
// and indicates mis-sized buffers.
func (g *csGate) enqueue(cs CriticalSection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sections) >= g.max {
		return fmt.Errorf("critical section queue full (max %d): %w", g.max, ErrInvariant)
	}
	g.sections = append(g.sections, cs)
	g.cond.Broadcast()
	return nil
}

// pending returns the number of sections awaiting retirement.
func (g *csGate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sections)
}

// beforeDeliver blocks the caller while the head section gates the given
// data event: foreign partitions may not deliver anything ordered at or
// after the section start until it retires.
func (g *csGate) beforeDeliver(ctx context.Context, taskID int, seqno uint64, head *SeqnoCounter) error {
	for {
		g.mu.Lock()
		if len(g.sections) == 0 {
			g.mu.Unlock()
			return nil
		}
		cs := g.sections[0]
		g.mu.Unlock()

		if cs.Partition == taskID || seqno < cs.StartSeqno {
			return nil
		}

		// Counter before gate: wait for the producer to move past the
		// section end, then for the section to retire.
		if _, err := head.WaitUntil(ctx, cs.EndSeqno); err != nil {
			return err
		}
		if err := g.waitRetired(ctx, cs); err != nil {
			return err
		}
	}
}

// waitRetired blocks until cs is no longer the head section.
func (g *csGate) waitRetired(ctx context.Context, cs CriticalSection) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.sections) > 0 && g.sections[0] == cs {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// delivered records that a partition handed a data event to its consumer
// and retires the head section when its conditions are met: the owner has
// delivered the section end and every other partition has drained all
// events ordered before the section start.
func (g *csGate) delivered(taskID int, seqno uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sections) == 0 {
		return
	}
	cs := g.sections[0]
	if taskID == cs.Partition && seqno >= cs.EndSeqno {
		g.ownerDone = true
	}
	g.tryRetireLocked()
}

func (g *csGate) tryRetireLocked() {
	if len(g.sections) == 0 || !g.ownerDone {
		return
	}
	cs := g.sections[0]
	for q := 0; q < g.partitions; q++ {
		if q == cs.Partition {
			continue
		}
		if g.low(q) < cs.StartSeqno {
			return
		}
	}
	g.sections = g.sections[1:]
	g.ownerDone = false
	g.cond.Broadcast()
}

// lowNone is the low-watermark value of a partition with nothing pending.
const lowNone = uint64(math.MaxUint64)
