package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// readTask owns the bounded event and control queues for one partition
// and serves exactly one consumer. The dispatch queue is the only
// producer; puts block when a queue is full.
type readTask struct {
	taskID      int
	partitioner Partitioner
	head        *SeqnoCounter
	gate        *csGate
	maxSize     int
	maxControl  int

	mu   sync.Mutex
	cond *sync.Cond
	data []*event.Event
	ctrl []*event.Control

	accepted  uint64
	delivered uint64
	lastSeqno uint64
}

func newReadTask(taskID int, partitioner Partitioner, head *SeqnoCounter, gate *csGate, maxSize, maxControl int) *readTask {
	r := &readTask{
		taskID:      taskID,
		partitioner: partitioner,
		head:        head,
		gate:        gate,
		maxSize:     maxSize,
		maxControl:  maxControl,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// putEvent enqueues a data event routed to this partition, blocking while
// the data queue is full. Events the partitioner assigns elsewhere are
// dropped; the dispatch queue routes each event to exactly one reader, so
// a mismatch here means the partitioner is not pure.
func (r *readTask) putEvent(ctx context.Context, ev *event.Event) error {
	resp, err := r.partitioner.Partition(ev, r.taskID)
	if err != nil {
		return err
	}
	if resp.Partition != r.taskID {
		log.Debug().
			Int("task_id", r.taskID).
			Int("partition", resp.Partition).
			Uint64("seqno", ev.Seqno).
			Msg("Dropping event routed to another partition")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.data) >= r.maxSize {
		if err := r.waitLocked(ctx); err != nil {
			return err
		}
	}
	r.data = append(r.data, ev)
	r.accepted++
	r.cond.Broadcast()
	return nil
}

// putControl enqueues a control event unconditionally, blocking while the
// control queue is full.
func (r *readTask) putControl(ctx context.Context, c *event.Control) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.ctrl) >= r.maxControl {
		if err := r.waitLocked(ctx); err != nil {
			return err
		}
	}
	r.ctrl = append(r.ctrl, c)
	r.cond.Broadcast()
	return nil
}

// get returns the next event in seqno order, merging the data and control
// queues. A control at seqno S is delivered after all data below S and
// before any data above S; at equal seqno data wins. Data events inside a
// foreign critical section are held at the gate.
func (r *readTask) get(ctx context.Context) (event.Replicated, error) {
	r.mu.Lock()
	for len(r.data) == 0 && len(r.ctrl) == 0 {
		if err := r.waitLocked(ctx); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}

	if len(r.data) == 0 || (len(r.ctrl) > 0 && r.ctrl[0].Seqno < r.data[0].Seqno) {
		c := r.ctrl[0]
		r.ctrl = r.ctrl[1:]
		r.cond.Broadcast()
		r.mu.Unlock()
		return c, nil
	}

	ev := r.data[0]
	r.mu.Unlock()

	if err := r.gate.beforeDeliver(ctx, r.taskID, ev.Seqno, r.head); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.data = r.data[1:]
	r.delivered++
	r.lastSeqno = ev.Seqno
	r.cond.Broadcast()
	r.mu.Unlock()

	r.gate.delivered(r.taskID, ev.Seqno)
	return ev, nil
}

// peek returns the next event without removing it, nil when both queues
// are empty. Peek does not consult the critical-section gate.
func (r *readTask) peek() event.Replicated {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 && len(r.ctrl) == 0 {
		return nil
	}
	if len(r.data) == 0 || (len(r.ctrl) > 0 && r.ctrl[0].Seqno < r.data[0].Seqno) {
		return r.ctrl[0]
	}
	return r.data[0]
}

// size returns the number of queued data and control events.
func (r *readTask) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data) + len(r.ctrl)
}

// low returns the lowest seqno this partition might still deliver, or
// lowNone when no data is pending. Used by the gate's retirement check.
func (r *readTask) low() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return lowNone
	}
	return r.data[0].Seqno
}

func (r *readTask) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("task=%d queued=%d controls=%d accepted=%d delivered=%d last_seqno=%d",
		r.taskID, len(r.data), len(r.ctrl), r.accepted, r.delivered, r.lastSeqno)
}

// waitLocked blocks on the reader condition until woken or the context is
// cancelled. The caller must hold r.mu.
func (r *readTask) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	r.cond.Wait()
	close(done)
	return ctx.Err()
}
