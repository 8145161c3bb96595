package dispatch

import (
	"context"
	"sync"
)

// SeqnoCounter is the single advancing watermark partition readers use to
// discover new work. The head never decreases; Set is a max-merge.
type SeqnoCounter struct {
	mu   sync.Mutex
	cond *sync.Cond
	head uint64
}

// NewSeqnoCounter creates a counter with head 0.
func NewSeqnoCounter() *SeqnoCounter {
	c := &SeqnoCounter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Set advances the head to seqno if it is greater than the current head
// and wakes all waiters. Lower values are ignored.
func (c *SeqnoCounter) Set(seqno uint64) {
	c.mu.Lock()
	if seqno > c.head {
		c.head = seqno
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Get returns a snapshot of the current head.
func (c *SeqnoCounter) Get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// WaitUntil blocks until the head reaches at least seqno or the context
// is cancelled. It returns the head observed at wakeup.
func (c *SeqnoCounter) WaitUntil(ctx context.Context, seqno uint64) (uint64, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.head < seqno {
		if err := ctx.Err(); err != nil {
			return c.head, err
		}
		c.cond.Wait()
	}
	return c.head, nil
}
