package thl

import (
	"context"
	"sync"
	"time"

	"github.com/tejeswarp/tungsten-replicator/event"
)

const (
	// DefaultReadBatch events are fetched per log read.
	DefaultReadBatch = 100
	// DefaultPollInterval paces empty polls against the log tail.
	DefaultPollInterval = 100 * time.Millisecond
)

// LogExtractor reads events back out of the history log in storage order
// and feeds them to a stage task. It resumes after the position it was
// constructed with.
type LogExtractor struct {
	log          *Log
	batch        int
	pollInterval time.Duration

	mu  sync.Mutex
	pos *event.Header // last delivered position, nil = start of log
	buf []*event.Event
}

// NewLogExtractor creates an extractor resuming after the given header.
// A nil header starts from the beginning of the log.
func NewLogExtractor(log *Log, resume *event.Header) *LogExtractor {
	return &LogExtractor{
		log:          log,
		batch:        DefaultReadBatch,
		pollInterval: DefaultPollInterval,
		pos:          resume,
	}
}

// Extract returns the next stored event, or nil when the log tail has
// been reached and the caller should poll again.
func (x *LogExtractor) Extract(ctx context.Context) (event.Replicated, error) {
	x.mu.Lock()
	if len(x.buf) == 0 {
		var (
			evs []*event.Event
			err error
		)
		if x.pos == nil {
			evs, err = x.log.ReadFrom(0, x.batch)
		} else {
			evs, err = x.log.ReadAfter(x.pos.Seqno, x.pos.Fragno, x.batch)
		}
		if err != nil {
			x.mu.Unlock()
			return nil, err
		}
		x.buf = evs
	}

	if len(x.buf) == 0 {
		x.mu.Unlock()
		// Nothing new; pace the poll so an idle pipeline does not spin.
		timer := time.NewTimer(x.pollInterval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}

	ev := x.buf[0]
	x.buf = x.buf[1:]
	h := ev.Header()
	x.pos = &h
	x.mu.Unlock()
	return ev, nil
}

// HasMore reports whether a buffered event is immediately available.
func (x *LogExtractor) HasMore() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buf) > 0
}
