package thl

import (
	"context"
	"sync"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// LogApplier writes extracted events into the history log. It is the sink
// half of an extract stage: events buffer in memory until the block
// commits, then land in the log atomically together with the restart
// header of the last one.
type LogApplier struct {
	log    *Log
	taskID int

	mu          sync.Mutex
	pending     []*event.Event
	uncommitted *event.Header
}

// NewLogApplier creates an applier writing under the given task's restart
// header.
func NewLogApplier(log *Log, taskID int) *LogApplier {
	return &LogApplier{log: log, taskID: taskID}
}

// Apply buffers the event and commits the open block when asked. The
// rollback flag travels with the event's metadata; the log records
// rolled-back transactions like any other so downstream stages see them.
func (a *LogApplier) Apply(ctx context.Context, ev *event.Event, commit, rollback, syncTHL bool) error {
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	h := ev.Header()
	a.uncommitted = &h
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// ApplyFiltered advances the restart position across a suppressed range.
func (a *LogApplier) ApplyFiltered(ctx context.Context, fr event.FilteredRange, commit, syncTHL bool) error {
	a.mu.Lock()
	a.uncommitted = &fr.Last
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// Commit flushes the open block and persists the restart header.
func (a *LogApplier) Commit(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	header := a.uncommitted
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()

	if len(pending) > 0 {
		if err := a.log.AppendBatch(pending); err != nil {
			// Put the block back so a retried commit can flush it.
			a.mu.Lock()
			a.pending = append(pending, a.pending...)
			if a.uncommitted == nil {
				a.uncommitted = header
			}
			a.mu.Unlock()
			return err
		}
	}
	if header != nil {
		return a.log.SetLastHeader(a.taskID, *header)
	}
	return nil
}

// Rollback discards the open block.
func (a *LogApplier) Rollback(ctx context.Context) error {
	a.mu.Lock()
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()
	return nil
}

// UpdatePosition advances the restart header without storing data.
func (a *LogApplier) UpdatePosition(ctx context.Context, h event.Header, commit, recoverable bool) error {
	a.mu.Lock()
	a.uncommitted = &h
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}
