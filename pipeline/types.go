package pipeline

import (
	"context"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// Extractor produces the next upstream event. A nil event with a nil
// error means "nothing available, try again".
type Extractor interface {
	Extract(ctx context.Context) (event.Replicated, error)
	// HasMore reports whether another event is immediately available
	// without blocking. Block commit flushes when the input drains.
	HasMore() bool
}

// Filter transforms or suppresses events. Returning (nil, nil)
// suppresses the event; an error is handled under the applier failure
// policy.
type Filter interface {
	Filter(ev *event.Event) (*event.Event, error)
}

// Applier writes events downstream. Apply may defer the actual commit
// until commit is true (block commit); Commit flushes any open block and
// Rollback discards it. UpdatePosition advances the persisted restart
// header without applying data.
type Applier interface {
	Apply(ctx context.Context, ev *event.Event, commit, rollback, syncTHL bool) error
	ApplyFiltered(ctx context.Context, fr event.FilteredRange, commit, syncTHL bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	UpdatePosition(ctx context.Context, h event.Header, commit, recoverable bool) error
}
