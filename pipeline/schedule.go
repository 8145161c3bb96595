package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// Disposition tells a stage loop what to do with an extracted event.
type Disposition int

const (
	// Proceed applies the event normally.
	Proceed Disposition = iota
	// ContinueNext skips the event but records its position.
	ContinueNext
	// ContinueNextCommit skips the event, records its position, and
	// commits at once, whether or not a block boundary has been reached.
	ContinueNextCommit
	// Quit records the event's position and ends the loop.
	Quit
)

// WatchAction pairs a header predicate with the disposition it forces.
// Actions are evaluated in registration order; the first match wins.
type WatchAction struct {
	Match  func(h event.Header) bool
	Action Disposition
	// OneShot removes the action after its first match.
	OneShot bool
}

// Schedule advises a stage loop on each event and carries the latched
// cancellation flag. One Schedule may serve several tasks.
type Schedule struct {
	mu        sync.Mutex
	watches   []WatchAction
	cancelled atomic.Bool

	lastProcessed map[int]event.Header
}

// NewSchedule creates an empty schedule: every data event proceeds.
func NewSchedule() *Schedule {
	return &Schedule{lastProcessed: make(map[int]event.Header)}
}

// AddWatch registers a watch action.
func (s *Schedule) AddWatch(w WatchAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches = append(s.watches, w)
}

// StopAfterSeqno arranges for the loop to quit once it extracts an event
// past the given seqno.
func (s *Schedule) StopAfterSeqno(seqno uint64) {
	s.AddWatch(WatchAction{
		Match:  func(h event.Header) bool { return h.Seqno > seqno },
		Action: Quit,
	})
}

// StopAtEventID arranges for the loop to quit at an exact event ID.
func (s *Schedule) StopAtEventID(id string) {
	s.AddWatch(WatchAction{
		Match:   func(h event.Header) bool { return h.EventID == id },
		Action:  Quit,
		OneShot: true,
	})
}

// Advise returns the disposition for the next extracted event. Control
// events never reach the applier as data: STOP quits the loop, all other
// controls advance the position and commit it at once.
func (s *Schedule) Advise(ev event.Replicated) Disposition {
	switch e := ev.(type) {
	case *event.Control:
		if e.Kind == event.ControlStop {
			return Quit
		}
		return ContinueNextCommit
	case *event.Event:
		if s.cancelled.Load() {
			return Quit
		}
		return s.adviseData(e.Header())
	case event.FilteredRange:
		return Proceed
	default:
		return Proceed
	}
}

func (s *Schedule) adviseData(h event.Header) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watches {
		if w.Match(h) {
			if w.OneShot {
				s.watches = append(s.watches[:i], s.watches[i+1:]...)
			}
			return w.Action
		}
	}
	return Proceed
}

// Cancel latches the cancellation flag. Once set it remains set.
func (s *Schedule) Cancel() {
	s.cancelled.Store(true)
}

// IsCancelled reports whether cancellation has been requested.
func (s *Schedule) IsCancelled() bool {
	return s.cancelled.Load()
}

// SetLastProcessed records the header of the most recently processed
// event for a task.
func (s *Schedule) SetLastProcessed(taskID int, h event.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessed[taskID] = h
}

// LastProcessed returns the header of the most recently processed event
// for a task.
func (s *Schedule) LastProcessed(taskID int) (event.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.lastProcessed[taskID]
	return h, ok
}
