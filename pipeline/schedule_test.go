package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tejeswarp/tungsten-replicator/event"
)

func TestScheduleAdviseControls(t *testing.T) {
	s := NewSchedule()

	stop := &event.Control{Kind: event.ControlStop, Seqno: 5}
	assert.Equal(t, Quit, s.Advise(stop))

	sync := &event.Control{Kind: event.ControlSync, Seqno: 5}
	assert.Equal(t, ContinueNextCommit, s.Advise(sync))

	enroll := &event.Control{Kind: event.ControlEnroll, Seqno: 5}
	assert.Equal(t, ContinueNextCommit, s.Advise(enroll))
}

func TestScheduleAdviseDataDefaultProceed(t *testing.T) {
	s := NewSchedule()
	ev := &event.Event{Seqno: 1, LastFrag: true, Payload: []byte("x")}
	assert.Equal(t, Proceed, s.Advise(ev))
}

func TestScheduleStopAfterSeqno(t *testing.T) {
	s := NewSchedule()
	s.StopAfterSeqno(10)

	assert.Equal(t, Proceed, s.Advise(&event.Event{Seqno: 10, Payload: []byte("x")}))
	assert.Equal(t, Quit, s.Advise(&event.Event{Seqno: 11, Payload: []byte("x")}))
}

func TestScheduleStopAtEventIDOneShot(t *testing.T) {
	s := NewSchedule()
	s.StopAtEventID("binlog.000001:500")

	assert.Equal(t, Quit, s.Advise(&event.Event{Seqno: 5, EventID: "binlog.000001:500", Payload: []byte("x")}))
	// The one-shot action was removed.
	assert.Equal(t, Proceed, s.Advise(&event.Event{Seqno: 5, EventID: "binlog.000001:500", Payload: []byte("x")}))
}

func TestScheduleSkipRange(t *testing.T) {
	s := NewSchedule()
	s.AddWatch(WatchAction{
		Match:  func(h event.Header) bool { return h.Seqno >= 3 && h.Seqno <= 5 },
		Action: ContinueNext,
	})

	assert.Equal(t, Proceed, s.Advise(&event.Event{Seqno: 2, Payload: []byte("x")}))
	assert.Equal(t, ContinueNext, s.Advise(&event.Event{Seqno: 4, Payload: []byte("x")}))
	assert.Equal(t, Proceed, s.Advise(&event.Event{Seqno: 6, Payload: []byte("x")}))
}

func TestScheduleCancellationLatches(t *testing.T) {
	s := NewSchedule()
	assert.False(t, s.IsCancelled())

	s.Cancel()
	assert.True(t, s.IsCancelled())
	// Once set it remains set.
	s.Cancel()
	assert.True(t, s.IsCancelled())

	assert.Equal(t, Quit, s.Advise(&event.Event{Seqno: 1, Payload: []byte("x")}))
}

func TestScheduleLastProcessed(t *testing.T) {
	s := NewSchedule()
	_, ok := s.LastProcessed(0)
	assert.False(t, ok)

	s.SetLastProcessed(0, event.Header{Seqno: 7, EventID: "e7"})
	h, ok := s.LastProcessed(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), h.Seqno)

	// Tasks are tracked independently.
	_, ok = s.LastProcessed(1)
	assert.False(t, ok)
}
