package pipeline

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestTaskProgressIntervals(t *testing.T) {
	mock := clock.NewMock()
	tracker := newProgressTracker("test-stage", mock)
	tp := tracker.Task(0)

	tp.BeginInterval()
	mock.Add(50 * time.Millisecond)
	tp.EndInterval(PhaseExtract)

	tp.BeginInterval()
	mock.Add(10 * time.Millisecond)
	tp.EndInterval(PhaseFilter)

	tp.BeginInterval()
	mock.Add(200 * time.Millisecond)
	tp.EndInterval(PhaseApply)

	assert.Equal(t, 50*time.Millisecond, tp.PhaseTotal(PhaseExtract))
	assert.Equal(t, 10*time.Millisecond, tp.PhaseTotal(PhaseFilter))
	assert.Equal(t, 200*time.Millisecond, tp.PhaseTotal(PhaseApply))
}

func TestTaskProgressAccumulates(t *testing.T) {
	mock := clock.NewMock()
	tracker := newProgressTracker("test-stage", mock)
	tp := tracker.Task(0)

	for i := 0; i < 3; i++ {
		tp.BeginInterval()
		mock.Add(5 * time.Millisecond)
		tp.EndInterval(PhaseApply)
		tp.CountEvent()
	}

	assert.Equal(t, 15*time.Millisecond, tp.PhaseTotal(PhaseApply))
	assert.Equal(t, uint64(3), tp.EventCount())
}

func TestTaskProgressEndWithoutBegin(t *testing.T) {
	tracker := NewProgressTracker("test-stage")
	tp := tracker.Task(0)

	// EndInterval without a matching begin records nothing.
	tp.EndInterval(PhaseExtract)
	assert.Equal(t, time.Duration(0), tp.PhaseTotal(PhaseExtract))
}

func TestProgressTrackerTasksIndependent(t *testing.T) {
	tracker := NewProgressTracker("test-stage")
	a := tracker.Task(0)
	b := tracker.Task(1)

	a.CountEvent()
	assert.Equal(t, uint64(1), a.EventCount())
	assert.Equal(t, uint64(0), b.EventCount())

	// Task lookups are stable.
	assert.Same(t, a, tracker.Task(0))

	var ids []int
	tracker.Each(func(tp *TaskProgress) { ids = append(ids, tp.TaskID()) })
	assert.Len(t, ids, 2)
}
