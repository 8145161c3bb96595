package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// Phase names a timed section of the stage loop.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseFilter  Phase = "filter"
	PhaseApply   Phase = "apply"
)

// ProgressTracker holds per-task progress for one stage.
type ProgressTracker struct {
	stage string
	clock clock.Clock
	tasks *xsync.MapOf[int, *TaskProgress]
}

// NewProgressTracker creates a tracker using the wall clock.
func NewProgressTracker(stage string) *ProgressTracker {
	return newProgressTracker(stage, clock.New())
}

func newProgressTracker(stage string, clk clock.Clock) *ProgressTracker {
	return &ProgressTracker{
		stage: stage,
		clock: clk,
		tasks: xsync.NewMapOf[int, *TaskProgress](),
	}
}

// Task returns the progress record for a task, creating it on first use.
func (p *ProgressTracker) Task(taskID int) *TaskProgress {
	tp, _ := p.tasks.LoadOrCompute(taskID, func() *TaskProgress {
		return &TaskProgress{stage: p.stage, taskID: taskID, clock: p.clock}
	})
	return tp
}

// Each calls fn for every known task progress record.
func (p *ProgressTracker) Each(fn func(*TaskProgress)) {
	p.tasks.Range(func(_ int, tp *TaskProgress) bool {
		fn(tp)
		return true
	})
}

// TaskProgress accumulates interval timings and the event count for one
// stage task. Intervals are split into extract, filter, and apply phases.
type TaskProgress struct {
	stage  string
	taskID int
	clock  clock.Clock

	mu         sync.Mutex
	intervalT0 time.Time
	totals     map[Phase]time.Duration
	eventCount uint64
}

// BeginInterval marks the start of a timed phase.
func (t *TaskProgress) BeginInterval() {
	t.mu.Lock()
	t.intervalT0 = t.clock.Now()
	t.mu.Unlock()
}

// EndInterval closes the current interval against the given phase.
func (t *TaskProgress) EndInterval(phase Phase) {
	t.mu.Lock()
	if t.totals == nil {
		t.totals = make(map[Phase]time.Duration)
	}
	var elapsed time.Duration
	if !t.intervalT0.IsZero() {
		elapsed = t.clock.Now().Sub(t.intervalT0)
		t.totals[phase] += elapsed
		t.intervalT0 = time.Time{}
	}
	t.mu.Unlock()
	telemetry.StageIntervalSeconds.With(t.stage, string(phase)).Observe(elapsed.Seconds())
}

// CountEvent increments the processed-event counter.
func (t *TaskProgress) CountEvent() {
	t.mu.Lock()
	t.eventCount++
	t.mu.Unlock()
}

// EventCount returns the number of processed events.
func (t *TaskProgress) EventCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventCount
}

// PhaseTotal returns the accumulated time spent in a phase.
func (t *TaskProgress) PhaseTotal(phase Phase) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[phase]
}

// TaskID returns the task this record belongs to.
func (t *TaskProgress) TaskID() int {
	return t.taskID
}
