package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// StageConfig configures one stage task.
type StageConfig struct {
	Name                 string
	TaskID               int
	BlockCommitRows      int // 1 disables block commit
	ExtractorPolicy      cfg.FailurePolicy
	ApplierPolicy        cfg.FailurePolicy
	SyncTHLWithExtractor bool
	AutoSync             bool
}

// StageTask is the single-threaded loop binding an extractor, a filter
// chain, and an applier. With block commit enabled, commits are deferred
// until BlockCommitRows transactions have been applied or the input
// drains; the persisted restart header always names the most recently
// committed event.
type StageTask struct {
	cfg        StageConfig
	extractor  Extractor
	filters    []Filter
	applier    Applier
	schedule   *Schedule
	progress   *TaskProgress
	dispatcher Dispatcher

	usingBlockCommit bool
	blockEventCount  int
}

// NewStageTask wires a stage task. The schedule and dispatcher are shared
// across tasks; the progress record belongs to this task alone.
func NewStageTask(config StageConfig, extractor Extractor, filters []Filter, applier Applier,
	schedule *Schedule, progress *TaskProgress, dispatcher Dispatcher) (*StageTask, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if schedule == nil {
		return nil, fmt.Errorf("schedule is required")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.BlockCommitRows < 1 {
		config.BlockCommitRows = 1
	}
	return &StageTask{
		cfg:              config,
		extractor:        extractor,
		filters:          filters,
		applier:          applier,
		schedule:         schedule,
		progress:         progress,
		dispatcher:       dispatcher,
		usingBlockCommit: config.BlockCommitRows > 1,
	}, nil
}

// Run executes the stage loop until cancellation, a STOP control, a
// schedule quit, or a policy-stopped failure. A partial block is flushed
// with a final commit on clean exit; an interrupted blocking wait rolls
// back instead to release any open transaction.
func (t *StageTask) Run(ctx context.Context) {
	log.Info().Str("stage", t.cfg.Name).Int("task_id", t.cfg.TaskID).Msg("Starting stage task")

	err := t.runLoop(ctx)
	if err != nil {
		if !t.schedule.IsCancelled() {
			log.Warn().Err(err).Str("stage", t.cfg.Name).Msg("Stage task interrupted")
		}
		if rbErr := t.applier.Rollback(context.Background()); rbErr != nil {
			log.Warn().Err(rbErr).Str("stage", t.cfg.Name).Msg("Rollback after interrupt failed")
		}
		telemetry.StageRestartsTotal.With(t.cfg.Name, "cancelled").Inc()
	} else {
		if cErr := t.applier.Commit(context.Background()); cErr != nil {
			log.Error().Err(cErr).Str("stage", t.cfg.Name).Msg("Final block commit failed")
		}
		telemetry.StageRestartsTotal.With(t.cfg.Name, "stopped").Inc()
	}

	if h, ok := t.schedule.LastProcessed(t.cfg.TaskID); ok {
		log.Info().
			Str("stage", t.cfg.Name).
			Uint64("seqno", h.Seqno).
			Str("event_id", h.EventID).
			Msg("Last successfully processed event prior to termination")
	}
	log.Info().
		Str("stage", t.cfg.Name).
		Uint64("event_count", t.progress.EventCount()).
		Msg("Terminating stage task")
	t.dispatcher.Dispatch(TaskEnded{Stage: t.cfg.Name, TaskID: t.cfg.TaskID})
}

// runLoop returns nil on a clean break and the context error when a
// blocking wait was interrupted.
func (t *StageTask) runLoop(ctx context.Context) error {
	var currentEvent *event.Event
	var firstFiltered, lastFiltered *event.Event
	currentService := ""

	if t.cfg.AutoSync {
		t.dispatcher.Dispatch(InSequence{Stage: t.cfg.Name})
	}

	for {
		// A pending event from the previous iteration becomes the restart
		// point only if nothing after it was suppressed.
		if currentEvent != nil && firstFiltered == nil {
			t.schedule.SetLastProcessed(t.cfg.TaskID, currentEvent.Header())
			currentEvent = nil
		}

		if t.schedule.IsCancelled() {
			log.Info().Str("stage", t.cfg.Name).Msg("Task has been cancelled")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t.progress.BeginInterval()
		generic, err := t.extractor.Extract(ctx)
		t.progress.EndInterval(PhaseExtract)
		if err != nil {
			if isInterrupt(err) {
				return err
			}
			if t.cfg.ExtractorPolicy == cfg.PolicyStop {
				t.dispatcher.Dispatch(ErrorNotification{
					Stage:   t.cfg.Name,
					Message: "event extraction failed",
					Err:     err,
				})
				return nil
			}
			log.Error().Err(err).Str("stage", t.cfg.Name).Msg("Event extraction failed")
			continue
		}
		if generic == nil {
			currentEvent = nil
			continue
		}

		// A service change under block commit must not merge transactions
		// from different services into one block.
		if t.usingBlockCommit {
			if ev, ok := generic.(*event.Event); ok {
				newService := ev.Service()
				if currentService == "" {
					currentService = newService
				} else if newService != currentService {
					if ev.Fragno == 0 {
						log.Debug().
							Str("prev_service", currentService).
							Str("new_service", newService).
							Uint64("seqno", ev.Seqno).
							Msg("Committing due to service change")
						if err := t.commitBlock(ctx); err != nil {
							return t.fatal(ev.Header(), "commit on service change failed", err)
						}
						currentService = newService
					} else {
						log.Warn().
							Str("prev_service", currentService).
							Str("new_service", newService).
							Uint64("seqno", ev.Seqno).
							Uint32("fragno", ev.Fragno).
							Msg("Service name change between fragments")
					}
				}
			}
		}

		switch t.schedule.Advise(generic) {
		case Proceed:
			// Apply this event.
		case ContinueNext:
			if err := t.updatePosition(ctx, generic, false); err != nil {
				if isInterrupt(err) {
					return err
				}
				if !t.applierFailure(headerOf(generic), "position update failed", err) {
					return nil
				}
			}
			currentEvent = nil
			continue
		case ContinueNextCommit:
			if err := t.updatePosition(ctx, generic, true); err != nil {
				if isInterrupt(err) {
					return err
				}
				if !t.applierFailure(headerOf(generic), "position update failed", err) {
					return nil
				}
			}
			currentEvent = nil
			continue
		case Quit:
			log.Debug().Str("stage", t.cfg.Name).Msg("Quitting task processing loop")
			if err := t.updatePosition(ctx, generic, false); err != nil && !isInterrupt(err) {
				log.Warn().Err(err).Str("stage", t.cfg.Name).Msg("Position update on quit failed")
			}
			return nil
		}

		ev, ok := generic.(*event.Event)
		if !ok {
			currentEvent = nil
			continue
		}
		currentEvent = ev

		t.progress.BeginInterval()
		filtered := ev
		var filterErr error
		for _, f := range t.filters {
			filtered, filterErr = f.Filter(filtered)
			if filterErr != nil || filtered == nil {
				break
			}
		}
		t.progress.EndInterval(PhaseFilter)
		if filterErr != nil {
			if !t.applierFailure(ev.Header(), "event filter failed", filterErr) {
				return nil
			}
			currentEvent = nil
			continue
		}
		if filtered == nil {
			if firstFiltered == nil {
				firstFiltered = currentEvent
			}
			lastFiltered = currentEvent
			telemetry.StageEventsTotal.With(t.cfg.Name, "filtered").Inc()
			continue
		}

		// A run of suppressed events is folded into one filtered-range
		// marker so the restart position keeps advancing.
		if firstFiltered != nil {
			fr := event.FilteredRange{First: firstFiltered.Header(), Last: lastFiltered.Header()}
			t.progress.BeginInterval()
			frErr := t.applier.ApplyFiltered(ctx, fr, true, t.cfg.SyncTHLWithExtractor)
			t.progress.EndInterval(PhaseApply)
			if frErr != nil {
				if isInterrupt(frErr) {
					return frErr
				}
				if !t.applierFailure(fr.Last, "filtered range application failed", frErr) {
					return nil
				}
				currentEvent = nil
				continue
			}
			firstFiltered, lastFiltered = nil, nil
		}
		ev = filtered

		doRollback := false
		unsafe := ev.HasOption(event.OptionUnsafeForBlockCommit)

		// Implicit commit points before applying the current event.
		switch {
		case ev.Fragno == 0 && !ev.LastFrag:
			// A new fragmented transaction begins.
			if err := t.commitBlock(ctx); err != nil {
				return t.fatal(ev.Header(), "commit before fragmented transaction failed", err)
			}
		case ev.Fragno == 0 && ev.HasOption(event.OptionRollback):
			// The whole transaction rolls back at the end; commit prior
			// work first so only this transaction is undone.
			if err := t.commitBlock(ctx); err != nil {
				return t.fatal(ev.Header(), "commit before rollback failed", err)
			}
			doRollback = true
		case unsafe:
			if err := t.commitBlock(ctx); err != nil {
				return t.fatal(ev.Header(), "commit before unsafe event failed", err)
			}
		}

		doCommit := false
		if unsafe {
			doCommit = true
		} else if t.usingBlockCommit {
			t.blockEventCount++
			if ev.LastFrag && (t.blockEventCount >= t.cfg.BlockCommitRows || !t.extractor.HasMore()) {
				doCommit = true
				telemetry.BlockCommitSize.Observe(float64(t.blockEventCount))
				telemetry.BlockCommitsTotal.With(t.cfg.Name).Inc()
				t.blockEventCount = 0
			}
		} else {
			doCommit = ev.LastFrag
		}

		t.progress.BeginInterval()
		applyErr := t.applier.Apply(ctx, ev, doCommit, doRollback, t.cfg.SyncTHLWithExtractor)
		t.progress.EndInterval(PhaseApply)
		if applyErr != nil {
			if isInterrupt(applyErr) {
				return applyErr
			}
			if !t.applierFailure(ev.Header(), "event application failed", applyErr) {
				return nil
			}
			// Failed events never advance the restart position.
			currentEvent = nil
			continue
		}
		t.progress.CountEvent()
		telemetry.StageEventsTotal.With(t.cfg.Name, "applied").Inc()
	}
}

// Cancel requests cooperative cancellation through the shared schedule.
func (t *StageTask) Cancel() {
	t.schedule.Cancel()
}

// commitBlock flushes the open block and resets the block counter.
func (t *StageTask) commitBlock(ctx context.Context) error {
	if err := t.applier.Commit(ctx); err != nil {
		return err
	}
	t.blockEventCount = 0
	return nil
}

// updatePosition advances the persisted position for an event that is
// not applied as data. It recapitulates the block-commit decision, so a
// call with doCommit false commits only at a block boundary; a call with
// doCommit true always commits.
func (t *StageTask) updatePosition(ctx context.Context, generic event.Replicated, doCommit bool) error {
	var h event.Header
	switch e := generic.(type) {
	case *event.Control:
		if e.Header == nil {
			log.Debug().Str("stage", t.cfg.Name).Msg("Unable to update position: control event carries no header")
			return nil
		}
		h = *e.Header
	case *event.Event:
		h = e.Header()
	default:
		return nil
	}

	if t.usingBlockCommit {
		t.blockEventCount++
		if t.blockEventCount >= t.cfg.BlockCommitRows || !t.extractor.HasMore() {
			doCommit = true
			t.blockEventCount = 0
		}
	} else {
		doCommit = true
	}

	t.progress.BeginInterval()
	err := t.applier.UpdatePosition(ctx, h, doCommit, false)
	t.progress.EndInterval(PhaseApply)
	return err
}

// applierFailure handles a downstream failure under the applier policy.
// It returns true when the loop should keep going.
func (t *StageTask) applierFailure(h event.Header, msg string, err error) bool {
	log.Error().
		Err(err).
		Str("stage", t.cfg.Name).
		Uint64("seqno", h.Seqno).
		Uint32("fragno", h.Fragno).
		Msg(msg)
	telemetry.StageEventsTotal.With(t.cfg.Name, "failed").Inc()
	if t.cfg.ApplierPolicy == cfg.PolicyStop {
		t.dispatcher.Dispatch(ErrorNotification{
			Stage:   t.cfg.Name,
			Message: msg,
			Seqno:   h.Seqno,
			EventID: h.EventID,
			Err:     err,
		})
		return false
	}
	return true
}

// fatal reports an unexpected failure and ends the loop cleanly so the
// final commit still runs for work already applied.
func (t *StageTask) fatal(h event.Header, msg string, err error) error {
	if isInterrupt(err) {
		return err
	}
	log.Error().Err(err).Str("stage", t.cfg.Name).Uint64("seqno", h.Seqno).Msg(msg)
	t.dispatcher.Dispatch(ErrorNotification{
		Stage:   t.cfg.Name,
		Message: msg,
		Seqno:   h.Seqno,
		EventID: h.EventID,
		Err:     err,
	})
	return nil
}

func headerOf(generic event.Replicated) event.Header {
	switch e := generic.(type) {
	case *event.Event:
		return e.Header()
	case *event.Control:
		if e.Header != nil {
			return *e.Header
		}
		return event.Header{Seqno: e.Seqno}
	default:
		return event.Header{}
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
