package reconcile

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// taskState is the per-task lifecycle the engine drives:
// Submitted -> Running -> Finishing -> Finished.
type taskState int

const (
	stateSubmitted taskState = iota
	stateRunning
	stateFinishing
	stateFinished
)

func (s taskState) String() string {
	switch s {
	case stateSubmitted:
		return "submitted"
	case stateRunning:
		return "running"
	case stateFinishing:
		return "finishing"
	case stateFinished:
		return "finished"
	}
	return "invalid"
}

// taskRecord is the engine's per-task state. The engine owns records
// exclusively; collaborators only ever submit signals or read snapshots.
// Each record carries its own mutex so completion check-and-set stays
// atomic under concurrent signal sources.
type taskRecord struct {
	mu sync.Mutex

	taskID       string
	startedAt    time.Time
	state        taskState
	lastSignal   ProgressSignal
	hasSignal    bool
	highWater    float64 // non-decreasing for the record's lifetime
	lastSignalAt time.Time
	completion   completionState
	outcome      Outcome
	rates        *rateTracker
	startTimer   *time.Timer
}

// ProgressFunc is fired on every accepted running-state signal.
// etaMillis is -1 while no estimate is available.
type ProgressFunc func(taskID string, progress float64, message string, stats map[string]interface{}, etaMillis int64)

// Callbacks are the engine's only outputs to the rest of the
// application. OnFinished fires exactly once per task.
type Callbacks struct {
	OnProgress ProgressFunc
	OnFinished FinishedFunc
}

// Engine reconciles heterogeneous progress signals for asynchronous
// backend tasks into a single, correct, one-time completion notification
// per task. Signals may be duplicated, stale, out of order, or missing
// entirely; arrival order is adversarial.
type Engine struct {
	cfg    Config
	log    *zap.SugaredLogger
	cb     Callbacks
	gate   *completionGate
	stall  *stallMonitor
	poller *pollScheduler

	mu    sync.RWMutex
	tasks map[string]*taskRecord
}

// NewEngine wires the engine to a status fetcher for the fallback poll
// and recovery paths. Zero Config fields take documented defaults.
func NewEngine(cfg Config, fetch StatusFetcher, cb Callbacks, log *zap.SugaredLogger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:   cfg,
		log:   log,
		cb:    cb,
		tasks: make(map[string]*taskRecord),
	}
	e.gate = &completionGate{cfg: cfg, log: log, onFinished: e.finished}
	e.poller = newPollScheduler(cfg, log, fetch, e.Apply, e.budgetExhausted)
	e.stall = newStallMonitor(cfg, log, e.forcedCheck)
	return e
}

// Track registers a freshly submitted task and starts the fallback poll
// loop for it. Exactly one record may exist per live task id.
func (e *Engine) Track(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("empty task id")
	}

	e.mu.Lock()
	if _, exists := e.tasks[taskID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("task %s is already tracked", taskID)
	}
	rec := &taskRecord{
		taskID:    taskID,
		startedAt: time.Now(),
		state:     stateSubmitted,
		rates:     newRateTracker(e.cfg.RateSampleCapacity, e.cfg.RateDebounce),
	}
	// Move to Running even if no signal ever arrives, so staleness and
	// budget accounting apply from the start.
	rec.startTimer = time.AfterFunc(e.cfg.StartTimeout, func() {
		rec.mu.Lock()
		if rec.state == stateSubmitted {
			rec.state = stateRunning
		}
		rec.mu.Unlock()
	})
	e.tasks[taskID] = rec
	e.mu.Unlock()

	e.poller.Start(taskID)
	e.log.Infow("tracking task", "task_id", taskID)
	return nil
}

// Apply ingests one normalized signal from any channel. Malformed or
// stale signals are dropped with a diagnostic; they never crash the
// machine or touch task state.
func (e *Engine) Apply(sig ProgressSignal) {
	rec := e.lookup(sig.TaskID)
	if rec == nil {
		e.log.Debugw("signal for untracked task dropped", "task_id", sig.TaskID, "source", sig.Source)
		return
	}
	now := sig.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	if sig.Phase == PhaseUnknown {
		// Unclassifiable status vocabulary; protocol error, state untouched.
		e.log.Warnw("signal with unknown phase dropped", "task_id", sig.TaskID, "source", sig.Source)
		return
	}

	if sig.Phase.IsTerminal() {
		rec.mu.Lock()
		if rec.completion != completionPending {
			rec.mu.Unlock()
			e.log.Debugw("duplicate terminal signal dropped", "task_id", sig.TaskID, "source", sig.Source)
			return
		}
		rec.state = stateFinishing
		increased := sig.Progress > rec.highWater
		if increased {
			rec.highWater = sig.Progress
		}
		highWater := rec.highWater
		rec.mu.Unlock()

		// A terminal signal carries the final progress value; report it so
		// the progress sequence is complete before the terminal callback.
		if increased && e.cb.OnProgress != nil {
			e.cb.OnProgress(sig.TaskID, highWater, sig.Message, sig.Stats, -1)
		}
		e.gate.TryComplete(rec, sig)
		return
	}

	// Running-phase signal.
	rec.mu.Lock()
	if rec.completion != completionPending || rec.state == stateFinished {
		rec.mu.Unlock()
		e.log.Debugw("late signal for finished task dropped", "task_id", sig.TaskID, "source", sig.Source)
		return
	}
	if rec.state == stateSubmitted {
		rec.state = stateRunning
		if rec.startTimer != nil {
			rec.startTimer.Stop()
		}
	}
	if sig.Progress < rec.highWater-e.cfg.RegressionTolerance {
		// Late or duplicate delivery reporting progress we have already
		// moved past. Dropped, not reordered.
		rec.mu.Unlock()
		e.log.Debugw("regressed signal dropped",
			"task_id", sig.TaskID, "progress", sig.Progress, "source", sig.Source)
		return
	}
	increased := sig.Progress > rec.highWater
	if increased {
		rec.highWater = sig.Progress
	}
	rec.lastSignal = sig
	rec.hasSignal = true
	rec.lastSignalAt = now
	highWater := rec.highWater
	eta, hasETA := rec.rates.Record(highWater, now)
	rec.mu.Unlock()

	switch sig.Source {
	case ChannelPush:
		e.poller.NotePushActivity(sig.TaskID)
		e.stall.Observe(sig.TaskID, highWater)
	case ChannelPoll:
		if increased {
			e.poller.NoteFreshProgress(sig.TaskID)
		}
		e.stall.Observe(sig.TaskID, highWater)
	case ChannelForced:
		// The recovery check says the backend is genuinely still working;
		// back off the next check instead of resetting it.
		e.stall.Escalate(sig.TaskID)
	}

	if e.cb.OnProgress != nil {
		etaMillis := int64(-1)
		if hasETA {
			etaMillis = eta.Milliseconds()
		}
		e.cb.OnProgress(sig.TaskID, highWater, sig.Message, sig.Stats, etaMillis)
	}

	// Near-100 plateau: a running signal at very high progress may stand
	// in for a missing terminal signal. The gate applies the policy. The
	// progress update above has already gone out, so acceptance here only
	// adds the terminal notification.
	if highWater >= 99 {
		synth := sig
		synth.Progress = highWater
		e.gate.TryComplete(rec, synth)
	}
}

// Cancel routes an explicit user cancellation through the completion
// gate like any other terminal candidate. Idempotent; calling it after
// the task finished is a no-op.
func (e *Engine) Cancel(taskID string) {
	rec := e.lookup(taskID)
	if rec == nil {
		return
	}
	e.Apply(ProgressSignal{
		TaskID:     taskID,
		Phase:      PhaseCancelled,
		Message:    "cancelled by user",
		Source:     ChannelForced,
		ReceivedAt: time.Now(),
	})
}

// Snapshot returns a read-only view of a tracked task.
func (e *Engine) Snapshot(taskID string) (TaskSnapshot, bool) {
	rec := e.lookup(taskID)
	if rec == nil {
		return TaskSnapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	snap := TaskSnapshot{
		TaskID:       rec.taskID,
		State:        rec.state.String(),
		Progress:     rec.highWater,
		StartedAt:    rec.startedAt,
		LastSignalAt: rec.lastSignalAt,
	}
	if rec.hasSignal {
		snap.Message = rec.lastSignal.Message
	}
	if rec.completion == completionDone {
		snap.Outcome = rec.outcome
	}
	return snap, true
}

// Release archives a finished task's record. Records of unfinished tasks
// are kept so late signals still reconcile correctly.
func (e *Engine) Release(taskID string) {
	rec := e.lookup(taskID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	done := rec.completion == completionDone
	rec.mu.Unlock()
	if !done {
		return
	}
	e.mu.Lock()
	delete(e.tasks, taskID)
	e.mu.Unlock()
}

// Close stops all timers and poll loops. Pending tasks are left
// unresolved; the engine makes no terminal claims it cannot back.
func (e *Engine) Close() {
	e.poller.StopAll()
	e.stall.Close()
	e.mu.Lock()
	for _, rec := range e.tasks {
		rec.mu.Lock()
		if rec.startTimer != nil {
			rec.startTimer.Stop()
		}
		rec.mu.Unlock()
	}
	e.mu.Unlock()
}

func (e *Engine) lookup(taskID string) *taskRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks[taskID]
}

// finished is the gate's terminal callback: tear down the task's timers
// atomically before notifying the application, so no late tick fires
// against a finished record.
func (e *Engine) finished(taskID string, outcome Outcome, stats map[string]interface{}) {
	e.poller.Stop(taskID)
	e.stall.Clear(taskID)
	if rec := e.lookup(taskID); rec != nil {
		rec.mu.Lock()
		if rec.startTimer != nil {
			rec.startTimer.Stop()
		}
		rec.mu.Unlock()
	}
	if e.cb.OnFinished != nil {
		e.cb.OnFinished(taskID, outcome, stats)
	}
}

// forcedCheck is the stall monitor's recovery action. A check that
// yields no signal, because the transport failed or the response was
// unusable, re-arms the monitor so the recovery loop survives a
// transient outage.
func (e *Engine) forcedCheck(taskID string) {
	if e.lookup(taskID) == nil {
		return
	}
	if !e.poller.ForcedCheck(taskID) {
		e.stall.Escalate(taskID)
	}
}

// budgetExhausted closes a task whose poll budget ran out: one final
// forced check, then an unknown outcome if the task is still pending, so
// the UI is never left waiting forever.
func (e *Engine) budgetExhausted(taskID string) {
	rec := e.lookup(taskID)
	if rec == nil {
		return
	}
	e.poller.ForcedCheck(taskID)

	rec.mu.Lock()
	pending := rec.completion == completionPending
	rec.mu.Unlock()
	if pending {
		e.gate.CloseUnknown(rec)
	}
}
