package reconcile

import (
	"go.uber.org/zap"
)

// completionState gates the single terminal effect per task. Transitions
// only move forward: pending -> inFlight -> done.
type completionState int

const (
	completionPending completionState = iota
	completionInFlight
	completionDone
)

// FinishedFunc is the one downstream terminal callback. The gate
// guarantees it fires exactly once per task id.
type FinishedFunc func(taskID string, outcome Outcome, stats map[string]interface{})

// completionGate is the idempotency boundary. Both channels and a forced
// recheck can each independently declare completion; the gate accepts the
// first terminal candidate and rejects everything after it, regardless of
// phase.
type completionGate struct {
	cfg        Config
	log        *zap.SugaredLogger
	onFinished FinishedFunc
}

// TryComplete offers a candidate terminal signal. Returns true when the
// candidate was accepted and the terminal callback fired.
//
// A running-phase signal is a completion synthesized from progress alone;
// the near-100 plateau policy applies: progress frequently sits at 99%
// while the real terminal signal is still in flight, so such candidates
// need progress at or above NearCompletionThreshold, or corroborating
// stats (processed count equals total count).
func (g *completionGate) TryComplete(rec *taskRecord, sig ProgressSignal) bool {
	var outcome Outcome
	switch {
	case sig.Phase.IsTerminal():
		outcome = outcomeForPhase(sig.Phase)
	case sig.Phase == PhaseRunning:
		if !g.allowSynthesized(sig) {
			g.log.Debugw("provisional near-completion signal held back",
				"task_id", sig.TaskID, "progress", sig.Progress, "source", sig.Source)
			return false
		}
		outcome = OutcomeCompleted
	default:
		return false
	}

	return g.finish(rec, outcome, sig.Stats, sig.Source)
}

// CloseUnknown closes a task whose poll budget ran out without any
// authoritative outcome, so the UI is never left waiting indefinitely.
func (g *completionGate) CloseUnknown(rec *taskRecord) bool {
	return g.finish(rec, OutcomeUnknown, nil, ChannelForced)
}

func (g *completionGate) finish(rec *taskRecord, outcome Outcome, stats map[string]interface{}, source Channel) bool {
	rec.mu.Lock()
	switch rec.completion {
	case completionDone:
		rec.mu.Unlock()
		g.log.Debugw("duplicate terminal signal rejected",
			"task_id", rec.taskID, "outcome", outcome, "source", source)
		return false
	case completionInFlight:
		// Two candidates racing; the gate is not re-entrant.
		rec.mu.Unlock()
		g.log.Warnw("terminal signal raced an in-flight completion",
			"task_id", rec.taskID, "outcome", outcome, "source", source)
		return false
	}
	rec.completion = completionInFlight
	rec.mu.Unlock()

	// Invoked outside the record lock so the callback may safely read
	// snapshots or release the task.
	if g.onFinished != nil {
		g.onFinished(rec.taskID, outcome, stats)
	}

	rec.mu.Lock()
	rec.completion = completionDone
	rec.outcome = outcome
	rec.state = stateFinished
	rec.mu.Unlock()

	g.log.Infow("task finished", "task_id", rec.taskID, "outcome", outcome, "source", source)
	return true
}

func (g *completionGate) allowSynthesized(sig ProgressSignal) bool {
	if sig.Progress >= g.cfg.NearCompletionThreshold {
		return true
	}
	if sig.Progress >= 99 && statsCorroborateCompletion(sig.Stats) {
		return true
	}
	return false
}

// statsCorroborateCompletion checks the opaque stats payload for a
// processed-equals-total pair, the backend's usual way of confirming the
// work is actually done while progress still reads 99.
func statsCorroborateCompletion(stats map[string]interface{}) bool {
	pairs := [][2]string{
		{"processed", "total"},
		{"processed_count", "total_count"},
		{"completed", "total"},
	}
	for _, pair := range pairs {
		done, okDone := numericStat(stats, pair[0])
		total, okTotal := numericStat(stats, pair[1])
		if okDone && okTotal && total > 0 && done >= total {
			return true
		}
	}
	return false
}

func numericStat(stats map[string]interface{}, key string) (float64, bool) {
	v, ok := stats[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
