package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// stallMonitor watches high-progress tasks and schedules staleness
// checks. At most one pending check exists per task; re-arming replaces
// any prior pending check (last write wins). When a check fires without a
// fresh signal having arrived, the monitor asks for a forced status check
// against the backend.
type stallMonitor struct {
	cfg        Config
	log        *zap.SugaredLogger
	forceCheck func(taskID string)

	mu        sync.Mutex
	timers    map[string]*time.Timer
	intervals map[string]time.Duration
}

func newStallMonitor(cfg Config, log *zap.SugaredLogger, forceCheck func(taskID string)) *stallMonitor {
	return &stallMonitor{
		cfg:        cfg,
		log:        log,
		forceCheck: forceCheck,
		timers:     make(map[string]*time.Timer),
		intervals:  make(map[string]time.Duration),
	}
}

// Observe is called for every accepted running-state signal. Below the
// high-activity threshold any pending check is dropped; at or above it
// the check is re-armed at the base interval, since a fresh signal means
// the channel is alive again.
func (m *stallMonitor) Observe(taskID string, progress float64) {
	if progress < m.cfg.StallThresholdProgress {
		m.Clear(taskID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[taskID] = m.cfg.MaxStuckDuration
	m.armLocked(taskID)
}

// Escalate re-arms with a doubled (bounded) interval. Called after a
// forced check reported the task still running, to avoid hammering the
// backend with recovery checks.
func (m *stallMonitor) Escalate(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval, ok := m.intervals[taskID]
	if !ok {
		return
	}
	interval *= 2
	if interval > m.cfg.MaxStallCheckInterval {
		interval = m.cfg.MaxStallCheckInterval
	}
	m.intervals[taskID] = interval
	m.armLocked(taskID)
	m.log.Debugw("stall check escalated", "task_id", taskID, "interval", interval)
}

// Clear cancels any pending check for the task.
func (m *stallMonitor) Clear(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[taskID]; ok {
		t.Stop()
		delete(m.timers, taskID)
	}
	delete(m.intervals, taskID)
}

// Close cancels all pending checks.
func (m *stallMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.intervals = make(map[string]time.Duration)
}

func (m *stallMonitor) armLocked(taskID string) {
	if t, ok := m.timers[taskID]; ok {
		t.Stop()
	}
	interval := m.intervals[taskID]
	m.timers[taskID] = time.AfterFunc(interval, func() {
		m.mu.Lock()
		delete(m.timers, taskID)
		m.mu.Unlock()

		m.log.Infow("task looks stalled, issuing forced status check",
			"task_id", taskID, "quiet_for", interval)
		m.forceCheck(taskID)
	})
}
