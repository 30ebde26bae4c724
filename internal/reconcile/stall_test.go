package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type forcedCheckRecorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newForcedCheckRecorder() *forcedCheckRecorder {
	return &forcedCheckRecorder{ch: make(chan string, 16)}
}

func (r *forcedCheckRecorder) check(taskID string) {
	r.mu.Lock()
	r.calls = append(r.calls, taskID)
	r.mu.Unlock()
	r.ch <- taskID
}

func (r *forcedCheckRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func stallConfig() Config {
	cfg := DefaultConfig()
	cfg.StallThresholdProgress = 95
	cfg.MaxStuckDuration = 40 * time.Millisecond
	cfg.MaxStallCheckInterval = 160 * time.Millisecond
	return cfg
}

func TestStallMonitor(t *testing.T) {
	t.Run("Should issue a forced check when a high-progress task goes quiet", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Observe("task-1", 97)

		select {
		case taskID := <-recorder.ch:
			assert.Equal(t, "task-1", taskID)
		case <-time.After(2 * stallConfig().MaxStuckDuration):
			t.Fatal("expected a forced check, got none")
		}
	})

	t.Run("Should not arm below the activity threshold", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Observe("task-2", 50)

		time.Sleep(3 * stallConfig().MaxStuckDuration)
		assert.Zero(t, recorder.count())
	})

	t.Run("Should disarm when progress drops back below the threshold", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Observe("task-3", 96)
		monitor.Observe("task-3", 50)

		time.Sleep(3 * stallConfig().MaxStuckDuration)
		assert.Zero(t, recorder.count())
	})

	t.Run("Should clear a pending check", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Observe("task-4", 98)
		monitor.Clear("task-4")

		time.Sleep(3 * stallConfig().MaxStuckDuration)
		assert.Zero(t, recorder.count())
	})

	t.Run("Should keep at most one pending check per task", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		// Rapid re-observations re-arm the same timer, not new ones.
		for i := 0; i < 5; i++ {
			monitor.Observe("task-5", 97)
			time.Sleep(5 * time.Millisecond)
		}

		time.Sleep(3 * stallConfig().MaxStuckDuration)
		assert.Equal(t, 1, recorder.count())
	})

	t.Run("Should escalate the interval with a bound", func(t *testing.T) {
		cfg := stallConfig()
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(cfg, zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Observe("task-6", 97)
		for i := 0; i < 10; i++ {
			monitor.Escalate("task-6")
		}

		monitor.mu.Lock()
		interval := monitor.intervals["task-6"]
		monitor.mu.Unlock()

		assert.Equal(t, cfg.MaxStallCheckInterval, interval)
	})

	t.Run("Should ignore escalation for an untracked task", func(t *testing.T) {
		recorder := newForcedCheckRecorder()
		monitor := newStallMonitor(stallConfig(), zap.NewNop().Sugar(), recorder.check)
		defer monitor.Close()

		monitor.Escalate("never-observed")

		time.Sleep(2 * stallConfig().MaxStuckDuration)
		assert.Zero(t, recorder.count())
	})
}
