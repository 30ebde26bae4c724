package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusFetcher fetches the backend's current view of a task from the
// status endpoint. Implementations try their endpoint candidates in
// priority order and return the first well-formed response body.
type StatusFetcher interface {
	FetchStatus(taskID string) ([]byte, error)
}

// pollScheduler runs the adaptive-interval fallback polling loop, one per
// task. The interval backs off multiplicatively (capped) after repeated
// fetch failures and while the push channel is actively delivering, and
// drops back to baseline when polling observes fresh progress. Each task
// has a hard attempt budget; on exhaustion one last forced check is made
// and the task is surrendered to the engine as an unknown outcome.
type pollScheduler struct {
	cfg       Config
	log       *zap.SugaredLogger
	fetch     StatusFetcher
	deliver   func(ProgressSignal)
	exhausted func(taskID string)

	mu    sync.Mutex
	loops map[string]*pollLoop
}

type pollLoop struct {
	taskID string
	stop   chan struct{}

	mu                sync.Mutex
	interval          time.Duration
	consecutiveErrors int
	attempts          int
	lastPushAt        time.Time
}

func newPollScheduler(cfg Config, log *zap.SugaredLogger, fetch StatusFetcher, deliver func(ProgressSignal), exhausted func(string)) *pollScheduler {
	return &pollScheduler{
		cfg:       cfg,
		log:       log,
		fetch:     fetch,
		deliver:   deliver,
		exhausted: exhausted,
		loops:     make(map[string]*pollLoop),
	}
}

// Start begins fallback polling for the task. Starting an already-polled
// task is a no-op.
func (p *pollScheduler) Start(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.loops[taskID]; exists {
		return
	}

	loop := &pollLoop{
		taskID:   taskID,
		stop:     make(chan struct{}),
		interval: p.cfg.PollBaseInterval,
	}
	p.loops[taskID] = loop
	go p.run(loop)
}

// Stop halts polling for the task. Idempotent.
func (p *pollScheduler) Stop(taskID string) {
	p.mu.Lock()
	loop, exists := p.loops[taskID]
	if exists {
		delete(p.loops, taskID)
	}
	p.mu.Unlock()
	if exists {
		close(loop.stop)
	}
}

// StopAll halts every poll loop.
func (p *pollScheduler) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*pollLoop)
	p.mu.Unlock()
	for _, loop := range loops {
		close(loop.stop)
	}
}

// NotePushActivity decelerates polling while the push channel is
// flowing, to avoid duplicate work against the status endpoint.
func (p *pollScheduler) NotePushActivity(taskID string) {
	if loop := p.lookup(taskID); loop != nil {
		loop.mu.Lock()
		loop.lastPushAt = time.Now()
		loop.interval = capDuration(loop.interval*2, p.cfg.MaxPollInterval)
		loop.mu.Unlock()
	}
}

// NoteFreshProgress resets the interval to baseline after polling
// observed a new, higher progress value.
func (p *pollScheduler) NoteFreshProgress(taskID string) {
	if loop := p.lookup(taskID); loop != nil {
		loop.mu.Lock()
		loop.interval = p.cfg.PollBaseInterval
		loop.consecutiveErrors = 0
		loop.mu.Unlock()
	}
}

// ForcedCheck performs a single immediate status fetch outside the
// polling cadence and feeds the result back as a forced-channel signal.
// Used by the stall monitor and the budget-exhaustion path. Reports
// whether a signal was actually delivered.
func (p *pollScheduler) ForcedCheck(taskID string) bool {
	body, err := p.fetch.FetchStatus(taskID)
	if err != nil {
		p.log.Warnw("forced status check failed", "task_id", taskID, "error", err)
		return false
	}
	sig, err := Normalize(body, ChannelForced, time.Now())
	if err != nil {
		p.log.Warnw("forced status response rejected", "task_id", taskID, "error", err)
		return false
	}
	p.deliver(sig)
	return true
}

func (p *pollScheduler) lookup(taskID string) *pollLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loops[taskID]
}

func (p *pollScheduler) run(loop *pollLoop) {
	for {
		loop.mu.Lock()
		wait := loop.interval
		loop.mu.Unlock()

		select {
		case <-loop.stop:
			return
		case <-time.After(wait):
		}

		loop.mu.Lock()
		loop.attempts++
		attempts := loop.attempts
		// The push channel counts as flowing only while its signals are
		// recent; once it goes quiet the decelerated cadence no longer
		// reflects reality and polling returns to the baseline.
		if loop.consecutiveErrors == 0 && !loop.lastPushAt.IsZero() &&
			time.Since(loop.lastPushAt) > p.cfg.PushQuietInterval {
			loop.interval = p.cfg.PollBaseInterval
		}
		loop.mu.Unlock()

		if attempts > p.cfg.MaxPollAttempts {
			p.log.Warnw("poll budget exhausted", "task_id", loop.taskID, "attempts", attempts-1)
			p.Stop(loop.taskID)
			p.exhausted(loop.taskID)
			return
		}

		body, err := p.fetch.FetchStatus(loop.taskID)
		if err != nil {
			loop.mu.Lock()
			loop.consecutiveErrors++
			loop.interval = capDuration(loop.interval*2, p.cfg.MaxPollInterval)
			errs := loop.consecutiveErrors
			loop.mu.Unlock()
			// Transport failure: retried with backoff, never surfaced as
			// a task failure.
			p.log.Debugw("status poll failed", "task_id", loop.taskID, "consecutive_errors", errs, "error", err)
			continue
		}

		loop.mu.Lock()
		loop.consecutiveErrors = 0
		loop.mu.Unlock()

		sig, err := Normalize(body, ChannelPoll, time.Now())
		if err != nil {
			p.log.Warnw("status poll response rejected", "task_id", loop.taskID, "error", err)
			continue
		}
		p.deliver(sig)
	}
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
