package reconcile

import "time"

// Config tunes the reconciliation engine. Zero values are replaced with
// the documented defaults, so callers only set what they care about.
type Config struct {
	// StallThresholdProgress is the progress value at or above which the
	// stall monitor arms. Early-stage stalls are tolerated.
	StallThresholdProgress float64

	// MaxStuckDuration is how long a high-progress task may go without an
	// accepted signal before a forced status check is issued.
	MaxStuckDuration time.Duration

	// MaxStallCheckInterval caps the doubling of the stall re-check
	// interval while forced checks keep reporting the task as running.
	MaxStallCheckInterval time.Duration

	// PollBaseInterval is the baseline fallback polling interval.
	PollBaseInterval time.Duration

	// MaxPollInterval caps the adaptive poll interval after repeated
	// fetch failures or while the push channel is actively delivering.
	MaxPollInterval time.Duration

	// MaxPollAttempts is the per-task poll budget. On exhaustion the
	// scheduler issues one last forced check and the task is closed with
	// OutcomeUnknown if still pending.
	MaxPollAttempts int

	// NearCompletionThreshold is the progress value at or above which a
	// running signal may synthesize completion without an explicit
	// terminal phase. Values in [99, threshold) are provisional and need
	// corroborating stats. Heuristic; see DESIGN.md.
	NearCompletionThreshold float64

	// RegressionTolerance is how far below the high-water mark a signal's
	// progress may fall before the signal is dropped as stale.
	RegressionTolerance float64

	// RateDebounce is the minimum elapsed time between recorded rate
	// samples, to keep bursty duplicate signals from polluting the ETA.
	RateDebounce time.Duration

	// RateSampleCapacity bounds the per-task ring buffer of rate samples.
	RateSampleCapacity int

	// PushQuietInterval: if a push signal arrived within this window the
	// push channel counts as flowing and polling decelerates.
	PushQuietInterval time.Duration

	// StartTimeout moves a task from Submitted to Running even if no
	// signal has arrived yet, so staleness accounting can begin.
	StartTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StallThresholdProgress:  95,
		MaxStuckDuration:        60 * time.Second,
		MaxStallCheckInterval:   8 * time.Minute,
		PollBaseInterval:        2 * time.Second,
		MaxPollInterval:         30 * time.Second,
		MaxPollAttempts:         150,
		NearCompletionThreshold: 99.5,
		RegressionTolerance:     2.0,
		RateDebounce:            500 * time.Millisecond,
		RateSampleCapacity:      10,
		PushQuietInterval:       5 * time.Second,
		StartTimeout:            10 * time.Second,
	}
}

// withDefaults fills in zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StallThresholdProgress <= 0 {
		c.StallThresholdProgress = d.StallThresholdProgress
	}
	if c.MaxStuckDuration <= 0 {
		c.MaxStuckDuration = d.MaxStuckDuration
	}
	if c.MaxStallCheckInterval <= 0 {
		c.MaxStallCheckInterval = d.MaxStallCheckInterval
	}
	if c.PollBaseInterval <= 0 {
		c.PollBaseInterval = d.PollBaseInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = d.MaxPollAttempts
	}
	if c.NearCompletionThreshold <= 0 {
		c.NearCompletionThreshold = d.NearCompletionThreshold
	}
	if c.RegressionTolerance <= 0 {
		c.RegressionTolerance = d.RegressionTolerance
	}
	if c.RateDebounce <= 0 {
		c.RateDebounce = d.RateDebounce
	}
	if c.RateSampleCapacity <= 0 {
		c.RateSampleCapacity = d.RateSampleCapacity
	}
	if c.PushQuietInterval <= 0 {
		c.PushQuietInterval = d.PushQuietInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	return c
}
