package reconcile

import "time"

// rateSample is one observed (Δprogress/Δtime) measurement.
type rateSample struct {
	rate float64 // progress points per second
	at   time.Time
}

// rateTracker keeps a bounded ring buffer of recent progress rates for
// one task and derives an ETA from their average. A sample is recorded
// only when the debounce window has elapsed AND progress actually
// increased, so bursts of duplicate signals do not pollute the rate.
type rateTracker struct {
	samples  []rateSample
	next     int
	count    int
	debounce time.Duration

	lastProgress float64
	lastAt       time.Time
}

func newRateTracker(capacity int, debounce time.Duration) *rateTracker {
	return &rateTracker{
		samples:  make([]rateSample, capacity),
		debounce: debounce,
	}
}

// Record feeds a progress observation and returns the current ETA.
// ok is false until at least two samples exist or while the average
// rate is zero.
func (t *rateTracker) Record(progress float64, now time.Time) (eta time.Duration, ok bool) {
	if t.lastAt.IsZero() {
		t.lastProgress = progress
		t.lastAt = now
		return 0, false
	}

	elapsed := now.Sub(t.lastAt)
	if elapsed >= t.debounce && progress > t.lastProgress {
		t.samples[t.next] = rateSample{
			rate: (progress - t.lastProgress) / elapsed.Seconds(),
			at:   now,
		}
		t.next = (t.next + 1) % len(t.samples)
		if t.count < len(t.samples) {
			t.count++
		}
		t.lastProgress = progress
		t.lastAt = now
	}

	return t.eta(progress)
}

// eta estimates remaining time from the mean of buffered rates.
func (t *rateTracker) eta(progress float64) (time.Duration, bool) {
	if t.count < 2 {
		return 0, false
	}

	var sum float64
	for i := 0; i < t.count; i++ {
		sum += t.samples[i].rate
	}
	avg := sum / float64(t.count)
	if avg <= 0 {
		return 0, false
	}

	remaining := 100 - progress
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining / avg * float64(time.Second)), true
}
