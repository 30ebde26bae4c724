package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Normalization errors. Rejected signals are dropped with a diagnostic,
// never forwarded; they indicate upstream protocol bugs worth surfacing.
var (
	ErrMissingTaskID      = errors.New("signal has no task id")
	ErrProgressOutOfRange = errors.New("progress out of range")
)

// rawStatus is the superset of shapes the push stream and the status
// endpoints produce. The two channels disagree on field names, so both
// spellings are accepted.
type rawStatus struct {
	TaskID   string                 `json:"task_id"`
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Phase    string                 `json:"phase"`
	Progress *float64               `json:"progress"`
	Message  string                 `json:"message"`
	Stats    map[string]interface{} `json:"stats"`
}

// Normalize maps a raw push event payload or poll response body into a
// ProgressSignal. Push values are validated strictly (malformed push data
// indicates a protocol bug); poll and forced values are clamped into
// [0,100] since status endpoints are known to round sloppily.
func Normalize(body []byte, source Channel, now time.Time) (ProgressSignal, error) {
	var raw rawStatus
	if err := json.Unmarshal(body, &raw); err != nil {
		return ProgressSignal{}, fmt.Errorf("malformed %s payload: %w", source, err)
	}
	return normalizeRaw(raw, source, now)
}

func normalizeRaw(raw rawStatus, source Channel, now time.Time) (ProgressSignal, error) {
	taskID := raw.TaskID
	if taskID == "" {
		taskID = raw.ID
	}
	if taskID == "" {
		return ProgressSignal{}, ErrMissingTaskID
	}

	progress := 0.0
	if raw.Progress != nil {
		progress = *raw.Progress
		if progress < 0 || progress > 100 {
			if source == ChannelPush {
				return ProgressSignal{}, fmt.Errorf("%w: %.2f from %s", ErrProgressOutOfRange, progress, source)
			}
			// Poll/forced responses are clamped rather than rejected.
			if progress < 0 {
				progress = 0
			} else {
				progress = 100
			}
		}
	}

	status := raw.Status
	if status == "" {
		status = raw.Phase
	}

	return ProgressSignal{
		TaskID:     taskID,
		Progress:   progress,
		Phase:      phaseFor(status),
		Message:    raw.Message,
		Stats:      raw.Stats,
		Source:     source,
		ReceivedAt: now,
	}, nil
}

// phaseFor maps the backend's status vocabulary onto the engine's phases.
func phaseFor(status string) Phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "running", "started", "starting", "in_progress", "processing":
		return PhaseRunning
	case "completed", "complete", "success", "succeeded", "done":
		return PhaseCompleted
	case "failed", "error", "errored":
		return PhaseFailed
	case "cancelled", "canceled":
		return PhaseCancelled
	case "":
		// Progress-only payloads (common on the push stream) imply the
		// task is still running.
		return PhaseRunning
	default:
		return PhaseUnknown
	}
}
