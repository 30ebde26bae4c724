package reconcile

import "time"

// Phase is the lifecycle phase a progress signal reports for a task.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
	PhaseUnknown   Phase = "unknown"
)

// IsTerminal reports whether the phase ends a task's lifecycle.
// PhaseUnknown is not terminal: a signal that cannot be classified must
// never end a task. OutcomeUnknown is produced only by the engine itself
// when the poll budget runs out without an authoritative outcome.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Channel identifies which transport delivered a signal.
type Channel string

const (
	ChannelPush   Channel = "push"   // server-initiated event stream
	ChannelPoll   Channel = "poll"   // periodic status endpoint fetch
	ChannelForced Channel = "forced" // stall-recovery status check
)

// Outcome is the single terminal result delivered to consumers, exactly
// once per task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeUnknown   Outcome = "unknown"
)

// outcomeForPhase maps a terminal phase to the outcome surfaced to the UI.
func outcomeForPhase(p Phase) Outcome {
	switch p {
	case PhaseCompleted:
		return OutcomeCompleted
	case PhaseFailed:
		return OutcomeFailed
	case PhaseCancelled:
		return OutcomeCancelled
	default:
		return OutcomeUnknown
	}
}

// ProgressSignal is the normalized unit of progress information,
// regardless of which channel produced it.
type ProgressSignal struct {
	TaskID     string                 `json:"task_id"`
	Progress   float64                `json:"progress"` // 0-100
	Phase      Phase                  `json:"phase"`
	Message    string                 `json:"message,omitempty"`
	Stats      map[string]interface{} `json:"stats,omitempty"` // opaque backend counters, passed through unmodified
	Source     Channel                `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
}

// TaskSnapshot is a read-only view of a task record. Collaborators never
// receive the record itself; only the engine mutates records.
type TaskSnapshot struct {
	TaskID       string    `json:"task_id"`
	State        string    `json:"state"`
	Progress     float64   `json:"progress"`
	Message      string    `json:"message"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastSignalAt time.Time `json:"last_signal_at"`
}
