package policyscan

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Active reports whether the run still occupies its workflow key.
// Paused runs are waiting on a review, not active work.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning
}

// CanTransition reports whether from -> to is a legal run transition.
// Legal paths: pending->running->{paused<->running}->{completed|failed},
// plus any non-terminal state -> cancelled.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RunCancelled {
		return true
	}
	switch from {
	case RunPending:
		return to == RunRunning
	case RunRunning:
		return to == RunPaused || to == RunCompleted || to == RunFailed
	case RunPaused:
		return to == RunRunning || to == RunFailed
	}
	return false
}

// TimeoutAction is what the scheduler does to a paused run on expiry.
type TimeoutAction string

const (
	OnTimeoutResume TimeoutAction = "resume"
	OnTimeoutFail   TimeoutAction = "fail"
)

// PausedState is the snapshot taken when a run pauses at a review point.
// Deadline and OnTimeout are persisted so pending timeouts survive a restart.
type PausedState struct {
	StepID    string        `json:"step_id"`
	Context   *RunContext   `json:"context"`
	Deadline  time.Time     `json:"deadline"`
	OnTimeout TimeoutAction `json:"on_timeout"`
}

// RunContext is the typed state threaded through a run's steps.
// Known fields are explicit; Extra is the overflow map for dynamic values.
type RunContext struct {
	Params               map[string]any `json:"params,omitempty"`
	StepResults          map[string]any `json:"step_results,omitempty"`
	AcceptedCandidateIDs []string       `json:"accepted_candidate_ids,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// NewRunContext creates a RunContext seeded with the initial run parameters.
func NewRunContext(params map[string]any) *RunContext {
	return &RunContext{
		Params:      params,
		StepResults: make(map[string]any),
	}
}

// Clone returns a copy with fresh top-level maps so two holders cannot
// alias each other's step results.
func (c *RunContext) Clone() *RunContext {
	if c == nil {
		return NewRunContext(nil)
	}
	out := &RunContext{
		Params:               make(map[string]any, len(c.Params)),
		StepResults:          make(map[string]any, len(c.StepResults)),
		AcceptedCandidateIDs: append([]string(nil), c.AcceptedCandidateIDs...),
	}
	for k, v := range c.Params {
		out.Params[k] = v
	}
	for k, v := range c.StepResults {
		out.StepResults[k] = v
	}
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// LogLevel classifies run log entries.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only audit record on a run.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Run is one execution of a workflow definition. Runs are never deleted;
// terminal runs remain as the audit trail.
type Run struct {
	ID         string       `json:"id"`
	WorkflowID string       `json:"workflow_id"`
	QueryID    string       `json:"query_id,omitempty"`
	CreatorID  string       `json:"creator_id"`
	Status     RunStatus    `json:"status"`
	Paused     *PausedState `json:"paused,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Key is the exclusivity key for the run: at most one pending or running
// run may exist per key. QueryID wins over WorkflowID when set.
func (r *Run) Key() string {
	if r.QueryID != "" {
		return r.QueryID
	}
	return r.WorkflowID
}

// RunStore is the persistence contract for runs. Every mutation is a single
// atomic conditional operation; implementations must never read-modify-write
// across two calls.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)

	// Transition moves the run from any of the given states to the target
	// state. It returns false with no error when the run exists but is not
	// in an allowed source state (the caller lost the race).
	Transition(ctx context.Context, runID string, from []RunStatus, to RunStatus) (bool, error)

	// Pause atomically moves a running run to paused with the snapshot.
	Pause(ctx context.Context, runID string, paused *PausedState) (bool, error)

	// ClaimResume atomically moves a paused run back to running and clears
	// the snapshot, returning it. Exactly one concurrent caller wins; losers
	// get ok=false.
	ClaimResume(ctx context.Context, runID string) (*PausedState, bool, error)

	// Fail marks a non-terminal run failed with the given message.
	Fail(ctx context.Context, runID string, msg string) (bool, error)

	AppendLog(ctx context.Context, runID string, entry LogEntry) error
	Logs(ctx context.Context, runID string) ([]LogEntry, error)

	// ActiveRuns returns pending/running runs for the exclusivity key.
	ActiveRuns(ctx context.Context, key string) ([]*Run, error)

	// PausedRuns returns every paused run, for timeout re-arming on startup.
	PausedRuns(ctx context.Context) ([]*Run, error)
}
