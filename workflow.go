package policyscan

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default dwell time for a paused review before the scheduler steps in.
const DefaultReviewTimeout = 7 * 24 * time.Hour

// Step is one unit of work in a workflow definition.
type Step struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`

	// ReviewPoint pauses the run after this step until a human decision
	// or the review timeout resolves it.
	ReviewPoint       bool          `json:"review_point,omitempty"`
	ReviewStrategy    string        `json:"review_strategy,omitempty"`
	RequiredReviewers int           `json:"required_reviewers,omitempty"`
	ReviewTimeout     time.Duration `json:"review_timeout,omitempty"`
	OnTimeout         TimeoutAction `json:"on_timeout,omitempty"`
}

// Workflow is an ordered list of steps executed by the engine.
type Workflow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// StepIndex returns the position of stepID in the workflow, or -1.
func (w *Workflow) StepIndex(stepID string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Validate checks structural constraints on the definition.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return NewValidationError("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return NewValidationError("workflow %s has no steps", w.ID)
	}
	seen := make(map[string]struct{}, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return NewValidationError("workflow %s: step %d has no id", w.ID, i)
		}
		if s.Action == "" {
			return NewValidationError("workflow %s: step %s has no action", w.ID, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return NewValidationError("workflow %s: duplicate step id %s", w.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.OnTimeout != "" && s.OnTimeout != OnTimeoutResume && s.OnTimeout != OnTimeoutFail {
			return NewValidationError("workflow %s: step %s has invalid on_timeout %q", w.ID, s.ID, s.OnTimeout)
		}
	}
	return nil
}

// StepInput is what the engine hands a step action.
type StepInput struct {
	RunID   string
	StepID  string
	Params  map[string]any
	Context *RunContext
}

// StepAction executes one workflow step. Returning a ValidationError leaves
// the run untouched; any other error fails the run.
type StepAction func(ctx context.Context, in StepInput) (any, error)

// ActionRegistry maps action names to step actions. All actions must be
// registered before any run that uses them starts.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]StepAction
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]StepAction)}
}

// Register adds or replaces an action under the given name.
func (r *ActionRegistry) Register(name string, action StepAction) error {
	if name == "" {
		return NewValidationError("action name is required")
	}
	if action == nil {
		return NewValidationError("action %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
	return nil
}

// Lookup returns the action registered under name.
func (r *ActionRegistry) Lookup(name string) (StepAction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names, for diagnostics.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	return names
}

func (r *ActionRegistry) String() string {
	return fmt.Sprintf("ActionRegistry(%d actions)", len(r.Names()))
}
