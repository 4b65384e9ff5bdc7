package policyscan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeoutScheduler arms and clears review timeouts for paused runs.
// The schedule package provides the timer-backed implementation.
type TimeoutScheduler interface {
	Schedule(runID, stepID string, d time.Duration, action TimeoutAction)
	Clear(runID string)
}

// Engine drives workflow runs step by step. All collaborators are injected;
// the engine holds no global state.
type Engine struct {
	runs      RunStore
	reviews   ReviewCreator
	sched     TimeoutScheduler
	notifier  Notifier
	extractor CandidateExtractor
	registry  *ActionRegistry

	wfMu      sync.RWMutex
	workflows map[string]Workflow

	lockMu   sync.Mutex
	runLocks map[string]*sync.Mutex

	Logger *slog.Logger
}

// NewEngine wires a run engine. A nil extractor falls back to
// DefaultExtractor, a nil notifier to the log notifier.
func NewEngine(runs RunStore, reviews ReviewCreator, sched TimeoutScheduler, notifier Notifier, extractor CandidateExtractor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if extractor == nil {
		extractor = DefaultExtractor{}
	}
	return &Engine{
		runs:      runs,
		reviews:   reviews,
		sched:     sched,
		notifier:  notifier,
		extractor: extractor,
		registry:  NewActionRegistry(),
		workflows: make(map[string]Workflow),
		runLocks:  make(map[string]*sync.Mutex),
		Logger:    logger.With("component", "engine"),
	}
}

// RegisterAction adds a step action to the engine's registry.
func (e *Engine) RegisterAction(name string, action StepAction) error {
	return e.registry.Register(name, action)
}

// RegisterWorkflow validates and stores a workflow definition for later
// Start/Resume lookups.
func (e *Engine) RegisterWorkflow(wf Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	e.wfMu.Lock()
	defer e.wfMu.Unlock()
	e.workflows[wf.ID] = wf
	return nil
}

// Workflow returns a registered workflow definition by id.
func (e *Engine) Workflow(id string) (Workflow, bool) {
	e.wfMu.RLock()
	defer e.wfMu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// StartOptions configure a new run.
type StartOptions struct {
	QueryID   string
	CreatorID string
	Params    map[string]any
}

// Start creates a run for the workflow and executes its steps until the run
// completes, pauses at a review point, or fails. Prior pending/running runs
// for the same key are cancelled first. Concurrent runs are the caller's
// goroutines; within one run, steps are strictly sequential.
func (e *Engine) Start(ctx context.Context, workflowID string, opts StartOptions) (*Run, error) {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return nil, NewValidationError("workflow not registered: %s", workflowID)
	}
	for i := range wf.Steps {
		if _, ok := e.registry.Lookup(wf.Steps[i].Action); !ok {
			return nil, NewValidationError("workflow %s: action not registered: %s", wf.ID, wf.Steps[i].Action)
		}
	}

	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		QueryID:    opts.QueryID,
		CreatorID:  opts.CreatorID,
		Status:     RunPending,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := e.cancelPriorActive(ctx, run.Key(), run.ID); err != nil {
		return nil, fmt.Errorf("cancelling prior runs for %s: %w", run.Key(), err)
	}

	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	e.appendLog(ctx, run.ID, LogInfo, "run created", map[string]any{"workflow": wf.ID})

	ok, err := e.runs.Transition(ctx, run.ID, []RunStatus{RunPending}, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("starting run %s: %w", run.ID, err)
	}
	if !ok {
		// Cancelled between create and start. Leave it be.
		e.appendLog(ctx, run.ID, LogWarn, "run no longer pending at start, not executing", nil)
		return e.runs.Get(ctx, run.ID)
	}
	run.Status = RunRunning
	e.appendLog(ctx, run.ID, LogInfo, "run started", nil)

	return e.execute(ctx, run, wf, 0, NewRunContext(opts.Params))
}

// ResumeOptions configure re-entry of a paused run.
type ResumeOptions struct {
	// CompleteReview marks the step's review completed as part of resuming.
	CompleteReview bool
	// Context overrides the saved paused context when non-nil.
	Context *RunContext
	// ResumedBy is recorded in the run log ("user:<id>", "timeout").
	ResumedBy string
}

// Resume re-enters a paused run at the step after its saved position.
// Exactly one concurrent Resume wins per pause; the rest are logged no-ops
// that return the current run with no error.
func (e *Engine) Resume(ctx context.Context, runID string, opts ResumeOptions) (*Run, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, ok := e.Workflow(run.WorkflowID)
	if !ok {
		return nil, NewValidationError("workflow not registered: %s", run.WorkflowID)
	}

	paused, claimed, err := e.runs.ClaimResume(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("claiming resume of run %s: %w", runID, err)
	}
	if !claimed {
		e.appendLog(ctx, runID, LogWarn, "resume ignored: run is not paused", map[string]any{"status": string(run.Status), "resumed_by": opts.ResumedBy})
		e.Logger.Warn("resume ignored", "run", runID, "status", run.Status)
		return run, nil
	}

	e.sched.Clear(runID)

	rc := opts.Context
	if rc == nil {
		rc = paused.Context
	}
	if rc == nil {
		rc = NewRunContext(nil)
	}

	if accepted, aerr := e.reviews.AcceptedCandidateIDs(ctx, runID, paused.StepID); aerr != nil {
		e.Logger.Warn("could not load accepted candidates", "run", runID, "step", paused.StepID, "error", aerr)
	} else {
		rc.AcceptedCandidateIDs = accepted
	}
	if opts.CompleteReview {
		if cerr := e.reviews.CompleteForStep(ctx, runID, paused.StepID); cerr != nil {
			e.Logger.Warn("could not complete review", "run", runID, "step", paused.StepID, "error", cerr)
		}
	}

	e.appendLog(ctx, runID, LogInfo, "run resumed", map[string]any{"step": paused.StepID, "resumed_by": opts.ResumedBy})

	idx := wf.StepIndex(paused.StepID)
	if idx < 0 {
		msg := fmt.Sprintf("paused step %s no longer exists in workflow %s", paused.StepID, wf.ID)
		e.failRun(ctx, runID, paused.StepID, fmt.Errorf("%s", msg))
		return nil, NewValidationError("%s", msg)
	}

	run.Status = RunRunning
	run.Paused = nil
	return e.execute(ctx, run, wf, idx+1, rc)
}

// ResumeExpired is the scheduler's entry point when a review timeout with
// the resume action fires. It satisfies schedule.Resolver.
func (e *Engine) ResumeExpired(ctx context.Context, runID, stepID string) error {
	_, err := e.Resume(ctx, runID, ResumeOptions{CompleteReview: true, ResumedBy: "timeout"})
	return err
}

// Cancel moves a run from any non-terminal state to cancelled and disarms
// its review timeout so a stale timer cannot revive it.
func (e *Engine) Cancel(ctx context.Context, runID string) (*Run, error) {
	ok, err := e.runs.Transition(ctx, runID, []RunStatus{RunPending, RunRunning, RunPaused}, RunCancelled)
	if err != nil {
		return nil, err
	}
	e.sched.Clear(runID)
	if !ok {
		run, gerr := e.runs.Get(ctx, runID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, NewValidationError("run %s is already %s, cannot cancel", runID, run.Status)
	}
	e.appendLog(ctx, runID, LogInfo, "run cancelled", nil)
	return e.runs.Get(ctx, runID)
}

// execute advances the run through wf.Steps[startIdx:]. The per-run lock
// guarantees exactly one step loop per run even if Start and Resume race.
func (e *Engine) execute(ctx context.Context, run *Run, wf Workflow, startIdx int, rc *RunContext) (*Run, error) {
	// Caller-supplied contexts may arrive as bare literals.
	if rc == nil {
		rc = NewRunContext(nil)
	}
	if rc.StepResults == nil {
		rc.StepResults = make(map[string]any)
	}

	lock := e.lockFor(run.ID)
	lock.Lock()
	defer lock.Unlock()

	logger := e.Logger.With("run", run.ID, "workflow", wf.ID)

	for i := startIdx; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		action, ok := e.registry.Lookup(step.Action)
		if !ok {
			err := fmt.Errorf("action not registered: %s", step.Action)
			e.failRun(ctx, run.ID, step.ID, err)
			return e.currentRun(ctx, run), err
		}

		logger.Info("executing step", "step", step.ID, "action", step.Action)
		result, err := action(ctx, StepInput{
			RunID:   run.ID,
			StepID:  step.ID,
			Params:  step.Params,
			Context: rc,
		})
		if err != nil {
			if IsValidation(err) {
				// Recoverable: surface to the caller, leave run state alone.
				e.appendLog(ctx, run.ID, LogWarn, fmt.Sprintf("step %s rejected input: %v", step.ID, err), nil)
				return e.currentRun(ctx, run), err
			}
			e.failRun(ctx, run.ID, step.ID, err)
			return e.currentRun(ctx, run), err
		}

		rc.StepResults[step.ID] = result
		e.appendLog(ctx, run.ID, LogInfo, fmt.Sprintf("step %s completed", step.ID), nil)

		if step.ReviewPoint {
			paused, pausedNow, perr := e.pauseForReview(ctx, run, wf, step, result, rc)
			if perr != nil {
				e.failRun(ctx, run.ID, step.ID, perr)
				return e.currentRun(ctx, run), perr
			}
			if pausedNow {
				run.Status = RunPaused
				run.Paused = paused
				return run, nil
			}
			// No candidates: nothing to review, keep going.
			e.appendLog(ctx, run.ID, LogInfo, fmt.Sprintf("step %s produced no candidates, skipping review", step.ID), nil)
		}
	}

	ok, err := e.runs.Transition(ctx, run.ID, []RunStatus{RunRunning}, RunCompleted)
	if err != nil {
		return nil, fmt.Errorf("completing run %s: %w", run.ID, err)
	}
	if !ok {
		// Cancelled mid-flight; the transition already happened elsewhere.
		e.appendLog(ctx, run.ID, LogWarn, "run not running at completion", nil)
		return e.currentRun(ctx, run), nil
	}
	run.Status = RunCompleted
	e.appendLog(ctx, run.ID, LogInfo, "run completed", nil)
	e.notify(ctx, run, "run_completed", fmt.Sprintf("workflow %s completed", wf.ID))
	return run, nil
}

// pauseForReview creates the review, pauses the run and arms the timeout.
// pausedNow is false when the step produced no candidates.
func (e *Engine) pauseForReview(ctx context.Context, run *Run, wf Workflow, step Step, result any, rc *RunContext) (*PausedState, bool, error) {
	candidates := e.extractor.Extract(result, rc)
	if len(candidates) == 0 {
		return nil, false, nil
	}

	strategy := step.ReviewStrategy
	if strategy == "" {
		strategy = "single-reviewer"
	}
	reviewID, err := e.reviews.CreateReview(ctx, NewReview{
		RunID:             run.ID,
		WorkflowID:        wf.ID,
		StepID:            step.ID,
		Strategy:          strategy,
		RequiredReviewers: step.RequiredReviewers,
		Candidates:        candidates,
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating review for step %s: %w", step.ID, err)
	}

	timeout := step.ReviewTimeout
	if timeout <= 0 {
		timeout = DefaultReviewTimeout
	}
	onTimeout := step.OnTimeout
	if onTimeout == "" {
		onTimeout = OnTimeoutFail
	}

	paused := &PausedState{
		StepID:    step.ID,
		Context:   rc.Clone(),
		Deadline:  time.Now().UTC().Add(timeout),
		OnTimeout: onTimeout,
	}
	ok, err := e.runs.Pause(ctx, run.ID, paused)
	if err != nil {
		return nil, false, fmt.Errorf("pausing run %s: %w", run.ID, err)
	}
	if !ok {
		return nil, false, fmt.Errorf("run %s is no longer running, cannot pause", run.ID)
	}

	e.sched.Schedule(run.ID, step.ID, timeout, onTimeout)
	e.appendLog(ctx, run.ID, LogInfo, fmt.Sprintf("run paused for review at step %s", step.ID), map[string]any{
		"review_id":  reviewID,
		"candidates": len(candidates),
		"timeout":    timeout.String(),
		"on_timeout": string(onTimeout),
	})
	e.notify(ctx, run, "review_requested", fmt.Sprintf("%d candidates await review at step %s", len(candidates), step.ID))
	return paused, true, nil
}

func (e *Engine) failRun(ctx context.Context, runID, stepID string, cause error) {
	msg := fmt.Sprintf("step %s failed: %v", stepID, cause)
	if _, err := e.runs.Fail(ctx, runID, msg); err != nil {
		e.Logger.Error("could not mark run failed", "run", runID, "error", err)
	}
	e.sched.Clear(runID)
	e.appendLog(ctx, runID, LogError, msg, nil)
}

// currentRun re-reads the run, falling back to the in-memory copy when the
// store read fails.
func (e *Engine) currentRun(ctx context.Context, run *Run) *Run {
	fresh, err := e.runs.Get(ctx, run.ID)
	if err != nil {
		return run
	}
	return fresh
}

func (e *Engine) cancelPriorActive(ctx context.Context, key, newRunID string) error {
	active, err := e.runs.ActiveRuns(ctx, key)
	if err != nil {
		return err
	}
	for _, prior := range active {
		if prior.ID == newRunID {
			continue
		}
		ok, terr := e.runs.Transition(ctx, prior.ID, []RunStatus{RunPending, RunRunning}, RunCancelled)
		if terr != nil {
			return terr
		}
		e.sched.Clear(prior.ID)
		if ok {
			e.appendLog(ctx, prior.ID, LogInfo, "run superseded by newer run for the same key", map[string]any{"superseded_by": newRunID})
		}
	}
	return nil
}

// appendLog writes a run log entry. Log persistence is best-effort and
// never escalates.
func (e *Engine) appendLog(ctx context.Context, runID string, level LogLevel, msg string, meta map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Metadata:  meta,
	}
	if err := e.runs.AppendLog(ctx, runID, entry); err != nil {
		e.Logger.Warn("could not append run log", "run", runID, "error", err)
	}
}

// notify delivers best-effort; failures never block a transition.
func (e *Engine) notify(ctx context.Context, run *Run, event, message string) {
	if run.CreatorID == "" {
		return
	}
	if err := e.notifier.Notify(ctx, run.CreatorID, Notification{RunID: run.ID, Event: event, Message: message}); err != nil {
		e.Logger.Warn("notification failed", "run", run.ID, "error", err)
	}
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if l, ok := e.runLocks[runID]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.runLocks[runID] = l
	return l
}
