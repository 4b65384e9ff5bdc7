// Package schedule enforces a maximum dwell time on paused runs. One timer
// is armed per run id; rescheduling replaces the previous timer and a human
// completing the review clears it. The timer backend is in-process; armed
// deadlines are persisted with the run so RearmPaused can rebuild them
// after a restart.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// Resolver is the engine's resume path. Late-bound via SetResolver so the
// scheduler stays constructible before the engine exists.
type Resolver interface {
	ResumeExpired(ctx context.Context, runID, stepID string) error
}

type entry struct {
	timer  *time.Timer
	stepID string
	action policyscan.TimeoutAction
	dwell  time.Duration
}

// Scheduler arms review timeouts for paused runs.
type Scheduler struct {
	runs     policyscan.RunStore
	notifier policyscan.Notifier

	mu       sync.Mutex
	timers   map[string]*entry
	resolver Resolver
	stopped  bool

	Logger *slog.Logger
}

// New creates a scheduler over the run store. Call SetResolver before any
// resume-action timeout can fire.
func New(runs policyscan.RunStore, notifier policyscan.Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = policyscan.NewLogNotifier(logger)
	}
	return &Scheduler{
		runs:     runs,
		notifier: notifier,
		timers:   make(map[string]*entry),
		Logger:   logger.With("component", "scheduler"),
	}
}

// SetResolver binds the engine's resume path.
func (s *Scheduler) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Schedule arms a timeout for the run. A second call for the same run id
// cancels and replaces the first: last-scheduled wins.
func (s *Scheduler) Schedule(runID, stepID string, d time.Duration, action policyscan.TimeoutAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[runID]; ok {
		prev.timer.Stop()
	}
	ent := &entry{stepID: stepID, action: action, dwell: d}
	ent.timer = time.AfterFunc(d, func() { s.expire(runID, ent) })
	s.timers[runID] = ent
	s.Logger.Info("review timeout armed", "run", runID, "step", stepID, "timeout", d.String(), "action", string(action))
}

// Clear disarms the run's timeout. Call it whenever a human resolves the
// review before expiry so an orphaned timer cannot fire after resumption.
func (s *Scheduler) Clear(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.timers[runID]; ok {
		ent.timer.Stop()
		delete(s.timers, runID)
	}
}

// Stop disarms every timer. Expiries already in flight still run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, ent := range s.timers {
		ent.timer.Stop()
		delete(s.timers, id)
	}
}

// RearmPaused reads persisted paused runs and re-arms their timeouts from
// the saved deadlines. Deadlines already in the past fire immediately.
func (s *Scheduler) RearmPaused(ctx context.Context) error {
	paused, err := s.runs.PausedRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing paused runs: %w", err)
	}
	for _, run := range paused {
		if run.Paused == nil {
			s.Logger.Warn("paused run has no snapshot, skipping", "run", run.ID)
			continue
		}
		remaining := time.Until(run.Paused.Deadline)
		if remaining < 0 {
			remaining = 0
		}
		s.Schedule(run.ID, run.Paused.StepID, remaining, run.Paused.OnTimeout)
	}
	return nil
}

// Armed reports whether a timeout is currently armed for the run.
func (s *Scheduler) Armed(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[runID]
	return ok
}

func (s *Scheduler) expire(runID string, ent *entry) {
	s.mu.Lock()
	if s.timers[runID] != ent {
		// Replaced or cleared after this timer fired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, runID)
	resolver := s.resolver
	s.mu.Unlock()

	ctx := context.Background()
	logger := s.Logger.With("run", runID, "step", ent.stepID)

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		logger.Error("could not fetch run on timeout expiry", "error", err)
		return
	}
	if run.Status != policyscan.RunPaused {
		// A human already resolved the review. Last resume wins.
		logger.Info("review timeout expired on non-paused run, ignoring", "status", string(run.Status))
		return
	}

	elapsed := FormatDuration(ent.dwell)
	switch ent.action {
	case policyscan.OnTimeoutResume:
		if resolver == nil {
			s.fail(ctx, runID, fmt.Sprintf("review timed out after %s and no resume path is bound", elapsed))
			break
		}
		logger.Info("review timeout expired, auto-resuming")
		if rerr := resolver.ResumeExpired(ctx, runID, ent.stepID); rerr != nil {
			s.fail(ctx, runID, fmt.Sprintf("review timed out after %s and auto-resume failed: %v", elapsed, rerr))
		}
	default:
		logger.Info("review timeout expired, failing run")
		s.fail(ctx, runID, fmt.Sprintf("review timed out after %s without a decision", elapsed))
	}

	if run.CreatorID != "" {
		nerr := s.notifier.Notify(ctx, run.CreatorID, policyscan.Notification{
			RunID:   runID,
			Event:   "review_timeout",
			Message: fmt.Sprintf("review at step %s timed out after %s", ent.stepID, elapsed),
		})
		if nerr != nil {
			logger.Warn("timeout notification failed", "error", nerr)
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, runID, msg string) {
	if _, err := s.runs.Fail(ctx, runID, msg); err != nil {
		s.Logger.Error("could not fail run on timeout", "run", runID, "error", err)
		return
	}
	err := s.runs.AppendLog(ctx, runID, policyscan.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     policyscan.LogError,
		Message:   msg,
	})
	if err != nil {
		s.Logger.Warn("could not append timeout log", "run", runID, "error", err)
	}
}

// FormatDuration renders a dwell time the way reviewers read it:
// "7 days", "36 hours", "30 minutes", "45 seconds".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return plural(int(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		n := int(d / time.Second)
		if n < 1 {
			n = 1
		}
		return plural(n, "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
