package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

func runStores(t *testing.T) map[string]policyscan.RunStore {
	t.Helper()
	sqliteStore, db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]policyscan.RunStore{
		"memory": NewMemoryRunStore(),
		"sqlite": sqliteStore,
	}
}

func newRun(id, workflowID, queryID string) *policyscan.Run {
	now := time.Now().UTC()
	return &policyscan.Run{
		ID:         id,
		WorkflowID: workflowID,
		QueryID:    queryID,
		CreatorID:  "user-1",
		Status:     policyscan.RunPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-1", "wf", "")))

			got, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, policyscan.RunPending, got.Status)
			assert.Equal(t, "user-1", got.CreatorID)

			ok, err := s.Transition(ctx, "run-1", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			assert.True(t, ok)

			// Same transition again loses the CAS.
			ok, err = s.Transition(ctx, "run-1", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.Transition(ctx, "run-1", []policyscan.RunStatus{policyscan.RunRunning}, policyscan.RunCompleted)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err = s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, policyscan.RunCompleted, got.Status)
		})
	}
}

func TestGetMissingRun(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			assert.True(t, policyscan.IsNotFound(err))

			_, err = s.Transition(context.Background(), "nope", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			assert.True(t, policyscan.IsNotFound(err))
		})
	}
}

func TestPauseRoundTripsTheSnapshot(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-p", "wf", "")))
			_, err := s.Transition(ctx, "run-p", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)

			deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
			rc := policyscan.NewRunContext(map[string]any{"query": "zoning"})
			rc.StepResults["search"] = "done"
			paused := &policyscan.PausedState{
				StepID:    "review-candidates",
				Context:   rc,
				Deadline:  deadline,
				OnTimeout: policyscan.OnTimeoutResume,
			}

			ok, err := s.Pause(ctx, "run-p", paused)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.Get(ctx, "run-p")
			require.NoError(t, err)
			assert.Equal(t, policyscan.RunPaused, got.Status)
			require.NotNil(t, got.Paused)
			assert.Equal(t, "review-candidates", got.Paused.StepID)
			assert.Equal(t, policyscan.OnTimeoutResume, got.Paused.OnTimeout)
			assert.WithinDuration(t, deadline, got.Paused.Deadline, time.Second)
			require.NotNil(t, got.Paused.Context)
			assert.Equal(t, "zoning", got.Paused.Context.Params["query"])

			// Pause requires a running run.
			ok, err = s.Pause(ctx, "run-p", paused)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestClaimResumeHasOneWinner(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-c", "wf", "")))
			_, err := s.Transition(ctx, "run-c", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			_, err = s.Pause(ctx, "run-c", &policyscan.PausedState{StepID: "s2", Deadline: time.Now().UTC().Add(time.Hour), OnTimeout: policyscan.OnTimeoutFail})
			require.NoError(t, err)

			paused, claimed, err := s.ClaimResume(ctx, "run-c")
			require.NoError(t, err)
			require.True(t, claimed)
			require.NotNil(t, paused)
			assert.Equal(t, "s2", paused.StepID)

			// Second claim finds the run already running.
			_, claimed, err = s.ClaimResume(ctx, "run-c")
			require.NoError(t, err)
			assert.False(t, claimed)

			got, err := s.Get(ctx, "run-c")
			require.NoError(t, err)
			assert.Equal(t, policyscan.RunRunning, got.Status)
			assert.Nil(t, got.Paused)
		})
	}
}

func TestClaimResumeReturnsTheSnapshotItConsumed(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-s", "wf", "")))
			_, err := s.Transition(ctx, "run-s", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)

			// First pause at step A, claimed, then re-paused at step B.
			_, err = s.Pause(ctx, "run-s", &policyscan.PausedState{StepID: "step-a", Deadline: time.Now().UTC().Add(time.Hour), OnTimeout: policyscan.OnTimeoutFail})
			require.NoError(t, err)
			paused, claimed, err := s.ClaimResume(ctx, "run-s")
			require.NoError(t, err)
			require.True(t, claimed)
			assert.Equal(t, "step-a", paused.StepID)

			_, err = s.Pause(ctx, "run-s", &policyscan.PausedState{StepID: "step-b", Deadline: time.Now().UTC().Add(time.Hour), OnTimeout: policyscan.OnTimeoutFail})
			require.NoError(t, err)

			// A later claim must see step B's snapshot, never a stale one.
			paused, claimed, err = s.ClaimResume(ctx, "run-s")
			require.NoError(t, err)
			require.True(t, claimed)
			assert.Equal(t, "step-b", paused.StepID)
		})
	}
}

func TestConcurrentClaimResumeHasExactlyOneWinner(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-cc", "wf", "")))
			_, err := s.Transition(ctx, "run-cc", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			_, err = s.Pause(ctx, "run-cc", &policyscan.PausedState{StepID: "s1", Deadline: time.Now().UTC().Add(time.Hour), OnTimeout: policyscan.OnTimeoutFail})
			require.NoError(t, err)

			const claimers = 8
			var wg sync.WaitGroup
			errs := make([]error, claimers)
			var wins atomic.Int64
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					paused, claimed, cerr := s.ClaimResume(ctx, "run-cc")
					errs[i] = cerr
					if claimed && paused != nil {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			for _, cerr := range errs {
				require.NoError(t, cerr)
			}
			assert.Equal(t, int64(1), wins.Load())
		})
	}
}

func TestFailIsTerminalAndSticky(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-f", "wf", "")))
			_, err := s.Transition(ctx, "run-f", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)

			ok, err := s.Fail(ctx, "run-f", "step s1 failed: boom")
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, "run-f")
			require.NoError(t, err)
			assert.Equal(t, policyscan.RunFailed, got.Status)
			assert.Equal(t, "step s1 failed: boom", got.Error)

			// Terminal runs cannot fail again or be cancelled.
			ok, err = s.Fail(ctx, "run-f", "later")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.Transition(ctx, "run-f", []policyscan.RunStatus{policyscan.RunPending, policyscan.RunRunning, policyscan.RunPaused}, policyscan.RunCancelled)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLogsKeepInsertionOrder(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-l", "wf", "")))

			for i, msg := range []string{"run created", "run started", "step s1 completed"} {
				entry := policyscan.LogEntry{
					Timestamp: time.Now().UTC(),
					Level:     policyscan.LogInfo,
					Message:   msg,
				}
				if i == 2 {
					entry.Metadata = map[string]any{"step": "s1"}
				}
				require.NoError(t, s.AppendLog(ctx, "run-l", entry))
			}

			logs, err := s.Logs(ctx, "run-l")
			require.NoError(t, err)
			require.Len(t, logs, 3)
			assert.Equal(t, "run created", logs[0].Message)
			assert.Equal(t, "step s1 completed", logs[2].Message)
			assert.Equal(t, "s1", logs[2].Metadata["step"])

			err = s.AppendLog(ctx, "missing", policyscan.LogEntry{Timestamp: time.Now().UTC(), Level: policyscan.LogInfo, Message: "x"})
			if name == "memory" {
				assert.True(t, policyscan.IsNotFound(err))
			}
		})
	}
}

func TestActiveRunsGroupByKey(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Two active runs for query q1, one for a workflow with no query,
			// one finished run that must not show up.
			require.NoError(t, s.Create(ctx, newRun("run-a1", "wf", "q1")))
			require.NoError(t, s.Create(ctx, newRun("run-a2", "wf", "q1")))
			require.NoError(t, s.Create(ctx, newRun("run-b1", "wf", "")))
			require.NoError(t, s.Create(ctx, newRun("run-a3", "wf", "q1")))
			_, err := s.Transition(ctx, "run-a3", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			_, err = s.Transition(ctx, "run-a3", []policyscan.RunStatus{policyscan.RunRunning}, policyscan.RunCompleted)
			require.NoError(t, err)

			active, err := s.ActiveRuns(ctx, "q1")
			require.NoError(t, err)
			ids := make([]string, 0, len(active))
			for _, r := range active {
				ids = append(ids, r.ID)
			}
			assert.ElementsMatch(t, []string{"run-a1", "run-a2"}, ids)

			// Runs without a query key on the workflow id.
			active, err = s.ActiveRuns(ctx, "wf")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "run-b1", active[0].ID)
		})
	}
}

func TestPausedRunsListsOnlyPaused(t *testing.T) {
	for name, s := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRun("run-x", "wf", "")))
			require.NoError(t, s.Create(ctx, newRun("run-y", "wf", "")))
			_, err := s.Transition(ctx, "run-y", []policyscan.RunStatus{policyscan.RunPending}, policyscan.RunRunning)
			require.NoError(t, err)
			_, err = s.Pause(ctx, "run-y", &policyscan.PausedState{StepID: "s1", Deadline: time.Now().UTC().Add(time.Minute), OnTimeout: policyscan.OnTimeoutFail})
			require.NoError(t, err)

			paused, err := s.PausedRuns(ctx)
			require.NoError(t, err)
			require.Len(t, paused, 1)
			assert.Equal(t, "run-y", paused[0].ID)
			require.NotNil(t, paused[0].Paused)
			assert.Equal(t, "s1", paused[0].Paused.StepID)
		})
	}
}
