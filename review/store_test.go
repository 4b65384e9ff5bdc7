package review

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "reviews.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sqlite, err := NewSQLiteStore(db)
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func seedReview(t *testing.T, s Store, strategy Strategy, required int) string {
	t.Helper()
	id, err := s.CreateReview(context.Background(), policyscan.NewReview{
		RunID:             "run-1",
		WorkflowID:        "wf-1",
		StepID:            "review-candidates",
		Strategy:          string(strategy),
		RequiredReviewers: required,
		Candidates: []policyscan.Candidate{
			{ID: "cand-1", Title: "Zoning policy 2024", URL: "https://example.gov/zoning"},
			{ID: "cand-2", Title: "Water ordinance", URL: "https://example.gov/water"},
		},
	})
	require.NoError(t, err)
	return id
}

func TestCreateReviewSeedsPending(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, Majority, 0)
			rev, err := s.Get(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, ReviewPending, rev.Status)
			require.Len(t, rev.Candidates, 2)
			for _, c := range rev.Candidates {
				assert.Equal(t, StatusPending, c.AggregatedStatus)
				assert.Empty(t, c.Decisions)
			}
		})
	}
}

func TestCreateReviewRejectsBadInput(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateReview(context.Background(), policyscan.NewReview{
				RunID:    "run-1",
				StepID:   "s1",
				Strategy: "best-effort-vibes",
				Candidates: []policyscan.Candidate{
					{ID: "c1"},
				},
			})
			assert.True(t, policyscan.IsValidation(err))

			_, err = s.CreateReview(context.Background(), policyscan.NewReview{
				RunID:    "run-1",
				StepID:   "s1",
				Strategy: string(Majority),
			})
			assert.True(t, policyscan.IsValidation(err))
		})
	}
}

func TestAddDecisionUpsertsPerReviewer(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, Majority, 0)
			ctx := context.Background()

			_, err := s.AddDecision(ctx, id, "cand-1", "alice", StatusAccepted)
			require.NoError(t, err)
			rev, err := s.AddDecision(ctx, id, "cand-1", "alice", StatusRejected)
			require.NoError(t, err)

			// Last write per reviewer wins: one decision, now rejected.
			cand := rev.Candidates[0]
			require.Len(t, cand.Decisions, 1)
			assert.Equal(t, StatusRejected, cand.Decisions[0].Status)
			assert.Equal(t, StatusRejected, cand.AggregatedStatus)
		})
	}
}

func TestAddDecisionRecomputesAggregate(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, Consensus, 3)
			ctx := context.Background()

			_, err := s.AddDecision(ctx, id, "cand-1", "alice", StatusAccepted)
			require.NoError(t, err)
			rev, err := s.AddDecision(ctx, id, "cand-1", "bob", StatusAccepted)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, rev.Candidates[0].AggregatedStatus)

			rev, err = s.AddDecision(ctx, id, "cand-1", "carol", StatusAccepted)
			require.NoError(t, err)
			assert.Equal(t, StatusAccepted, rev.Candidates[0].AggregatedStatus)
		})
	}
}

func TestAddDecisionErrors(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, Majority, 0)
			ctx := context.Background()

			_, err := s.AddDecision(ctx, "no-such-review", "cand-1", "alice", StatusAccepted)
			assert.True(t, policyscan.IsNotFound(err))

			_, err = s.AddDecision(ctx, id, "no-such-candidate", "alice", StatusAccepted)
			assert.True(t, policyscan.IsNotFound(err))

			_, err = s.AddDecision(ctx, id, "cand-1", "alice", Status("maybe"))
			assert.True(t, policyscan.IsValidation(err))
		})
	}
}

func TestAddDecisionsBatch(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, SingleReviewer, 0)
			rev, err := s.AddDecisions(context.Background(), id, "alice", []DecisionInput{
				{CandidateID: "cand-1", Status: StatusAccepted},
				{CandidateID: "cand-2", Status: StatusRejected},
			})
			require.NoError(t, err)

			assert.Equal(t, StatusAccepted, rev.Candidates[0].AggregatedStatus)
			assert.Equal(t, StatusRejected, rev.Candidates[1].AggregatedStatus)
		})
	}
}

func TestAcceptedCandidateIDs(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, SingleReviewer, 0)
			ctx := context.Background()

			_, err := s.AddDecision(ctx, id, "cand-2", "alice", StatusAccepted)
			require.NoError(t, err)
			_, err = s.AddDecision(ctx, id, "cand-1", "alice", StatusRejected)
			require.NoError(t, err)

			ids, err := s.AcceptedCandidateIDs(ctx, "run-1", "review-candidates")
			require.NoError(t, err)
			assert.Equal(t, []string{"cand-2"}, ids)
		})
	}
}

func TestCompleteForStep(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := seedReview(t, s, Majority, 0)
			ctx := context.Background()

			require.NoError(t, s.CompleteForStep(ctx, "run-1", "review-candidates"))
			rev, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, ReviewCompleted, rev.Status)

			// Unknown step is not an error on this path.
			assert.NoError(t, s.CompleteForStep(ctx, "run-1", "no-such-step"))
		})
	}
}
