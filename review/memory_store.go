package review

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// MemoryStore keeps reviews in memory. Suitable for tests and single-node
// runs without durability requirements.
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[string]*Review
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[string]*Review)}
}

// CreateReview seeds a review with every candidate pending.
func (s *MemoryStore) CreateReview(_ context.Context, req policyscan.NewReview) (string, error) {
	strategy := Strategy(req.Strategy)
	if !strategy.Valid() {
		return "", policyscan.NewValidationError("invalid aggregation strategy: %s", req.Strategy)
	}
	if len(req.Candidates) == 0 {
		return "", policyscan.NewValidationError("review requires at least one candidate")
	}

	now := time.Now().UTC()
	rev := &Review{
		ID:                uuid.New().String(),
		RunID:             req.RunID,
		WorkflowID:        req.WorkflowID,
		StepID:            req.StepID,
		Strategy:          strategy,
		RequiredReviewers: req.RequiredReviewers,
		Status:            ReviewPending,
		Candidates:        make([]Candidate, 0, len(req.Candidates)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, c := range req.Candidates {
		rev.Candidates = append(rev.Candidates, Candidate{
			Candidate:        c,
			AggregatedStatus: StatusPending,
		})
	}

	s.mu.Lock()
	s.reviews[rev.ID] = rev
	s.mu.Unlock()
	return rev.ID, nil
}

// Get returns a copy of the review.
func (s *MemoryStore) Get(_ context.Context, reviewID string) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.reviews[reviewID]
	if !ok {
		return nil, policyscan.NewNotFoundError("review", reviewID)
	}
	return cloneReview(rev), nil
}

// AddDecision upserts the reviewer's decision and recomputes the
// candidate's aggregated status under one lock.
func (s *MemoryStore) AddDecision(_ context.Context, reviewID, candidateID, reviewerID string, status Status) (*Review, error) {
	if !status.Valid() {
		return nil, policyscan.NewValidationError("invalid review status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.reviews[reviewID]
	if !ok {
		return nil, policyscan.NewNotFoundError("review", reviewID)
	}
	if err := applyDecision(rev, candidateID, reviewerID, status); err != nil {
		return nil, err
	}
	rev.UpdatedAt = time.Now().UTC()
	return cloneReview(rev), nil
}

// AddDecisions applies the batch one candidate at a time: each candidate's
// aggregate depends on the state left by the previous upsert.
func (s *MemoryStore) AddDecisions(_ context.Context, reviewID, reviewerID string, decisions []DecisionInput) (*Review, error) {
	for _, d := range decisions {
		if !d.Status.Valid() {
			return nil, policyscan.NewValidationError("invalid review status: %s", d.Status)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.reviews[reviewID]
	if !ok {
		return nil, policyscan.NewNotFoundError("review", reviewID)
	}
	for _, d := range decisions {
		if err := applyDecision(rev, d.CandidateID, reviewerID, d.Status); err != nil {
			return nil, err
		}
	}
	rev.UpdatedAt = time.Now().UTC()
	return cloneReview(rev), nil
}

// Complete marks the review completed.
func (s *MemoryStore) Complete(_ context.Context, reviewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.reviews[reviewID]
	if !ok {
		return policyscan.NewNotFoundError("review", reviewID)
	}
	rev.Status = ReviewCompleted
	rev.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteForStep completes the review attached to the run's step, if any.
func (s *MemoryStore) CompleteForStep(_ context.Context, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rev := range s.reviews {
		if rev.RunID == runID && rev.StepID == stepID {
			rev.Status = ReviewCompleted
			rev.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// AcceptedCandidateIDs returns candidate ids aggregated as accepted for the
// run's step review.
func (s *MemoryStore) AcceptedCandidateIDs(_ context.Context, runID, stepID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, rev := range s.reviews {
		if rev.RunID != runID || rev.StepID != stepID {
			continue
		}
		for i := range rev.Candidates {
			if rev.Candidates[i].AggregatedStatus == StatusAccepted {
				ids = append(ids, rev.Candidates[i].ID)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListByRun returns the run's reviews ordered by creation time.
func (s *MemoryStore) ListByRun(_ context.Context, runID string) ([]*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Review
	for _, rev := range s.reviews {
		if rev.RunID == runID {
			out = append(out, cloneReview(rev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// applyDecision upserts (last write per reviewer wins) and recomputes the
// candidate aggregate. Caller holds the write lock.
func applyDecision(rev *Review, candidateID, reviewerID string, status Status) error {
	for i := range rev.Candidates {
		cand := &rev.Candidates[i]
		if cand.ID != candidateID {
			continue
		}
		upserted := false
		for j := range cand.Decisions {
			if cand.Decisions[j].ReviewerID == reviewerID {
				cand.Decisions[j].Status = status
				cand.Decisions[j].DecidedAt = time.Now().UTC()
				upserted = true
				break
			}
		}
		if !upserted {
			cand.Decisions = append(cand.Decisions, Decision{
				ReviewerID: reviewerID,
				Status:     status,
				DecidedAt:  time.Now().UTC(),
			})
		}
		cand.AggregatedStatus = Aggregate(cand.Decisions, rev.Strategy, rev.RequiredReviewers)
		return nil
	}
	return policyscan.NewNotFoundError("candidate", candidateID)
}

func cloneReview(rev *Review) *Review {
	out := *rev
	out.Candidates = make([]Candidate, len(rev.Candidates))
	for i, c := range rev.Candidates {
		cc := c
		cc.Decisions = append([]Decision(nil), c.Decisions...)
		out.Candidates[i] = cc
	}
	return &out
}
