// Package review persists reviewable candidate sets and collapses
// multi-reviewer decisions into one canonical status per candidate.
package review

import (
	"context"
	"time"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// Status is a reviewer's (or the aggregate) verdict on a candidate.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known decision status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusRejected
}

// Strategy is the rule for collapsing reviewer decisions.
type Strategy string

const (
	SingleReviewer Strategy = "single-reviewer"
	FirstReviewer  Strategy = "first-reviewer"
	Majority       Strategy = "majority"
	Consensus      Strategy = "consensus"
	Unanimous      Strategy = "unanimous"
)

// Valid reports whether s is a known aggregation strategy.
func (s Strategy) Valid() bool {
	switch s {
	case SingleReviewer, FirstReviewer, Majority, Consensus, Unanimous:
		return true
	}
	return false
}

// Collaborative reports whether the strategy keeps per-reviewer decisions.
func (s Strategy) Collaborative() bool {
	return s == Majority || s == Consensus || s == Unanimous
}

// Decision is one reviewer's verdict on one candidate. Last write per
// reviewer wins.
type Decision struct {
	ReviewerID string    `json:"reviewer_id"`
	Status     Status    `json:"status"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Candidate is a reviewable item with its decisions and derived status.
// AggregatedStatus is always recomputed from Decisions and the review's
// strategy, never stored independently of them.
type Candidate struct {
	policyscan.Candidate

	Decisions        []Decision `json:"decisions,omitempty"`
	AggregatedStatus Status     `json:"aggregated_status"`
}

// ReviewStatus is the state of the review as a whole.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewCompleted ReviewStatus = "completed"
)

// Review is the reviewable output of one workflow step.
type Review struct {
	ID                string       `json:"id"`
	RunID             string       `json:"run_id"`
	WorkflowID        string       `json:"workflow_id"`
	StepID            string       `json:"step_id"`
	Strategy          Strategy     `json:"strategy"`
	RequiredReviewers int          `json:"required_reviewers,omitempty"`
	Status            ReviewStatus `json:"status"`
	Candidates        []Candidate  `json:"candidates"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// DecisionInput is one (candidate, status) pair for the batch call.
type DecisionInput struct {
	CandidateID string
	Status      Status
}

// Store is the persistence contract for reviews. It extends the narrow
// creator contract the engine consumes with the reviewer-facing operations.
type Store interface {
	policyscan.ReviewCreator

	Get(ctx context.Context, reviewID string) (*Review, error)

	// AddDecision upserts one reviewer's decision on one candidate and
	// recomputes the candidate's aggregated status atomically.
	AddDecision(ctx context.Context, reviewID, candidateID, reviewerID string, status Status) (*Review, error)

	// AddDecisions applies a batch of decisions for one reviewer. Each
	// candidate's decision+recompute is atomic; candidates are processed
	// in input order because every recomputation depends on prior state.
	AddDecisions(ctx context.Context, reviewID, reviewerID string, decisions []DecisionInput) (*Review, error)

	// Complete marks the review completed.
	Complete(ctx context.Context, reviewID string) error

	// ListByRun returns the run's reviews, oldest first.
	ListByRun(ctx context.Context, runID string) ([]*Review, error)
}
