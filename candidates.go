package policyscan

import (
	"context"
	"fmt"
)

// Candidate is one reviewable result produced by a workflow step.
type Candidate struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	URL      string         `json:"url"`
	Snippet  string         `json:"snippet,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CandidateExtractor normalizes a step's raw result into reviewable
// candidates. Implementations must be pure: no side effects, same output
// for the same input.
type CandidateExtractor interface {
	Extract(result any, runCtx *RunContext) []Candidate
}

// DefaultExtractor handles the shapes step actions commonly return:
// []Candidate, a single Candidate, or []map[string]any rows with
// id/title/url/snippet keys. Anything else yields no candidates.
type DefaultExtractor struct{}

var _ CandidateExtractor = DefaultExtractor{}

func (DefaultExtractor) Extract(result any, _ *RunContext) []Candidate {
	switch v := result.(type) {
	case nil:
		return nil
	case []Candidate:
		return append([]Candidate(nil), v...)
	case Candidate:
		return []Candidate{v}
	case []map[string]any:
		out := make([]Candidate, 0, len(v))
		for i, row := range v {
			out = append(out, candidateFromRow(row, i))
		}
		return out
	case []any:
		out := make([]Candidate, 0, len(v))
		for i, item := range v {
			switch it := item.(type) {
			case Candidate:
				out = append(out, it)
			case map[string]any:
				out = append(out, candidateFromRow(it, i))
			}
		}
		return out
	}
	return nil
}

func candidateFromRow(row map[string]any, idx int) Candidate {
	c := Candidate{
		ID:      stringField(row, "id"),
		Title:   stringField(row, "title"),
		URL:     stringField(row, "url"),
		Snippet: stringField(row, "snippet"),
	}
	if meta, ok := row["metadata"].(map[string]any); ok {
		c.Metadata = meta
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("candidate-%d", idx)
	}
	return c
}

func stringField(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

// NewReview is the engine's request to seed a review for a paused step.
type NewReview struct {
	RunID             string
	WorkflowID        string
	StepID            string
	Strategy          string
	RequiredReviewers int
	Candidates        []Candidate
}

// ReviewCreator is the slice of the review store the engine needs.
// The full store contract lives in the review package.
type ReviewCreator interface {
	CreateReview(ctx context.Context, req NewReview) (reviewID string, err error)

	// CompleteForStep marks the review for the paused step completed, if one
	// exists. Missing reviews are not an error on this path.
	CompleteForStep(ctx context.Context, runID, stepID string) error

	// AcceptedCandidateIDs returns the ids whose aggregated status is
	// accepted for the step's review.
	AcceptedCandidateIDs(ctx context.Context, runID, stepID string) ([]string, error)
}
