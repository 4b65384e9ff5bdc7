package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// SQLiteStore persists reviews in SQLite. Decision upsert and aggregate
// recomputation happen inside one transaction per candidate.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore prepares the review tables on an open database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		required_reviewers INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_candidates (
		review_id TEXT NOT NULL REFERENCES reviews(id),
		candidate_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		snippet TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		aggregated_status TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (review_id, candidate_id)
	);

	CREATE TABLE IF NOT EXISTS review_decisions (
		review_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		reviewer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_at TIMESTAMP NOT NULL,
		PRIMARY KEY (review_id, candidate_id, reviewer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_run ON reviews(run_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_run_step ON reviews(run_id, step_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateReview(ctx context.Context, req policyscan.NewReview) (string, error) {
	strategy := Strategy(req.Strategy)
	if !strategy.Valid() {
		return "", policyscan.NewValidationError("invalid aggregation strategy: %s", req.Strategy)
	}
	if len(req.Candidates) == 0 {
		return "", policyscan.NewValidationError("review requires at least one candidate")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reviews (id, run_id, workflow_id, step_id, strategy, required_reviewers, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, req.RunID, req.WorkflowID, req.StepID, string(strategy), req.RequiredReviewers, now, now,
	)
	if err != nil {
		return "", err
	}

	for i, c := range req.Candidates {
		var meta []byte
		if c.Metadata != nil {
			if meta, err = json.Marshal(c.Metadata); err != nil {
				return "", fmt.Errorf("marshaling candidate metadata: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO review_candidates (review_id, candidate_id, position, title, url, snippet, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, c.ID, i, c.Title, c.URL, c.Snippet, nullableBytes(meta),
		)
		if err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, reviewID string) (*Review, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, workflow_id, step_id, strategy, required_reviewers, status, created_at, updated_at
		 FROM reviews WHERE id = ?`, reviewID)

	var rev Review
	err := row.Scan(&rev.ID, &rev.RunID, &rev.WorkflowID, &rev.StepID, &rev.Strategy, &rev.RequiredReviewers, &rev.Status, &rev.CreatedAt, &rev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, policyscan.NewNotFoundError("review", reviewID)
	}
	if err != nil {
		return nil, err
	}
	if rev.Candidates, err = s.loadCandidates(ctx, reviewID); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *SQLiteStore) loadCandidates(ctx context.Context, reviewID string) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, title, url, snippet, metadata, aggregated_status
		 FROM review_candidates WHERE review_id = ? ORDER BY position`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var meta sql.NullString
		if err := rows.Scan(&c.ID, &c.Title, &c.URL, &c.Snippet, &meta, &c.AggregatedStatus); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling candidate metadata: %w", err)
			}
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range candidates {
		if candidates[i].Decisions, err = s.loadDecisions(ctx, reviewID, candidates[i].ID); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func (s *SQLiteStore) loadDecisions(ctx context.Context, reviewID, candidateID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reviewer_id, status, decided_at FROM review_decisions
		 WHERE review_id = ? AND candidate_id = ? ORDER BY decided_at, reviewer_id`, reviewID, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ReviewerID, &d.Status, &d.DecidedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (s *SQLiteStore) AddDecision(ctx context.Context, reviewID, candidateID, reviewerID string, status Status) (*Review, error) {
	if !status.Valid() {
		return nil, policyscan.NewValidationError("invalid review status: %s", status)
	}
	if err := s.applyDecisionTx(ctx, reviewID, candidateID, reviewerID, status); err != nil {
		return nil, err
	}
	return s.Get(ctx, reviewID)
}

func (s *SQLiteStore) AddDecisions(ctx context.Context, reviewID, reviewerID string, decisions []DecisionInput) (*Review, error) {
	for _, d := range decisions {
		if !d.Status.Valid() {
			return nil, policyscan.NewValidationError("invalid review status: %s", d.Status)
		}
	}
	// Per-candidate transactions: each aggregate depends on the decisions
	// already applied.
	for _, d := range decisions {
		if err := s.applyDecisionTx(ctx, reviewID, d.CandidateID, reviewerID, d.Status); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, reviewID)
}

// applyDecisionTx upserts one decision and recomputes the candidate's
// aggregate in a single transaction.
func (s *SQLiteStore) applyDecisionTx(ctx context.Context, reviewID, candidateID, reviewerID string, status Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var strategy Strategy
	var required int
	err = tx.QueryRowContext(ctx,
		`SELECT strategy, required_reviewers FROM reviews WHERE id = ?`, reviewID,
	).Scan(&strategy, &required)
	if err == sql.ErrNoRows {
		return policyscan.NewNotFoundError("review", reviewID)
	}
	if err != nil {
		return err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM review_candidates WHERE review_id = ? AND candidate_id = ?`, reviewID, candidateID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return policyscan.NewNotFoundError("candidate", candidateID)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_decisions (review_id, candidate_id, reviewer_id, status, decided_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(review_id, candidate_id, reviewer_id)
		 DO UPDATE SET status = excluded.status, decided_at = excluded.decided_at`,
		reviewID, candidateID, reviewerID, string(status), now,
	)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT reviewer_id, status, decided_at FROM review_decisions
		 WHERE review_id = ? AND candidate_id = ? ORDER BY decided_at, reviewer_id`, reviewID, candidateID)
	if err != nil {
		return err
	}
	var all []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ReviewerID, &d.Status, &d.DecidedAt); err != nil {
			rows.Close()
			return err
		}
		all = append(all, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	aggregated := Aggregate(all, strategy, required)
	_, err = tx.ExecContext(ctx,
		`UPDATE review_candidates SET aggregated_status = ? WHERE review_id = ? AND candidate_id = ?`,
		string(aggregated), reviewID, candidateID,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE reviews SET updated_at = ? WHERE id = ?`, now, reviewID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Complete(ctx context.Context, reviewID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status = 'completed', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), reviewID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return policyscan.NewNotFoundError("review", reviewID)
	}
	return nil
}

func (s *SQLiteStore) CompleteForStep(ctx context.Context, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status = 'completed', updated_at = ? WHERE run_id = ? AND step_id = ?`,
		time.Now().UTC(), runID, stepID,
	)
	return err
}

func (s *SQLiteStore) AcceptedCandidateIDs(ctx context.Context, runID, stepID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.candidate_id FROM review_candidates c
		 JOIN reviews r ON r.id = c.review_id
		 WHERE r.run_id = ? AND r.step_id = ? AND c.aggregated_status = 'accepted'
		 ORDER BY c.candidate_id`, runID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListByRun(ctx context.Context, runID string) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM reviews WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Review, 0, len(ids))
	for _, id := range ids {
		rev, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
