package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// SQLiteStore persists sessions in SQLite. Update is a single conditional
// UPDATE whose filter carries the expected revision and whose mutation
// increments the stored revision, closing the read-then-write race window.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore prepares the sessions table on an open database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		current_step_id TEXT NOT NULL DEFAULT '',
		completed_steps TEXT NOT NULL DEFAULT '[]',
		context TEXT,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, currentStepID string, sessionContext map[string]any) (*Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	ctxJSON, err := marshalContext(sessionContext)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, current_step_id, completed_steps, context, revision, created_at, updated_at)
		 VALUES (?, ?, '[]', ?, 1, ?, ?)`,
		id, currentStepID, ctxJSON, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, current_step_id, completed_steps, context, revision, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row, sessionID)
}

func (s *SQLiteStore) Update(ctx context.Context, sessionID string, input UpdateInput) (*Session, error) {
	sets := []string{"revision = revision + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if input.CurrentStepID != nil {
		sets = append(sets, "current_step_id = ?")
		args = append(args, *input.CurrentStepID)
	}
	if input.CompletedSteps != nil {
		stepsJSON, err := json.Marshal(input.CompletedSteps)
		if err != nil {
			return nil, fmt.Errorf("marshaling completed steps: %w", err)
		}
		sets = append(sets, "completed_steps = ?")
		args = append(args, string(stepsJSON))
	}
	if input.Context != nil {
		ctxJSON, err := marshalContext(input.Context)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "context = ?")
		args = append(args, ctxJSON)
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE session_id = ?"
	args = append(args, sessionID)
	if input.ExpectedRevision != nil {
		query += " AND revision = ?"
		args = append(args, *input.ExpectedRevision)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Matched nothing: distinguish a missing session from a stale
		// revision by re-reading.
		current, gerr := s.Get(ctx, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		if input.ExpectedRevision != nil && current.Revision != *input.ExpectedRevision {
			return nil, &policyscan.ConflictError{
				SessionID: sessionID,
				Expected:  *input.ExpectedRevision,
				Actual:    current.Revision,
			}
		}
		return nil, policyscan.NewNotFoundError("session", sessionID)
	}
	return s.Get(ctx, sessionID)
}

func scanSession(row *sql.Row, sessionID string) (*Session, error) {
	var sess Session
	var steps string
	var ctxJSON sql.NullString
	err := row.Scan(&sess.SessionID, &sess.CurrentStepID, &steps, &ctxJSON, &sess.Revision, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, policyscan.NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &sess.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshaling completed steps: %w", err)
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &sess.Context); err != nil {
			return nil, fmt.Errorf("unmarshaling session context: %w", err)
		}
	}
	return &sess, nil
}

func marshalContext(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling session context: %w", err)
	}
	return string(b), nil
}
