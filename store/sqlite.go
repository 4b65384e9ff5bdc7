package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// SQLiteRunStore persists runs in SQLite. Status transitions are single
// conditional UPDATEs; RowsAffected reports who won a race.
type SQLiteRunStore struct {
	db *sql.DB
}

var _ policyscan.RunStore = &SQLiteRunStore{}

// Open opens (or creates) the database at dbPath and runs migrations.
// The returned *sql.DB is shared with the review and session stores.
func Open(dbPath string) (*SQLiteRunStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, err
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteRunStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// NewSQLiteRunStore prepares the run tables on an open database handle.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		query_id TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		paused_state TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		timestamp TIMESTAMP NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_runs_query ON runs(query_id);
	CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteRunStore) Create(ctx context.Context, run *policyscan.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, query_id, creator_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		run.ID, run.WorkflowID, run.QueryID, run.CreatorID, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (s *SQLiteRunStore) Get(ctx context.Context, runID string) (*policyscan.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, query_id, creator_id, status, paused_state, error, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)

	var run policyscan.Run
	var paused sql.NullString
	err := row.Scan(&run.ID, &run.WorkflowID, &run.QueryID, &run.CreatorID, &run.Status, &paused, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, policyscan.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, err
	}
	if paused.Valid && paused.String != "" {
		var ps policyscan.PausedState
		if err := json.Unmarshal([]byte(paused.String), &ps); err != nil {
			return nil, fmt.Errorf("unmarshaling paused state: %w", err)
		}
		run.Paused = &ps
	}
	return &run, nil
}

func (s *SQLiteRunStore) Transition(ctx context.Context, runID string, from []policyscan.RunStatus, to policyscan.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, policyscan.NewValidationError("transition requires at least one source status")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), time.Now().UTC(), runID}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, paused_state = NULL, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, runID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteRunStore) Pause(ctx context.Context, runID string, paused *policyscan.PausedState) (bool, error) {
	blob, err := json.Marshal(paused)
	if err != nil {
		return false, fmt.Errorf("marshaling paused state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'paused', paused_state = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(blob), time.Now().UTC(), runID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, runID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteRunStore) ClaimResume(ctx context.Context, runID string) (*policyscan.PausedState, bool, error) {
	// Snapshot read and paused→running CAS share one transaction so the
	// snapshot returned to the winner is the one the CAS consumed. A read
	// outside the transaction could hand back a snapshot from an earlier
	// pause after the run re-paused in between.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var status string
	var pausedBlob sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, paused_state FROM runs WHERE id = ?`, runID,
	).Scan(&status, &pausedBlob)
	if err == sql.ErrNoRows {
		return nil, false, policyscan.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, false, err
	}
	if policyscan.RunStatus(status) != policyscan.RunPaused {
		return nil, false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'running', paused_state = NULL, updated_at = ? WHERE id = ? AND status = 'paused'`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	var paused *policyscan.PausedState
	if pausedBlob.Valid && pausedBlob.String != "" {
		var ps policyscan.PausedState
		if err := json.Unmarshal([]byte(pausedBlob.String), &ps); err != nil {
			return nil, true, fmt.Errorf("unmarshaling paused state: %w", err)
		}
		paused = &ps
	}
	return paused, true, nil
}

func (s *SQLiteRunStore) Fail(ctx context.Context, runID string, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', error = ?, paused_state = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running', 'paused')`,
		msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, runID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteRunStore) AppendLog(ctx context.Context, runID string, entry policyscan.LogEntry) error {
	var meta any
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling log metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, timestamp, level, message, metadata) VALUES (?, ?, ?, ?, ?)`,
		runID, entry.Timestamp, string(entry.Level), entry.Message, meta,
	)
	return err
}

func (s *SQLiteRunStore) Logs(ctx context.Context, runID string) ([]policyscan.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, level, message, metadata FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policyscan.LogEntry
	for rows.Next() {
		var entry policyscan.LogEntry
		var meta sql.NullString
		if err := rows.Scan(&entry.Timestamp, &entry.Level, &entry.Message, &meta); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling log metadata: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteRunStore) ActiveRuns(ctx context.Context, key string) ([]*policyscan.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('pending', 'running')
		   AND (CASE WHEN query_id != '' THEN query_id ELSE workflow_id END) = ?
		 ORDER BY created_at`, key)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *SQLiteRunStore) PausedRuns(ctx context.Context) ([]*policyscan.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = 'paused' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *SQLiteRunStore) collect(ctx context.Context, rows *sql.Rows) ([]*policyscan.Run, error) {
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

	out := make([]*policyscan.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
