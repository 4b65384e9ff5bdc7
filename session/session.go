// Package session persists resumable wizard state with revision-based
// optimistic locking. Concurrent editors detect conflicting writes without
// server-side locks: every update is one atomic conditional write.
package session

import (
	"context"
	"time"
)

// Session is resumable multi-step wizard state. Revision starts at 1 and is
// incremented by the store on every successful update, never by the caller.
type Session struct {
	SessionID      string         `json:"session_id"`
	CurrentStepID  string         `json:"current_step_id"`
	CompletedSteps []string       `json:"completed_steps"`
	Context        map[string]any `json:"context,omitempty"`
	Revision       int64          `json:"revision"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// UpdateInput carries the fields to apply. Nil fields are left unchanged.
// When ExpectedRevision is set, the write succeeds only if the persisted
// revision still matches; a mismatch yields a ConflictError carrying both
// revisions.
type UpdateInput struct {
	CurrentStepID    *string
	CompletedSteps   []string
	Context          map[string]any
	ExpectedRevision *int64
}

// Store is the persistence contract for sessions.
type Store interface {
	Create(ctx context.Context, currentStepID string, sessionContext map[string]any) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, sessionID string, input UpdateInput) (*Session, error)
}
