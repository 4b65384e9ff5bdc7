package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// MemoryStore keeps sessions in memory. The single mutex serializes writers,
// giving the same conditional-write semantics as the SQLite store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(_ context.Context, currentStepID string, sessionContext map[string]any) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		SessionID:      uuid.New().String(),
		CurrentStepID:  currentStepID,
		CompletedSteps: []string{},
		Context:        sessionContext,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()
	return cloneSession(sess), nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, policyscan.NewNotFoundError("session", sessionID)
	}
	return cloneSession(sess), nil
}

// Update applies the input under one lock: the revision check, the field
// mutation and the revision increment are a single atomic step.
func (s *MemoryStore) Update(_ context.Context, sessionID string, input UpdateInput) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, policyscan.NewNotFoundError("session", sessionID)
	}
	if input.ExpectedRevision != nil && sess.Revision != *input.ExpectedRevision {
		return nil, &policyscan.ConflictError{
			SessionID: sessionID,
			Expected:  *input.ExpectedRevision,
			Actual:    sess.Revision,
		}
	}

	if input.CurrentStepID != nil {
		sess.CurrentStepID = *input.CurrentStepID
	}
	if input.CompletedSteps != nil {
		sess.CompletedSteps = append([]string(nil), input.CompletedSteps...)
	}
	if input.Context != nil {
		sess.Context = input.Context
	}
	sess.Revision++
	sess.UpdatedAt = time.Now().UTC()
	return cloneSession(sess), nil
}

func cloneSession(sess *Session) *Session {
	out := *sess
	out.CompletedSteps = append([]string(nil), sess.CompletedSteps...)
	if sess.Context != nil {
		out.Context = make(map[string]any, len(sess.Context))
		for k, v := range sess.Context {
			out.Context[k] = v
		}
	}
	return &out
}
