package agentflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SessionStore is the durable key-value contract the checkpoint manager
// persists through. Implementations live in agentflow/store (file-backed
// default, in-memory test double, MySQL, SQLite); the interface is defined
// here, next to SessionState, so a store implementation needs only to
// import this package, never the reverse.
type SessionStore interface {
	Put(ctx context.Context, s *SessionState) error
	Get(ctx context.Context, sessionID string) (*SessionState, error)
	List(ctx context.Context, filter ListFilter) ([]*SessionState, error)
	Delete(ctx context.Context, sessionID string) error
}

// ListFilter narrows SessionStore.List results.
type ListFilter struct {
	Status SessionStatus // zero value means "any"
	Limit  int
	Offset int
}

// ErrSessionNotFound is returned by CheckpointManager.Load for an unknown
// id; SessionStore.Get itself reports a miss as (nil, nil).
var ErrSessionNotFound = &SessionError{Kind: SessionNotFound, Err: fmt.Errorf("session not found")}

// CheckpointManager bridges pattern executors and a SessionStore: it mints
// sessions, merges per-stage deltas into PatternState, and decides
// spec-hash resume compatibility.
type CheckpointManager struct {
	store        SessionStore
	strictResume bool
}

// NewCheckpointManager builds a manager over store. strictResume controls
// the spec-hash-mismatch open question (spec notes): false (default) warns
// and proceeds, true fails resume with SessionError{SpecChanged}.
func NewCheckpointManager(store SessionStore, strictResume bool) *CheckpointManager {
	return &CheckpointManager{store: store, strictResume: strictResume}
}

// Create mints a new session and persists its initial Running state.
func (m *CheckpointManager) Create(ctx context.Context, spec *Spec, variables map[string]any) (*SessionState, error) {
	now := timeNow()
	s := &SessionState{
		SessionID: newSessionID(),
		SpecHash:  spec.Hash(),
		SpecName:  spec.Name,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Variables: variables,
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, &SessionError{Kind: SessionIOFailure, Err: err}
	}
	return s, nil
}

// Load fetches a session by id, mapping a store miss to ErrSessionNotFound.
func (m *CheckpointManager) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, &SessionError{Kind: SessionIOFailure, Err: err}
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CheckCompatibility compares a resumed session's recorded spec hash
// against the spec instance the caller supplied for Resume.
func (m *CheckpointManager) CheckCompatibility(session *SessionState, spec *Spec) error {
	if session.SpecHash == spec.Hash() {
		return nil
	}
	if m.strictResume {
		return &SessionError{Kind: SessionSpecChanged, Err: fmt.Errorf("spec hash changed: session=%s current=%s", session.SpecHash, spec.Hash())}
	}
	return nil // warn-and-proceed: caller's emitter logs this via the "error" hook with a non-fatal severity
}

// SaveRunning persists session after a mid-run mutation (pattern_state,
// token usage, last_response), advancing UpdatedAt and keeping Status as
// Running.
func (m *CheckpointManager) SaveRunning(ctx context.Context, session *SessionState, patternState any, usage TokenUsage, lastResponse string) error {
	raw, err := json.Marshal(patternState)
	if err != nil {
		return &SessionError{Kind: SessionIOFailure, Err: err}
	}
	session.PatternState = raw
	session.TokenUsage.Add(usage)
	session.LastResponse = lastResponse
	session.UpdatedAt = timeNow()
	if err := m.store.Put(ctx, session); err != nil {
		return &SessionError{Kind: SessionIOFailure, Err: err}
	}
	return nil
}

// SavePaused persists session as Paused at a HITL gate.
func (m *CheckpointManager) SavePaused(ctx context.Context, session *SessionState, pause PausedHITL) error {
	session.Status = StatusPaused
	session.PausedHITL = &pause
	session.UpdatedAt = timeNow()
	if err := m.store.Put(ctx, session); err != nil {
		return &SessionError{Kind: SessionIOFailure, Err: err}
	}
	return nil
}

// SaveTerminal persists session as Completed or Failed and clears any
// pause marker.
func (m *CheckpointManager) SaveTerminal(ctx context.Context, session *SessionState, status SessionStatus, runErr error) error {
	session.Status = status
	session.PausedHITL = nil
	session.UpdatedAt = timeNow()
	if runErr != nil {
		session.LastError = runErr.Error()
	}
	if err := m.store.Put(ctx, session); err != nil {
		return &SessionError{Kind: SessionIOFailure, Err: err}
	}
	return nil
}

// idempotencyKey hashes (sessionID, stageRef, input) so a resumed run can
// recognize "this exact stage, with this exact rendered input, already
// produced a result" and skip re-invoking the agent — the resume
// idempotence property from the testable-properties list.
func idempotencyKey(sessionID, stageRef, renderedInput string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(stageRef))
	h.Write([]byte{0})
	h.Write([]byte(renderedInput))
	return hex.EncodeToString(h.Sum(nil))
}

// timeNow is a seam so tests can stub wall-clock time; production code
// always calls the real clock.
var timeNow = func() time.Time { return time.Now().UTC() }
