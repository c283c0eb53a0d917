package agentflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a persisted run.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// SessionState is the durable record a SessionStore persists. PatternState
// is kept as json.RawMessage so the store layer never needs to know the
// shape of all seven patterns' state — only the checkpoint manager and the
// pattern executors decode it.
type SessionState struct {
	SessionID    string          `json:"session_id"`
	SpecHash     string          `json:"spec_hash"`
	SpecName     string          `json:"spec_name"`
	Status       SessionStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PatternState json.RawMessage `json:"pattern_state,omitempty"`
	TokenUsage   TokenUsage      `json:"token_usage"`
	Variables    map[string]any  `json:"variables"`

	// PausedHITL, when Status == StatusPaused, names the stage the run is
	// blocked on and carries the rendered prompt for display to the human.
	PausedHITL *PausedHITL `json:"paused_hitl,omitempty"`

	// LastResponse mirrors Context.LastResponse at the point of the most
	// recent checkpoint, so a failed or paused run still has something to
	// show the caller without decoding PatternState.
	LastResponse string `json:"last_response,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// PausedHITL records everything needed to resume a paused run.
type PausedHITL struct {
	StageRef        string `json:"stage_ref"`
	PromptRendered  string `json:"prompt_rendered"`
	ContextDisplay  string `json:"context_display,omitempty"`
	DefaultResponse string `json:"default_response,omitempty"`
	IsRouterReview  bool   `json:"is_router_review,omitempty"`
}

// RunResult is returned from every Run/Resume call, success or failure.
type RunResult struct {
	Success          bool     `json:"success"`
	ExitCode         int      `json:"exit_code"`
	LastResponse     string   `json:"last_response"`
	DurationSeconds  float64  `json:"duration_seconds"`
	ArtifactsWritten []string `json:"artifacts_written"`
	SessionID        string   `json:"session_id"`
	TokenUsage       TokenUsage `json:"token_usage"`
	CostUSD          float64  `json:"cost_usd"`
	ExecutionContext *Context `json:"-"`
	Error            error    `json:"-"`
}

// newSessionID mints a fresh session identifier.
func newSessionID() string {
	return uuid.NewString()
}
