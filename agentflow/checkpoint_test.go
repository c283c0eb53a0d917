package agentflow

import (
	"context"
	"errors"
	"testing"

	"github.com/patternflow/agentflow/store"
)

func checkpointSpec() *Spec {
	return &Spec{
		Name:    "checkpoint-demo",
		Runtime: RuntimeConfig{Provider: "mock", Model: "mock-1"},
		Pattern: Chain{Steps: []Stage{AgentStep{AgentID: "writer", InputTemplate: "go"}}},
	}
}

func TestCheckpointManager_Create_PersistsRunningSession(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	spec := checkpointSpec()

	session, err := mgr.Create(context.Background(), spec, map[string]any{"topic": "widgets"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.Status != StatusRunning {
		t.Errorf("expected a freshly created session to be Running, got %q", session.Status)
	}
	if session.SpecHash != spec.Hash() {
		t.Errorf("expected SpecHash to match spec.Hash()")
	}
	if session.SessionID == "" {
		t.Error("expected a non-empty minted SessionID")
	}

	loaded, err := mgr.Load(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.SessionID != session.SessionID {
		t.Errorf("Load returned a different session: %+v", loaded)
	}
}

func TestCheckpointManager_Load_MissingSessionReturnsErrSessionNotFound(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	_, err := mgr.Load(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCheckpointManager_CheckCompatibility_WarnAndProceedByDefault(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	spec := checkpointSpec()
	session, err := mgr.Create(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	changed := checkpointSpec()
	changed.Runtime.Model = "mock-2"
	if err := mgr.CheckCompatibility(session, changed); err != nil {
		t.Errorf("expected warn-and-proceed (nil error) by default, got %v", err)
	}
}

func TestCheckpointManager_CheckCompatibility_StrictResumeFails(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), true)
	spec := checkpointSpec()
	session, err := mgr.Create(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	changed := checkpointSpec()
	changed.Runtime.Model = "mock-2"
	err = mgr.CheckCompatibility(session, changed)
	if err == nil {
		t.Fatal("expected strict resume to fail on a spec hash mismatch")
	}
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Kind != SessionSpecChanged {
		t.Errorf("expected SessionError{SpecChanged}, got %v", err)
	}
}

func TestCheckpointManager_SaveRunning_AccumulatesTokenUsage(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	session, err := mgr.Create(context.Background(), checkpointSpec(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := mgr.SaveRunning(context.Background(), session, "state-1", TokenUsage{PromptTokens: 10, CompletionTokens: 5}, "first"); err != nil {
		t.Fatalf("SaveRunning failed: %v", err)
	}
	if err := mgr.SaveRunning(context.Background(), session, "state-2", TokenUsage{PromptTokens: 3, CompletionTokens: 2}, "second"); err != nil {
		t.Fatalf("SaveRunning failed: %v", err)
	}
	if session.TokenUsage.Total() != 20 {
		t.Errorf("expected accumulated token usage of 20, got %d", session.TokenUsage.Total())
	}
	if session.LastResponse != "second" {
		t.Errorf("expected LastResponse = second, got %q", session.LastResponse)
	}
	if string(session.PatternState) != `"state-2"` {
		t.Errorf("expected PatternState to hold the latest marshaled snapshot, got %s", session.PatternState)
	}
}

func TestCheckpointManager_SavePaused_RecordsPauseMarker(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	session, err := mgr.Create(context.Background(), checkpointSpec(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pause := PausedHITL{StageRef: "steps[1]", PromptRendered: "approve?"}
	if err := mgr.SavePaused(context.Background(), session, pause); err != nil {
		t.Fatalf("SavePaused failed: %v", err)
	}
	if session.Status != StatusPaused {
		t.Errorf("expected Status = Paused, got %q", session.Status)
	}
	if session.PausedHITL == nil || session.PausedHITL.StageRef != "steps[1]" {
		t.Errorf("expected PausedHITL to be recorded, got %+v", session.PausedHITL)
	}
}

func TestCheckpointManager_SaveTerminal_ClearsPauseAndRecordsError(t *testing.T) {
	mgr := NewCheckpointManager(store.NewMemorySessionStore(), false)
	session, err := mgr.Create(context.Background(), checkpointSpec(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = mgr.SavePaused(context.Background(), session, PausedHITL{StageRef: "steps[0]"})

	runErr := errors.New("boom")
	if err := mgr.SaveTerminal(context.Background(), session, StatusFailed, runErr); err != nil {
		t.Fatalf("SaveTerminal failed: %v", err)
	}
	if session.Status != StatusFailed {
		t.Errorf("expected Status = Failed, got %q", session.Status)
	}
	if session.PausedHITL != nil {
		t.Error("expected PausedHITL to be cleared on terminal save")
	}
	if session.LastError != "boom" {
		t.Errorf("expected LastError = boom, got %q", session.LastError)
	}
}
