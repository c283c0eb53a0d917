package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/patternflow/agentflow"
)

func testSession(id string) *agentflow.SessionState {
	now := time.Now().UTC()
	return &agentflow.SessionState{
		SessionID: id,
		SpecHash:  "hash-" + id,
		SpecName:  "demo-spec",
		Status:    agentflow.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Variables: map[string]any{"topic": "widgets"},
	}
}

func TestMemorySessionStore_PutGet(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	session := testSession("s1")
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.SpecName != "demo-spec" {
		t.Errorf("expected SpecName = demo-spec, got %q", got.SpecName)
	}

	// Mutating the returned pointer must not affect the store's copy.
	got.SpecName = "mutated"
	got2, _ := store.Get(ctx, "s1")
	if got2.SpecName != "demo-spec" {
		t.Errorf("store was mutated through a returned pointer: got %q", got2.SpecName)
	}
}

func TestMemorySessionStore_GetMissing(t *testing.T) {
	store := NewMemorySessionStore()
	got, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing session")
	}
}

func TestMemorySessionStore_List(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []agentflow.SessionStatus{agentflow.StatusRunning, agentflow.StatusPaused, agentflow.StatusCompleted} {
		s := testSession(string(rune('a' + i)))
		s.Status = status
		s.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	all, err := store.List(ctx, agentflow.ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Error("List did not return sessions in creation order")
		}
	}

	paused, err := store.List(ctx, agentflow.ListFilter{Status: agentflow.StatusPaused})
	if err != nil {
		t.Fatalf("List(status) failed: %v", err)
	}
	if len(paused) != 1 || paused[0].Status != agentflow.StatusPaused {
		t.Errorf("expected exactly one paused session, got %d", len(paused))
	}

	limited, err := store.List(ctx, agentflow.ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List(limit/offset) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 session with limit=1, got %d", len(limited))
	}
	if limited[0].SessionID != all[1].SessionID {
		t.Errorf("expected offset=1 to skip the first session; got %q", limited[0].SessionID)
	}
}

func TestMemorySessionStore_Delete(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	_ = store.Put(ctx, testSession("s1"))
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, _ := store.Get(ctx, "s1")
	if got != nil {
		t.Error("expected session to be gone after Delete")
	}

	// Deleting a nonexistent session is a no-op, not an error.
	if err := store.Delete(ctx, "nonexistent"); err != nil {
		t.Errorf("Delete of missing session should not error: %v", err)
	}
}

func TestMemorySessionStore_Concurrent(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			_ = store.Put(ctx, testSession(id))
			_, _ = store.Get(ctx, id)
			_, _ = store.List(ctx, agentflow.ListFilter{})
		}(i)
	}
	wg.Wait()
}

// compile-time interface assertions pinning each backend against
// agentflow.SessionStore.
var (
	_ agentflow.SessionStore = (*MemorySessionStore)(nil)
	_ agentflow.SessionStore = (*SQLiteSessionStore)(nil)
	_ agentflow.SessionStore = (*MySQLSessionStore)(nil)
)

func TestSQLiteSessionStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteSessionStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSessionStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	session := testSession("sqlite-1")
	session.PausedHITL = &agentflow.PausedHITL{StageRef: "review", PromptRendered: "approve?"}

	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "sqlite-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.SpecHash != session.SpecHash {
		t.Errorf("expected SpecHash = %q, got %q", session.SpecHash, got.SpecHash)
	}
	if got.PausedHITL == nil || got.PausedHITL.StageRef != "review" {
		t.Errorf("PausedHITL did not round-trip: %+v", got.PausedHITL)
	}
	if got.Variables["topic"] != "widgets" {
		t.Errorf("Variables did not round-trip: %+v", got.Variables)
	}

	session.Status = agentflow.StatusCompleted
	session.UpdatedAt = time.Now().UTC()
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("second Put (update) failed: %v", err)
	}
	got2, _ := store.Get(ctx, "sqlite-1")
	if got2.Status != agentflow.StatusCompleted {
		t.Errorf("expected updated Status = completed, got %q", got2.Status)
	}

	if err := store.Delete(ctx, "sqlite-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if gone, _ := store.Get(ctx, "sqlite-1"); gone != nil {
		t.Error("expected session to be gone after Delete")
	}
}

func TestSQLiteSessionStore_ListFiltering(t *testing.T) {
	store, err := NewSQLiteSessionStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSessionStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i, status := range []agentflow.SessionStatus{agentflow.StatusRunning, agentflow.StatusFailed, agentflow.StatusFailed} {
		s := testSession(string(rune('a' + i)))
		s.Status = status
		s.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	failed, err := store.List(ctx, agentflow.ListFilter{Status: agentflow.StatusFailed})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("expected 2 failed sessions, got %d", len(failed))
	}
}
