package agentflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunBounded_ReturnsResultsInSubmissionOrder(t *testing.T) {
	sched := NewScheduler(4, nil, "run-1")
	tasks := make([]Task[int], 5)
	for i := range tasks {
		i := i
		tasks[i] = Task[int]{ID: "t", Fn: func(ctx context.Context) (int, error) { return i * 10, nil }}
	}

	out, err := RunBounded(context.Background(), sched, tasks)
	if err != nil {
		t.Fatalf("RunBounded failed: %v", err)
	}
	for i, v := range out {
		if v != i*10 {
			t.Errorf("out[%d] = %d, want %d", i, v, i*10)
		}
	}
}

func TestRunBounded_NeverExceedsLimit(t *testing.T) {
	sched := NewScheduler(2, nil, "run-1")
	var active, peak atomic.Int32
	tasks := make([]Task[int], 10)
	for i := range tasks {
		tasks[i] = Task[int]{ID: "t", Fn: func(ctx context.Context) (int, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			active.Add(-1)
			return 1, nil
		}}
	}
	if _, err := RunBounded(context.Background(), sched, tasks); err != nil {
		t.Fatalf("RunBounded failed: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRunBounded_FirstErrorCancelsSiblings(t *testing.T) {
	sched := NewScheduler(4, nil, "run-1")
	boom := errors.New("boom")
	var cancelObserved atomic.Bool
	tasks := []Task[int]{
		{ID: "fails", Fn: func(ctx context.Context) (int, error) { return 0, boom }},
		{ID: "waits", Fn: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			cancelObserved.Store(true)
			return 0, ctx.Err()
		}},
	}
	_, err := RunBounded(context.Background(), sched, tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the first task's error, got %v", err)
	}
	if !cancelObserved.Load() {
		t.Error("expected the sibling task to observe group cancellation")
	}
}

func TestRunBounded_PartialResultsSurviveAFailingSibling(t *testing.T) {
	sched := NewScheduler(2, nil, "run-1")
	boom := errors.New("boom")
	succeeded := make(chan struct{})
	tasks := []Task[int]{
		{ID: "succeeds", Fn: func(ctx context.Context) (int, error) {
			close(succeeded)
			return 7, nil
		}},
		{ID: "fails", Fn: func(ctx context.Context) (int, error) {
			<-succeeded // only fail once the sibling's result is recorded
			return 0, boom
		}},
	}
	out, err := RunBounded(context.Background(), sched, tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the failing task's error, got %v", err)
	}
	if len(out) != 1 || out[0] != 7 {
		t.Errorf("expected the completed sibling's result to survive, got %v", out)
	}
}

func TestRunBounded_EmptyTasksReturnsNil(t *testing.T) {
	sched := NewScheduler(4, nil, "run-1")
	out, err := RunBounded[int](context.Background(), sched, nil)
	if err != nil || out != nil {
		t.Errorf("expected (nil, nil) for an empty task list, got (%v, %v)", out, err)
	}
}

func TestLexicographicOrder_SortsAscendingWithoutMutatingInput(t *testing.T) {
	ids := []string{"c", "a", "b"}
	sorted := lexicographicOrder(ids)
	if sorted[0] != "a" || sorted[1] != "b" || sorted[2] != "c" {
		t.Errorf("expected sorted order, got %v", sorted)
	}
	if ids[0] != "c" {
		t.Error("expected lexicographicOrder not to mutate its input slice")
	}
}

func TestSchedulerMetrics_TracksPeakConcurrency(t *testing.T) {
	sched := NewScheduler(3, nil, "run-1")
	tasks := make([]Task[int], 6)
	for i := range tasks {
		tasks[i] = Task[int]{ID: "t", Fn: func(ctx context.Context) (int, error) { return 1, nil }}
	}
	if _, err := RunBounded(context.Background(), sched, tasks); err != nil {
		t.Fatalf("RunBounded failed: %v", err)
	}
	snap := sched.Metrics().Snapshot()
	if snap.TotalStarted != 6 {
		t.Errorf("TotalStarted = %d, want 6", snap.TotalStarted)
	}
	if snap.ActiveTasks != 0 {
		t.Errorf("ActiveTasks = %d, want 0 after completion", snap.ActiveTasks)
	}
	if snap.MaxConcurrent > 3 {
		t.Errorf("MaxConcurrent = %d, want <= 3", snap.MaxConcurrent)
	}
}
