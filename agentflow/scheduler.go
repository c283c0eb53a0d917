package agentflow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Task is a unit of schedulable work: render inputs, invoke an agent (or
// wait on a HITL gate), and return a typed result. Every pattern
// executor's fan-out (workflow ready-set, parallel branches, orchestrator
// workers) is expressed as a slice of Task and run through RunBounded.
type Task[T any] struct {
	// ID identifies the task for error attribution (a task id, branch id,
	// or worker index rendered as a string).
	ID string
	Fn func(ctx context.Context) (T, error)
}

type boundedResult[T any] struct {
	index int
	value T
	err   error
}

// Scheduler holds the single counting semaphore shared by every fan-out in
// one run, sized from runtime.max_parallel. Every pattern executor that
// needs concurrent work pulls from the same Scheduler instance, so the
// bound applies across the whole run, not per-pattern.
type Scheduler struct {
	sem     chan struct{}
	metrics *SchedulerMetrics
	prom    *PrometheusMetrics // optional; nil when WithMetrics was not supplied
	runID   string
}

// SchedulerMetrics tracks point-in-time concurrency stats (queue_depth,
// active_nodes analogues); the Prometheus gauges of PrometheusMetrics in
// metrics.go are fed separately through reportProm.
type SchedulerMetrics struct {
	ActiveTasks   atomic.Int32
	MaxConcurrent atomic.Int32
	TotalStarted  atomic.Int64
}

func (m *SchedulerMetrics) onStart() {
	active := m.ActiveTasks.Add(1)
	for {
		peak := m.MaxConcurrent.Load()
		if active <= peak || m.MaxConcurrent.CompareAndSwap(peak, active) {
			break
		}
	}
	m.TotalStarted.Add(1)
}

func (m *SchedulerMetrics) onFinish() {
	m.ActiveTasks.Add(-1)
}

// SchedulerMetricsSnapshot is a point-in-time, race-free copy for readers.
type SchedulerMetricsSnapshot struct {
	ActiveTasks   int32
	MaxConcurrent int32
	TotalStarted  int64
}

func (m *SchedulerMetrics) Snapshot() SchedulerMetricsSnapshot {
	return SchedulerMetricsSnapshot{
		ActiveTasks:   m.ActiveTasks.Load(),
		MaxConcurrent: m.MaxConcurrent.Load(),
		TotalStarted:  m.TotalStarted.Load(),
	}
}

// NewScheduler builds a Scheduler bounding concurrent fan-out to limit
// in-flight tasks (runtime.max_parallel, default 5). prom is optional
// (nil disables Prometheus export) and, when set, is kept current with
// the scheduler's inflight/queue-depth gauges on every task start/finish.
// runID labels the exported metrics.
func NewScheduler(limit int, prom *PrometheusMetrics, runID string) *Scheduler {
	if limit <= 0 {
		limit = 5
	}
	return &Scheduler{sem: make(chan struct{}, limit), metrics: &SchedulerMetrics{}, prom: prom, runID: runID}
}

func (s *Scheduler) Metrics() *SchedulerMetrics { return s.metrics }

// reportProm mirrors the scheduler's atomic counters onto the optional
// Prometheus gauges; total is the size of the fan-out currently in
// flight, used to derive a queue-depth approximation (tasks submitted but
// not yet past the semaphore).
func (s *Scheduler) reportProm(total int) {
	if s.prom == nil {
		return
	}
	snap := s.metrics.Snapshot()
	s.prom.UpdateInflightNodes(int(snap.ActiveTasks))
	pending := total - int(snap.ActiveTasks)
	if pending < 0 {
		pending = 0
	}
	s.prom.UpdateQueueDepth(pending)
}

// RunBounded runs every task under the scheduler's semaphore and waits for
// all of them, fail-fast: the first error cancels the group's derived
// context so siblings observe cancellation at their next suspension
// point, and RunBounded returns that first error once every goroutine has
// exited. Results are returned in submission order, independent of
// completion order — per the concurrency model's "merge order is
// completion order of the spawning loop, not wall-clock arrival"; when
// every task succeeds, task[i]'s result lands at index i. On failure, the
// slice holds only the tasks that completed successfully before the
// cancelling error, still in submission order but without gaps (so indices
// no longer match task positions), and the caller can checkpoint that
// partial state instead of discarding it.
func RunBounded[T any](ctx context.Context, sched *Scheduler, tasks []Task[T]) ([]T, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]boundedResult[T], len(tasks))
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t Task[T]) {
			defer wg.Done()

			select {
			case sched.sem <- struct{}{}:
			default:
				incrementBackpressure(sched.prom, sched.runID, "max_concurrent")
				select {
				case sched.sem <- struct{}{}:
				case <-groupCtx.Done():
					results[i] = boundedResult[T]{index: i, err: groupCtx.Err()}
					return
				}
			}
			sched.metrics.onStart()
			sched.reportProm(len(tasks))
			defer func() {
				<-sched.sem
				sched.metrics.onFinish()
				sched.reportProm(len(tasks))
			}()

			if groupCtx.Err() != nil {
				results[i] = boundedResult[T]{index: i, err: groupCtx.Err()}
				return
			}

			v, err := t.Fn(groupCtx)
			results[i] = boundedResult[T]{index: i, value: v, err: err}
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i, t)
	}

	wg.Wait()

	out := make([]T, 0, len(tasks))
	for _, r := range results {
		if r.err != nil {
			continue
		}
		out = append(out, r.value)
	}
	if firstErr != nil {
		return out, firstErr
	}
	return out, nil
}

// lexicographicOrder sorts string ids ascending, used by the workflow-DAG
// executor to give its ready-set submission order a deterministic,
// testable tie-break.
func lexicographicOrder(ids []string) []string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return sorted
}
