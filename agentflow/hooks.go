package agentflow

import "sync"

// HookName enumerates the lifecycle events the dispatcher fires.
type HookName string

const (
	HookWorkflowStart    HookName = "workflow_start"
	HookWorkflowComplete HookName = "workflow_complete"
	HookStepStart        HookName = "step_start"
	HookStepComplete     HookName = "step_complete"
	HookTaskStart        HookName = "task_start"
	HookTaskComplete     HookName = "task_complete"
	HookBranchStart      HookName = "branch_start"
	HookBranchComplete   HookName = "branch_complete"
	HookNodeStart        HookName = "node_start"
	HookNodeComplete     HookName = "node_complete"
	HookHITLPause        HookName = "hitl_pause"
	HookError            HookName = "error"
)

// HookEvent is the payload delivered to every registered HookFunc.
type HookEvent struct {
	Name      HookName
	SessionID string
	StageRef  string
	Response  string
	Err       error
	Fields    map[string]any
}

// HookFunc handles one HookEvent. A panic inside a handler is recovered
// and discarded by the dispatcher, which goes on to the next handler; it
// never aborts the run.
type HookFunc func(HookEvent)

// HookDispatcher fires lifecycle events to handlers registered in
// registration order, synchronously, on the dispatching goroutine.
type HookDispatcher struct {
	mu       sync.Mutex
	handlers map[HookName][]HookFunc
}

// NewHookDispatcher builds an empty dispatcher.
func NewHookDispatcher() *HookDispatcher {
	return &HookDispatcher{handlers: map[HookName][]HookFunc{}}
}

// On registers fn to run whenever name fires.
func (d *HookDispatcher) On(name HookName, fn HookFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], fn)
}

// Fire invokes every handler registered for event.Name, in registration
// order, recovering any panic so one misbehaving handler cannot take down
// the run.
func (d *HookDispatcher) Fire(event HookEvent) {
	d.mu.Lock()
	handlers := append([]HookFunc(nil), d.handlers[event.Name]...)
	d.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(event)
		}()
	}
}
