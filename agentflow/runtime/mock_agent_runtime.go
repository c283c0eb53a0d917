package runtime

import (
	"context"
	"sync"

	"github.com/patternflow/agentflow"
)

// MockAgentRuntime is a deterministic, scriptable agentflow.AgentRuntime
// used throughout the test suite in place of a real provider adapter and
// the tool-calling loop Bridge runs in front of one. Unlike Bridge, it
// never touches a ChatModel or a tool registry — Invoke just plays back
// Responses in order, so pattern and engine tests can assert on exactly
// what each stage received without standing up a fake HTTP server.
type MockAgentRuntime struct {
	// RuntimeName is returned by Name(); defaults to "mock" if unset.
	RuntimeName string

	// Responses is the sequence of results Invoke returns, one per call.
	// Once exhausted, the last response repeats.
	Responses []agentflow.InvokeResult

	// Err, if set, is returned by every Invoke instead of a response.
	Err error

	// Calls records every invocation for test assertions.
	Calls []MockAgentInvocation

	mu        sync.Mutex
	callIndex int
}

// MockAgentInvocation records one Invoke call.
type MockAgentInvocation struct {
	Agent  agentflow.ResolvedAgent
	Prompt string
	Tools  []agentflow.ToolSpec
}

func (m *MockAgentRuntime) Name() string {
	if m.RuntimeName == "" {
		return "mock"
	}
	return m.RuntimeName
}

// Invoke implements agentflow.AgentRuntime.
func (m *MockAgentRuntime) Invoke(ctx context.Context, agent agentflow.ResolvedAgent, prompt string, tools []agentflow.ToolSpec) (agentflow.InvokeResult, error) {
	if ctx.Err() != nil {
		return agentflow.InvokeResult{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockAgentInvocation{Agent: agent, Prompt: prompt, Tools: tools})

	if m.Err != nil {
		return agentflow.InvokeResult{}, m.Err
	}
	if len(m.Responses) == 0 {
		return agentflow.InvokeResult{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears call history and rewinds the response index, for reuse
// across subtests.
func (m *MockAgentRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Invoke calls recorded so far.
func (m *MockAgentRuntime) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ agentflow.AgentRuntime = (*MockAgentRuntime)(nil)
