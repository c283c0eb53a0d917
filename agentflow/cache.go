package agentflow

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// AgentRuntime is the provider-facing capability interface every stage
// invocation goes through. The engine never speaks to an LLM API
// directly — concrete adapters live in agentflow/runtime/{anthropic,
// openai,google} and a deterministic agentflow/runtime mock used by tests.
type AgentRuntime interface {
	Invoke(ctx context.Context, agent ResolvedAgent, prompt string, tools []ToolSpec) (InvokeResult, error)
	Name() string
}

// ResolvedAgent is an AgentDef with its runtime config and cache
// fingerprint already resolved, the unit AgentRuntime.Invoke operates on.
type ResolvedAgent struct {
	AgentID      AgentID
	SystemPrompt string
	Tools        []string
	Model        string
	Sampling     SamplingParams
	Fingerprint  string
}

// InvokeResult is what a provider adapter returns for one Invoke call.
type InvokeResult struct {
	Response   string
	TokenUsage TokenUsage
}

// StageOverrides carries per-step_overrides from an AgentStep
// (tool_overrides) that modify the resolved agent without mutating the
// Spec's agent definition.
type StageOverrides struct {
	ToolOverrides []string
}

// ModelClientFactory builds a fresh AgentRuntime for a given RuntimeConfig;
// supplied by the caller (wiring a concrete provider package) so the cache
// never imports provider packages itself.
type ModelClientFactory func(cfg RuntimeConfig) (AgentRuntime, error)

// Agent is a cached (system prompt, tool list, model client) triple keyed
// by its config fingerprint.
type Agent struct {
	Resolved ResolvedAgent
	Client   AgentRuntime
}

// AgentCache deduplicates agent instances and pools model clients by
// configuration fingerprint, per the cache-dedup testable property: two
// stages requesting an agent with an identical resolved fingerprint
// observe the same *Agent instance. Concurrent misses on the same
// fingerprint single-flight into one build via golang.org/x/sync/singleflight.
type AgentCache struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	clients *lru.Cache[string, AgentRuntime]
	factory ModelClientFactory
	group   singleflight.Group
}

// defaultClientPoolSize bounds the number of distinct model clients held
// open at once; eviction closes the client via closeClient.
const defaultClientPoolSize = 16

// NewAgentCache builds a cache backed by factory for constructing new
// model clients on pool miss.
func NewAgentCache(factory ModelClientFactory) (*AgentCache, error) {
	c := &AgentCache{
		agents:  map[string]*Agent{},
		factory: factory,
	}
	clients, err := lru.NewWithEvict(defaultClientPoolSize, func(_ string, client AgentRuntime) {
		closeClient(client)
	})
	if err != nil {
		return nil, err
	}
	c.clients = clients
	return c, nil
}

func closeClient(client AgentRuntime) {
	if closer, ok := client.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// GetOrBuildAgent resolves agentID against spec (applying overrides),
// computes its fingerprint, and returns the cached *Agent for that
// fingerprint, building it (and its model client) on first use.
func (c *AgentCache) GetOrBuildAgent(spec *Spec, agentID AgentID, overrides *StageOverrides) (*Agent, error) {
	def, ok := spec.Agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not declared in spec", agentID)
	}

	model := def.ModelOverride
	if model == "" {
		model = spec.Runtime.Model
	}
	tools := def.Tools
	if overrides != nil && overrides.ToolOverrides != nil {
		tools = overrides.ToolOverrides
	}

	resolved := ResolvedAgent{
		AgentID:      agentID,
		SystemPrompt: def.SystemPrompt,
		Tools:        tools,
		Model:        model,
		Sampling:     spec.Runtime.Sampling,
	}
	resolved.Fingerprint = canonicalHash(resolved)

	c.mu.RLock()
	if a, ok := c.agents[resolved.Fingerprint]; ok {
		c.mu.RUnlock()
		return a, nil
	}
	c.mu.RUnlock()

	runtimeCfg := spec.Runtime
	runtimeCfg.Model = model

	v, err, _ := c.group.Do(resolved.Fingerprint, func() (any, error) {
		c.mu.RLock()
		if a, ok := c.agents[resolved.Fingerprint]; ok {
			c.mu.RUnlock()
			return a, nil
		}
		c.mu.RUnlock()

		client, err := c.GetModelClient(runtimeCfg)
		if err != nil {
			return nil, err
		}
		a := &Agent{Resolved: resolved, Client: client}

		c.mu.Lock()
		c.agents[resolved.Fingerprint] = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

// GetModelClient returns a pooled AgentRuntime for cfg, building one via
// the configured factory on pool miss.
func (c *AgentCache) GetModelClient(cfg RuntimeConfig) (AgentRuntime, error) {
	key := cfg.fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients.Get(key); ok {
		return client, nil
	}
	client, err := c.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("building model client for %s/%s: %w", cfg.Provider, cfg.Model, err)
	}
	c.clients.Add(key, client)
	return client, nil
}

// Close tears down every tracked model client. Safe to call more than
// once; the Executor defers it so every exit path (success, failure,
// panic recovery) releases provider resources.
func (c *AgentCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients.Purge()
	c.agents = map[string]*Agent{}
	return nil
}
