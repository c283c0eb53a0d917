package agentflow

import "github.com/patternflow/agentflow/emit"

// Option configures an Executor at construction time. Chainable and
// self-documenting, following the same functional-option shape used
// throughout the ambient stack's configuration surfaces.
type Option func(*executorConfig) error

type executorConfig struct {
	store         SessionStore
	clientFactory ModelClientFactory
	hitlHandler   HITLHandler
	retryPolicy   RetryPolicy
	strictResume  bool
	hooks         *HookDispatcher
	emitter       emit.Emitter
	metrics       *PrometheusMetrics
}

// WithSessionStore sets the durable backend sessions are persisted
// through. Required — NewExecutor returns a CapabilityError if unset.
func WithSessionStore(store SessionStore) Option {
	return func(c *executorConfig) error {
		c.store = store
		return nil
	}
}

// WithModelClientFactory sets the factory the Agent Cache uses to build
// provider clients for a RuntimeConfig. Required.
func WithModelClientFactory(f ModelClientFactory) Option {
	return func(c *executorConfig) error {
		c.clientFactory = f
		return nil
	}
}

// WithHITLHandler enables interactive (in-process) HITL resumption: the
// executor calls handler synchronously at a gate instead of pausing and
// returning exit code 19. Without this option every HITL gate pauses.
func WithHITLHandler(handler HITLHandler) Option {
	return func(c *executorConfig) error {
		c.hitlHandler = handler
		return nil
	}
}

// WithRetryPolicy overrides the default retry/backoff policy (3 attempts,
// 1s base, 30s cap, +/-20% jitter).
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *executorConfig) error {
		c.retryPolicy = policy
		return nil
	}
}

// WithStrictResume makes a spec-hash mismatch on Resume fatal
// (SessionError{SpecChanged}) instead of the default warn-and-proceed.
func WithStrictResume(strict bool) Option {
	return func(c *executorConfig) error {
		c.strictResume = strict
		return nil
	}
}

// WithHooks supplies a pre-built HookDispatcher (e.g. one the caller has
// already registered business-logic handlers on) instead of the
// Executor's own empty default.
func WithHooks(hooks *HookDispatcher) Option {
	return func(c *executorConfig) error {
		c.hooks = hooks
		return nil
	}
}

// WithEmitter wires a structured event sink (log/null/buffered/OTel) for
// operational observability. The executor emits workflow_start and
// workflow_complete events to it; the per-stage lifecycle events go only
// to the hook dispatcher.
func WithEmitter(emitter emit.Emitter) Option {
	return func(c *executorConfig) error {
		c.emitter = emitter
		return nil
	}
}

// WithMetrics wires a PrometheusMetrics collector into the scheduler's
// inflight/queue-depth gauges and the engine's per-stage latency and
// retry counters. Without this option the run collects no Prometheus
// metrics (every call site nil-checks before touching it).
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(c *executorConfig) error {
		c.metrics = metrics
		return nil
	}
}

func newExecutorConfig(opts []Option) (*executorConfig, error) {
	cfg := &executorConfig{
		retryPolicy: DefaultRetryPolicy(),
		hooks:       NewHookDispatcher(),
		emitter:     emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.store == nil {
		return nil, &CapabilityError{Feature: "session store (WithSessionStore is required)"}
	}
	if cfg.clientFactory == nil {
		return nil, &CapabilityError{Feature: "model client factory (WithModelClientFactory is required)"}
	}
	return cfg, nil
}
