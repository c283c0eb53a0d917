// Package runtime provides LLM integration adapters.
package runtime

import "context"

// ChatModel abstracts a single LLM provider behind a uniform chat API.
//
// Implementations handle provider-specific auth, convert Message to the
// provider's wire format, and translate responses back to ChatOut. They
// should respect context cancellation and surface rate-limit/transient
// errors so the caller's retry policy can classify them.
type ChatModel interface {
	// Chat sends the conversation so far, plus any tools the model may
	// invoke, and returns the model's response. tools may be nil.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content may be empty for messages that only carry tool calls.
	Content string
}

// Standard role constants, aligned with the conventions major providers use.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool an LLM can choose to call.
type ToolSpec struct {
	// Name must be a valid function name (alphanumeric + underscores).
	Name string

	// Description is what the model uses to decide when to call the tool.
	Description string

	// Schema is the tool's input parameters in JSON Schema form. Optional.
	Schema map[string]interface{}
}

// ChatOut is a provider's response to a Chat call.
type ChatOut struct {
	// Text is empty if the model only wants to call tools.
	Text string

	// ToolCalls is empty if the model replied with text only.
	ToolCalls []ToolCall

	// Usage reports per-call token accounting, when the provider returns
	// it. Zero value if a provider response omits usage data.
	Usage TokenUsage
}

// TokenUsage is the per-call token accounting a ChatModel reports back,
// independent of any particular provider's naming (Anthropic: input/output,
// OpenAI/Google: prompt/completion — normalized to the latter here).
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolCall is a request from the model to invoke one tool. Input's
// structure matches the corresponding ToolSpec.Schema, and may be nil
// for tools that take no parameters.
type ToolCall struct {
	// Name must match a ToolSpec.Name from the tools offered in the call.
	Name string

	Input map[string]interface{}
}
