package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/patternflow/agentflow"
	"github.com/patternflow/agentflow/tool"
)

// maxToolCallRounds bounds the tool-calling loop against a model that
// never stops requesting tools.
const maxToolCallRounds = 8

// Bridge adapts a ChatModel and a fixed tool registry into an
// agentflow.AgentRuntime. The engine's Invoke contract is one call in, one
// text response out; the tool-calling loop (call, execute whatever tools
// the model requested, feed results back, call again) lives entirely
// here, not in the engine.
type Bridge struct {
	name  string
	chat  ChatModel
	tools map[string]tool.Tool
}

// NewBridge wires chat to tools by name. A tool named in a Spec's
// agentflow.ToolSpec list but absent from tools fails at Invoke time, not
// at construction — tool registries are built once per process while
// Specs are loaded per run.
func NewBridge(name string, chat ChatModel, tools []tool.Tool) *Bridge {
	reg := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		reg[t.Name()] = t
	}
	return &Bridge{name: name, chat: chat, tools: reg}
}

func (b *Bridge) Name() string { return b.name }

// Invoke implements agentflow.AgentRuntime.
func (b *Bridge) Invoke(ctx context.Context, agent agentflow.ResolvedAgent, prompt string, tools []agentflow.ToolSpec) (agentflow.InvokeResult, error) {
	var messages []Message
	if agent.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: agent.SystemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	chatTools := convertToolSpecs(tools)

	var usage agentflow.TokenUsage
	for round := 0; ; round++ {
		if round >= maxToolCallRounds {
			return agentflow.InvokeResult{}, &agentflow.PermanentError{
				Err: fmt.Errorf("%s: exceeded %d tool-calling rounds without a final response", b.name, maxToolCallRounds),
			}
		}

		out, err := b.chat.Chat(ctx, messages, chatTools)
		if err != nil {
			return agentflow.InvokeResult{}, classifyChatError(err)
		}
		usage.Add(agentflow.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		})

		if len(out.ToolCalls) == 0 {
			return agentflow.InvokeResult{Response: out.Text, TokenUsage: usage}, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: out.Text})
		for _, call := range out.ToolCalls {
			messages = append(messages, b.runToolCall(ctx, call))
		}
	}
}

// runToolCall executes one requested tool call and renders the outcome as
// the next message fed back to the model. A missing tool or a tool error
// becomes a message the model can see and react to, not an Invoke failure
// — the model may retry with different arguments or give up and answer
// from what it already has.
func (b *Bridge) runToolCall(ctx context.Context, call ToolCall) Message {
	t, ok := b.tools[call.Name]
	if !ok {
		return Message{Role: RoleUser, Content: fmt.Sprintf("tool %q is not available", call.Name)}
	}

	result, err := t.Call(ctx, call.Input)
	if err != nil {
		return Message{Role: RoleUser, Content: fmt.Sprintf("tool %s failed: %v", call.Name, err)}
	}

	rendered, err := json.Marshal(result)
	if err != nil {
		return Message{Role: RoleUser, Content: fmt.Sprintf("tool %s returned an unencodable result: %v", call.Name, err)}
	}
	return Message{Role: RoleUser, Content: fmt.Sprintf("tool %s result: %s", call.Name, rendered)}
}

// convertToolSpecs projects the declarative agentflow.ToolSpec bindings
// down to the name/description pair a ChatModel needs to offer the model
// a tool choice. Per-binding argument shape (http vs. callable, URL
// templates, allow-lists) stays behind tool.Tool — the model only ever
// sees a name and a description of what it's for.
func convertToolSpecs(specs []agentflow.ToolSpec) []ToolSpec {
	if len(specs) == 0 {
		return nil
	}
	out := make([]ToolSpec, len(specs))
	for i, s := range specs {
		out[i] = ToolSpec{
			Name:        s.Name,
			Description: fmt.Sprintf("%s tool bound via %s", s.Name, s.Kind),
		}
	}
	return out
}

// classifyChatError maps a raw ChatModel error to the engine's
// retry-relevant error kinds. ChatModel implementations in this module
// don't themselves distinguish transient from permanent failures (each
// returns a plain wrapped error), so the bridge is the one place that
// decision is made for every provider.
func classifyChatError(err error) error {
	if err == nil {
		return nil
	}
	var transient *TransientChatError
	if errors.As(err, &transient) {
		return &agentflow.TransientError{Err: transient.Err}
	}
	var permanent *PermanentChatError
	if errors.As(err, &permanent) {
		return &agentflow.PermanentError{Err: permanent.Err}
	}
	return &agentflow.TransientError{Err: err}
}

// TransientChatError marks a ChatModel error as retry-eligible (rate
// limits, network faults, 5xx). Provider adapters may wrap errors in this
// type to steer bridge classification instead of falling back to the
// transient-by-default rule.
type TransientChatError struct{ Err error }

func (e *TransientChatError) Error() string { return e.Err.Error() }
func (e *TransientChatError) Unwrap() error { return e.Err }

// PermanentChatError marks a ChatModel error as non-retryable (4xx,
// content-policy rejections, schema violations).
type PermanentChatError struct{ Err error }

func (e *PermanentChatError) Error() string { return e.Err.Error() }
func (e *PermanentChatError) Unwrap() error { return e.Err }

var _ agentflow.AgentRuntime = (*Bridge)(nil)
