package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/patternflow/agentflow"
	"github.com/patternflow/agentflow/tool"
)

func TestBridge_NoToolCalls_ReturnsTextAndUsage(t *testing.T) {
	chat := &MockChatModel{
		Responses: []ChatOut{
			{Text: "the answer is 4", Usage: TokenUsage{PromptTokens: 10, CompletionTokens: 5}},
		},
	}
	b := NewBridge("mock-provider", chat, nil)

	result, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{SystemPrompt: "be terse"}, "what is 2+2?", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v, want nil", err)
	}
	if result.Response != "the answer is 4" {
		t.Errorf("Response = %q, want %q", result.Response, "the answer is 4")
	}
	if result.TokenUsage.PromptTokens != 10 || result.TokenUsage.CompletionTokens != 5 {
		t.Errorf("TokenUsage = %+v, want {10 5}", result.TokenUsage)
	}

	if len(chat.Calls) != 1 {
		t.Fatalf("expected 1 chat call, got %d", len(chat.Calls))
	}
	if chat.Calls[0].Messages[0].Role != RoleSystem || chat.Calls[0].Messages[0].Content != "be terse" {
		t.Errorf("expected system message first, got %+v", chat.Calls[0].Messages[0])
	}
}

func TestBridge_ToolCallLoop_ExecutesAndFeedsBackResult(t *testing.T) {
	weatherTool := &tool.MockTool{
		ToolName:  "get_weather",
		Responses: []map[string]interface{}{{"temperature": 72.5}},
	}
	chat := &MockChatModel{
		Responses: []ChatOut{
			{ToolCalls: []ToolCall{{Name: "get_weather", Input: map[string]interface{}{"location": "paris"}}}},
			{Text: "it's 72.5 degrees in paris"},
		},
	}
	b := NewBridge("mock-provider", chat, []tool.Tool{weatherTool})

	toolSpecs := []agentflow.ToolSpec{{Kind: "callable", Name: "get_weather"}}
	result, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "what's the weather in paris?", toolSpecs)
	if err != nil {
		t.Fatalf("Invoke() error = %v, want nil", err)
	}
	if result.Response != "it's 72.5 degrees in paris" {
		t.Errorf("Response = %q, want final text response", result.Response)
	}
	if weatherTool.CallCount() != 1 {
		t.Fatalf("expected tool called once, got %d", weatherTool.CallCount())
	}
	if len(chat.Calls) != 2 {
		t.Fatalf("expected 2 chat rounds, got %d", len(chat.Calls))
	}

	secondRoundMessages := chat.Calls[1].Messages
	last := secondRoundMessages[len(secondRoundMessages)-1]
	if last.Role != RoleUser {
		t.Errorf("expected tool result fed back as a user message, got role %q", last.Role)
	}
}

func TestBridge_UnregisteredTool_SurfacesAsMessageNotError(t *testing.T) {
	chat := &MockChatModel{
		Responses: []ChatOut{
			{ToolCalls: []ToolCall{{Name: "nonexistent_tool"}}},
			{Text: "proceeding without that tool"},
		},
	}
	b := NewBridge("mock-provider", chat, nil)

	result, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "do something", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v, want nil (unavailable tool surfaces as a message)", err)
	}
	if result.Response != "proceeding without that tool" {
		t.Errorf("Response = %q, want recovery text", result.Response)
	}
}

func TestBridge_ExceedsMaxToolCallRounds_ReturnsPermanentError(t *testing.T) {
	chat := &MockChatModel{
		Responses: []ChatOut{
			{ToolCalls: []ToolCall{{Name: "loop_tool"}}},
		},
	}
	loopTool := &tool.MockTool{ToolName: "loop_tool", Responses: []map[string]interface{}{{"ok": true}}}
	b := NewBridge("mock-provider", chat, []tool.Tool{loopTool})

	_, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "loop forever", nil)
	if err == nil {
		t.Fatal("expected error after exceeding max tool-calling rounds")
	}
	var permanent *agentflow.PermanentError
	if !errors.As(err, &permanent) {
		t.Errorf("expected *agentflow.PermanentError, got %T: %v", err, err)
	}
}

func TestBridge_TransientChatError_MapsToAgentflowTransientError(t *testing.T) {
	chat := &MockChatModel{Err: &TransientChatError{Err: errors.New("rate limited")}}
	b := NewBridge("mock-provider", chat, nil)

	_, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "hi", nil)
	var transient *agentflow.TransientError
	if !errors.As(err, &transient) {
		t.Errorf("expected *agentflow.TransientError, got %T: %v", err, err)
	}
}

func TestBridge_PermanentChatError_MapsToAgentflowPermanentError(t *testing.T) {
	chat := &MockChatModel{Err: &PermanentChatError{Err: errors.New("invalid request")}}
	b := NewBridge("mock-provider", chat, nil)

	_, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "hi", nil)
	var permanent *agentflow.PermanentError
	if !errors.As(err, &permanent) {
		t.Errorf("expected *agentflow.PermanentError, got %T: %v", err, err)
	}
}

func TestBridge_UnclassifiedChatError_DefaultsToTransient(t *testing.T) {
	chat := &MockChatModel{Err: errors.New("unexpected network blip")}
	b := NewBridge("mock-provider", chat, nil)

	_, err := b.Invoke(context.Background(), agentflow.ResolvedAgent{}, "hi", nil)
	var transient *agentflow.TransientError
	if !errors.As(err, &transient) {
		t.Errorf("expected *agentflow.TransientError as the default classification, got %T: %v", err, err)
	}
}

func TestBridge_Name(t *testing.T) {
	b := NewBridge("anthropic", &MockChatModel{}, nil)
	if b.Name() != "anthropic" {
		t.Errorf("Name() = %q, want %q", b.Name(), "anthropic")
	}
}
