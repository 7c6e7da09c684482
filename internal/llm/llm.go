// Package llm defines the uniform chat-with-tools contract over
// heterogeneous LLM protocols. Adapters live in the providers
// subpackage and normalize each wire dialect into the canonical
// StreamEvent sequence.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/mira/pkg/models"
)

// ReasoningEffort selects how much reasoning budget a request gets.
type ReasoningEffort string

const (
	EffortNone   ReasoningEffort = "none"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
	EffortXHigh  ReasoningEffort = "xhigh"
)

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`

	// Pinned messages survive context-budget truncation.
	Pinned bool `json:"-"`
}

// ChatConfig carries generation parameters.
type ChatConfig struct {
	Model           string          `json:"model,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Temperature     float32         `json:"temperature,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	// ContextBudget caps total input tokens; 0 uses the provider default.
	ContextBudget int `json:"context_budget,omitempty"`
}

// ChatRequest is a full request to a provider.
type ChatRequest struct {
	System   string              `json:"system,omitempty"`
	Messages []ChatMessage       `json:"messages"`
	Tools    []models.ToolSchema `json:"tools,omitempty"`
	Config   ChatConfig          `json:"config"`
}

// Usage is the token accounting for one turn.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// ChatResult is the aggregated outcome of one assistant turn.
type ChatResult struct {
	RequestID        string            `json:"request_id"`
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
	Usage            Usage             `json:"usage"`
	DurationMs       int64             `json:"duration_ms"`
}

// StreamEventType enumerates canonical streaming events. Within one
// turn text and reasoning deltas preserve generation order, and every
// tool call event precedes the terminal Done.
type StreamEventType string

const (
	EventTextDelta         StreamEventType = "text_delta"
	EventReasoningDelta    StreamEventType = "reasoning_delta"
	EventToolCallStart     StreamEventType = "tool_call_start"
	EventToolCallArgsDelta StreamEventType = "tool_call_arguments_delta"
	EventToolCallComplete  StreamEventType = "tool_call_complete"
	EventDone              StreamEventType = "done"
	EventError             StreamEventType = "error"
)

// StreamEvent is one canonicalized streaming token from an adapter.
type StreamEvent struct {
	Type StreamEventType

	// TextDelta / ReasoningDelta
	Delta string

	// Tool call events
	ToolCallID   string
	ToolCallName string
	ArgsDelta    string
	ToolCall     *models.ToolCall

	// Done
	Usage *Usage

	// Error
	Err error
}

// Provider is one protocol family adapter. Implementations must be safe
// for concurrent use; each ChatStream call owns its own stream.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// ChatStream sends a request and returns the canonical event
	// stream. The channel is closed after the terminal Done or Error.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// ContextBudget is the provider's declared input-token limit.
	ContextBudget() int
}

// Chat runs a streaming request to completion and aggregates the result.
func Chat(ctx context.Context, p Provider, req *ChatRequest) (*ChatResult, error) {
	events, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var content, reasoning strings.Builder
	result := &ChatResult{}
	for ev := range events {
		switch ev.Type {
		case EventTextDelta:
			content.WriteString(ev.Delta)
		case EventReasoningDelta:
			reasoning.WriteString(ev.Delta)
		case EventToolCallComplete:
			if ev.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *ev.ToolCall)
			}
		case EventDone:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		case EventError:
			return nil, ev.Err
		}
	}
	result.Content = content.String()
	result.ReasoningContent = reasoning.String()
	return result, nil
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransport   ErrorKind = "transport"
	KindBadRequest  ErrorKind = "bad_request"
	KindBackend     ErrorKind = "backend"
	KindCancelled   ErrorKind = "cancelled"
)

// LlmError wraps a provider failure with its kind. Transport and
// RateLimited errors are retried inside the adapter up to three times;
// exhaustion surfaces the final error.
type LlmError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *LlmError) Error() string {
	return fmt.Sprintf("llm: %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *LlmError) Unwrap() error { return e.Err }

// Retryable reports whether the adapter should retry the request.
func (e *LlmError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimited
}

// KindOf extracts the error kind, defaulting to Backend.
func KindOf(err error) ErrorKind {
	var le *LlmError
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindBackend
}
