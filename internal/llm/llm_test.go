package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/mira/pkg/models"
)

func TestTruncateToBudgetKeepsPinnedAndLatestUser(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens each
	messages := []ChatMessage{
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "system", Content: "rolling summary: " + long, Pinned: true},
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "the final question"},
	}

	kept := TruncateToBudget("preamble", messages, 250)

	var hasPinned, hasFinalUser bool
	for _, m := range kept {
		if m.Pinned {
			hasPinned = true
		}
		if m.Content == "the final question" {
			hasFinalUser = true
		}
	}
	if !hasPinned {
		t.Error("pinned rolling summary was dropped")
	}
	if !hasFinalUser {
		t.Error("latest user turn was dropped")
	}
	if len(kept) >= len(messages) {
		t.Errorf("nothing was trimmed: %d messages kept", len(kept))
	}
	// Oldest non-pinned messages go first.
	if kept[0].Content == long && kept[0].Role == "user" && !kept[0].Pinned && len(kept) > 3 {
		t.Error("expected the oldest unpinned message to be dropped first")
	}
}

func TestTruncateToBudgetNoopUnderBudget(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: "short"},
		{Role: "assistant", Content: "reply"},
	}
	kept := TruncateToBudget("", messages, 100000)
	if len(kept) != 2 {
		t.Errorf("kept %d messages, want 2", len(kept))
	}
	// Zero budget disables truncation entirely.
	kept = TruncateToBudget("", messages, 0)
	if len(kept) != 2 {
		t.Errorf("zero budget trimmed messages")
	}
}

type scriptedProvider struct {
	events []StreamEvent
}

func (s *scriptedProvider) Name() string       { return "scripted" }
func (s *scriptedProvider) ContextBudget() int { return 0 }

func (s *scriptedProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestChatAggregatesStream(t *testing.T) {
	p := &scriptedProvider{events: []StreamEvent{
		{Type: EventReasoningDelta, Delta: "thinking... "},
		{Type: EventTextDelta, Delta: "Hello, "},
		{Type: EventTextDelta, Delta: "world"},
		{Type: EventToolCallComplete, ToolCall: &models.ToolCall{ID: "t1", Name: "read_file", Input: []byte(`{"path":"a"}`)}},
		{Type: EventDone, Usage: &Usage{InputTokens: 10, OutputTokens: 5}},
	}}

	result, err := Chat(context.Background(), p, &ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Content != "Hello, world" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.ReasoningContent != "thinking... " {
		t.Errorf("ReasoningContent = %q", result.ReasoningContent)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls = %+v", result.ToolCalls)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", result.Usage)
	}
}

func TestChatSurfacesStreamError(t *testing.T) {
	wantErr := &LlmError{Kind: KindTransport, Provider: "scripted", Err: errors.New("boom")}
	p := &scriptedProvider{events: []StreamEvent{
		{Type: EventTextDelta, Delta: "partial"},
		{Type: EventError, Err: wantErr},
	}}

	_, err := Chat(context.Background(), p, &ChatRequest{})
	var le *LlmError
	if !errors.As(err, &le) || le.Kind != KindTransport {
		t.Fatalf("expected transport LlmError, got %v", err)
	}
}

func TestLlmErrorRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransport, true},
		{KindRateLimited, true},
		{KindAuth, false},
		{KindBadRequest, false},
		{KindCancelled, false},
	}
	for _, tt := range tests {
		e := &LlmError{Kind: tt.kind}
		if e.Retryable() != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, e.Retryable(), tt.want)
		}
	}
}
