package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/pkg/models"
)

// AnthropicProvider adapts Anthropic's Messages API. It converts the
// SSE event stream (content blocks, thinking blocks, tool-use deltas)
// into the canonical StreamEvent sequence.
//
// Thread safety: each ChatStream call creates an independent stream and
// goroutine, so the provider is safe for concurrent use.
type AnthropicProvider struct {
	client        anthropic.Client
	defaultModel  string
	contextBudget int
	base          BaseProvider
}

// AnthropicConfig holds construction parameters.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// DefaultModel is used when the request does not name one.
	DefaultModel string

	// ContextBudget caps estimated input tokens before truncation.
	// Default: 180000.
	ContextBudget int

	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicProvider validates the configuration and builds the
// adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 180000
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:        anthropic.NewClient(options...),
		defaultModel:  cfg.DefaultModel,
		contextBudget: cfg.ContextBudget,
		base:          NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// ContextBudget returns the declared input-token limit.
func (p *AnthropicProvider) ContextBudget() int { return p.contextBudget }

// ChatStream sends the request and returns the canonical event stream.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	events := make(chan llm.StreamEvent)

	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, func() error {
			var createErr error
			stream, createErr = p.createStream(ctx, req)
			if createErr != nil {
				return p.wrapError(createErr)
			}
			return nil
		})
		if err != nil {
			events <- llm.StreamEvent{Type: llm.EventError, Err: err}
			return
		}
		p.processStream(stream, events)
	}()

	return events, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *llm.ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	budget := req.Config.ContextBudget
	if budget <= 0 {
		budget = p.contextBudget
	}
	msgs := llm.TruncateToBudget(req.System, req.Messages, budget)

	messages, err := convertAnthropicMessages(msgs)
	if err != nil {
		return nil, err
	}

	model := req.Config.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, wrapErr("anthropic", llm.KindBadRequest, err)
			}
			toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
			if toolParam.OfTool == nil {
				return nil, wrapErr("anthropic", llm.KindBadRequest,
					fmt.Errorf("invalid tool schema for %s", t.Name))
			}
			toolParam.OfTool.Description = anthropic.String(t.Description)
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}
	if budget := thinkingBudget(req.Config.ReasoningEffort); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Config.Temperature))
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func thinkingBudget(effort llm.ReasoningEffort) int64 {
	switch effort {
	case llm.EffortMedium:
		return 4096
	case llm.EffortHigh:
		return 10000
	case llm.EffortXHigh:
		return 32000
	default:
		return 0
	}
}

func convertAnthropicMessages(msgs []llm.ChatMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, nil
}

// maxEmptyStreamEvents bounds consecutive no-op events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- llm.StreamEvent) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0
	inThinkingBlock := false

	usage := llm.Usage{}

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				eventProcessed = true
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				events <- llm.StreamEvent{
					Type:         llm.EventToolCallStart,
					ToolCallID:   toolUse.ID,
					ToolCallName: toolUse.Name,
				}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- llm.StreamEvent{Type: llm.EventTextDelta, Delta: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- llm.StreamEvent{Type: llm.EventReasoningDelta, Delta: delta.Thinking}
					eventProcessed = true
				}
			case "signature_delta":
				// Thought signature: consumed here and not stored; this
				// adapter does not send it back on the next turn.
				if delta.Signature != "" && currentToolCall == nil {
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					if currentToolCall != nil {
						events <- llm.StreamEvent{
							Type:       llm.EventToolCallArgsDelta,
							ToolCallID: currentToolCall.ID,
							ArgsDelta:  delta.PartialJSON,
						}
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				inThinkingBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				events <- llm.StreamEvent{Type: llm.EventToolCallComplete, ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
			return

		case "error":
			events <- llm.StreamEvent{Type: llm.EventError,
				Err: wrapErr("anthropic", llm.KindBackend, errors.New("stream error"))}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				events <- llm.StreamEvent{Type: llm.EventError,
					Err: wrapErr("anthropic", llm.KindBackend,
						errors.New("stream appears malformed: consecutive empty events"))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- llm.StreamEvent{Type: llm.EventError, Err: p.wrapError(err)}
		return
	}
	// Stream ended without message_stop; still emit the terminal Done.
	events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
}

func (p *AnthropicProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapErr("anthropic", llm.KindCancelled, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return wrapErr("anthropic", llm.KindAuth, err)
		case http.StatusTooManyRequests:
			return wrapErr("anthropic", llm.KindRateLimited, err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return wrapErr("anthropic", llm.KindBadRequest, err)
		}
		if apiErr.StatusCode >= 500 {
			return wrapErr("anthropic", llm.KindTransport, err)
		}
		return wrapErr("anthropic", llm.KindBackend, err)
	}
	return wrapErr("anthropic", llm.KindTransport, err)
}
