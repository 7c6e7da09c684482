package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/pkg/models"
)

// OpenAIProvider adapts the OpenAI chat completions API. Tool calls
// arrive as indexed argument fragments and are assembled before
// emitting ToolCallComplete.
type OpenAIProvider struct {
	client        *openai.Client
	defaultModel  string
	contextBudget int
	base          BaseProvider
}

// OpenAIConfig holds construction parameters.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // Optional: any OpenAI-compatible endpoint
	DefaultModel  string
	ContextBudget int
	MaxRetries    int
	RetryDelay    time.Duration
}

// NewOpenAIProvider validates the configuration and builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 120000
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:        openai.NewClientWithConfig(config),
		defaultModel:  cfg.DefaultModel,
		contextBudget: cfg.ContextBudget,
		base:          NewBaseProvider("openai", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// ContextBudget returns the declared input-token limit.
func (p *OpenAIProvider) ContextBudget() int { return p.contextBudget }

// ChatStream sends the request and returns the canonical event stream.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	events := make(chan llm.StreamEvent)

	go func() {
		defer close(events)

		chatReq, err := p.buildRequest(req)
		if err != nil {
			events <- llm.StreamEvent{Type: llm.EventError, Err: err}
			return
		}

		var stream *openai.ChatCompletionStream
		err = p.base.Retry(ctx, func() error {
			var createErr error
			stream, createErr = p.client.CreateChatCompletionStream(ctx, *chatReq)
			if createErr != nil {
				return p.wrapError(createErr)
			}
			return nil
		})
		if err != nil {
			events <- llm.StreamEvent{Type: llm.EventError, Err: err}
			return
		}
		defer stream.Close()
		p.processStream(ctx, stream, events)
	}()

	return events, nil
}

func (p *OpenAIProvider) buildRequest(req *llm.ChatRequest) (*openai.ChatCompletionRequest, error) {
	budget := req.Config.ContextBudget
	if budget <= 0 {
		budget = p.contextBudget
	}
	msgs := llm.TruncateToBudget(req.System, req.Messages, budget)

	model := req.Config.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	chatReq := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            convertOpenAIMessages(req.System, msgs),
		MaxCompletionTokens: maxTokens,
		Stream:              true,
		StreamOptions:       &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Config.Temperature > 0 {
		chatReq.Temperature = req.Config.Temperature
	}
	switch req.Config.ReasoningEffort {
	case llm.EffortMedium:
		chatReq.ReasoningEffort = "medium"
	case llm.EffortHigh, llm.EffortXHigh:
		chatReq.ReasoningEffort = "high"
	}
	for _, t := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			return nil, wrapErr("openai", llm.KindBadRequest, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return &chatReq, nil
}

func convertOpenAIMessages(system string, msgs []llm.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range msgs {
		switch strings.ToLower(msg.Role) {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		case "tool":
			// OpenAI expects one message per tool result.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- llm.StreamEvent) {
	toolCalls := make(map[int]*models.ToolCall)
	started := make(map[int]bool)
	order := []int{}
	usage := llm.Usage{}

	flushToolCalls := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				events <- llm.StreamEvent{Type: llm.EventToolCallComplete, ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		started = make(map[int]bool)
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			events <- llm.StreamEvent{Type: llm.EventError,
				Err: wrapErr("openai", llm.KindCancelled, ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
				return
			}
			events <- llm.StreamEvent{Type: llm.EventError, Err: p.wrapError(err)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
			if details := response.Usage.CompletionTokensDetails; details != nil {
				usage.ReasoningTokens = details.ReasoningTokens
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- llm.StreamEvent{Type: llm.EventTextDelta, Delta: delta.Content}
		}
		if delta.ReasoningContent != "" {
			events <- llm.StreamEvent{Type: llm.EventReasoningDelta, Delta: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			call := toolCalls[index]
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if !started[index] && call.ID != "" && call.Name != "" {
				started[index] = true
				events <- llm.StreamEvent{
					Type:         llm.EventToolCallStart,
					ToolCallID:   call.ID,
					ToolCallName: call.Name,
				}
			}
			if tc.Function.Arguments != "" {
				call.Input = json.RawMessage(string(call.Input) + tc.Function.Arguments)
				events <- llm.StreamEvent{
					Type:       llm.EventToolCallArgsDelta,
					ToolCallID: call.ID,
					ArgsDelta:  tc.Function.Arguments,
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

func (p *OpenAIProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapErr("openai", llm.KindCancelled, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return wrapErr("openai", llm.KindAuth, err)
		case http.StatusTooManyRequests:
			return wrapErr("openai", llm.KindRateLimited, err)
		case http.StatusBadRequest:
			return wrapErr("openai", llm.KindBadRequest, err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return wrapErr("openai", llm.KindTransport, err)
		}
		return wrapErr("openai", llm.KindBackend, err)
	}
	return wrapErr("openai", llm.KindTransport, err)
}
