package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/pkg/models"
)

// OllamaProvider adapts Ollama's native NDJSON chat dialect: each line
// of the response body is one JSON message fragment.
type OllamaProvider struct {
	client        *http.Client
	baseURL       string
	defaultModel  string
	contextBudget int
	base          BaseProvider
}

var _ llm.Provider = (*OllamaProvider)(nil)

// OllamaConfig holds construction parameters.
type OllamaConfig struct {
	BaseURL       string // Default: http://localhost:11434
	DefaultModel  string
	ContextBudget int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// NewOllamaProvider builds the adapter.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	budget := cfg.ContextBudget
	if budget <= 0 {
		budget = 32000
	}
	return &OllamaProvider{
		client:        &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		defaultModel:  strings.TrimSpace(cfg.DefaultModel),
		contextBudget: budget,
		base:          NewBaseProvider("ollama", cfg.MaxRetries, cfg.RetryDelay),
	}
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string { return "ollama" }

// ContextBudget returns the declared input-token limit.
func (p *OllamaProvider) ContextBudget() int { return p.contextBudget }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// ChatStream sends the request and returns the canonical event stream.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	model := strings.TrimSpace(req.Config.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, wrapErr("ollama", llm.KindBadRequest, errors.New("model is required"))
	}

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)

		var resp *http.Response
		err := p.base.Retry(ctx, func() error {
			var sendErr error
			resp, sendErr = p.send(ctx, model, req)
			return sendErr
		})
		if err != nil {
			events <- llm.StreamEvent{Type: llm.EventError, Err: err}
			return
		}
		defer resp.Body.Close()
		p.processStream(ctx, resp.Body, events)
	}()
	return events, nil
}

func (p *OllamaProvider) send(ctx context.Context, model string, req *llm.ChatRequest) (*http.Response, error) {
	budget := req.Config.ContextBudget
	if budget <= 0 {
		budget = p.contextBudget
	}
	msgs := llm.TruncateToBudget(req.System, req.Messages, budget)

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req.System, msgs),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.Config.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.Config.MaxTokens}
	}
	if req.Config.Temperature > 0 {
		if payload.Options == nil {
			payload.Options = map[string]any{}
		}
		payload.Options["temperature"] = req.Config.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wrapErr("ollama", llm.KindBadRequest, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, wrapErr("ollama", llm.KindBadRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, wrapErr("ollama", llm.KindCancelled, err)
		}
		return nil, wrapErr("ollama", llm.KindTransport, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		err := fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, wrapErr("ollama", llm.KindRateLimited, err)
		case resp.StatusCode >= 500:
			return nil, wrapErr("ollama", llm.KindTransport, err)
		default:
			return nil, wrapErr("ollama", llm.KindBadRequest, err)
		}
	}
	return resp, nil
}

func buildOllamaMessages(system string, msgs []llm.ChatMessage) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "assistant":
			msg := ollamaMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				var call ollamaToolCall
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Input
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
			out = append(out, msg)
		case "tool":
			for _, tr := range m.ToolResults {
				out = append(out, ollamaMessage{Role: "tool", Content: tr.Content})
			}
		default:
			out = append(out, ollamaMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func (p *OllamaProvider) processStream(ctx context.Context, body io.Reader, events chan<- llm.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	usage := llm.Usage{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- llm.StreamEvent{Type: llm.EventError,
				Err: wrapErr("ollama", llm.KindCancelled, ctx.Err())}
			return
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			events <- llm.StreamEvent{Type: llm.EventError,
				Err: wrapErr("ollama", llm.KindBackend, fmt.Errorf("malformed stream line: %w", err))}
			return
		}
		if chunk.Error != "" {
			events <- llm.StreamEvent{Type: llm.EventError,
				Err: wrapErr("ollama", llm.KindBackend, errors.New(chunk.Error))}
			return
		}
		if chunk.Message.Thinking != "" {
			events <- llm.StreamEvent{Type: llm.EventReasoningDelta, Delta: chunk.Message.Thinking}
		}
		if chunk.Message.Content != "" {
			events <- llm.StreamEvent{Type: llm.EventTextDelta, Delta: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			input := tc.Function.Arguments
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			call := &models.ToolCall{
				ID:    "call-" + uuid.NewString()[:8],
				Name:  tc.Function.Name,
				Input: input,
			}
			events <- llm.StreamEvent{
				Type:         llm.EventToolCallStart,
				ToolCallID:   call.ID,
				ToolCallName: call.Name,
			}
			events <- llm.StreamEvent{Type: llm.EventToolCallComplete, ToolCall: call}
		}
		if chunk.Done {
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- llm.StreamEvent{Type: llm.EventError, Err: wrapErr("ollama", llm.KindTransport, err)}
		return
	}
	events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
}
