package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/pkg/models"
)

// GeminiProvider adapts Google's Gen AI SDK. Function calls arrive as
// whole parts rather than deltas; thought signatures are carried on the
// tool call and echoed back on the next turn unchanged.
type GeminiProvider struct {
	client        *genai.Client
	defaultModel  string
	contextBudget int
	base          BaseProvider
}

// GeminiConfig holds construction parameters.
type GeminiConfig struct {
	APIKey        string
	DefaultModel  string
	ContextBudget int
	MaxRetries    int
	RetryDelay    time.Duration
}

// NewGeminiProvider validates the configuration and builds the adapter.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.5-flash"
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 900000
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiProvider{
		client:        client,
		defaultModel:  cfg.DefaultModel,
		contextBudget: cfg.ContextBudget,
		base:          NewBaseProvider("gemini", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

// ContextBudget returns the declared input-token limit.
func (p *GeminiProvider) ContextBudget() int { return p.contextBudget }

var geminiCallCounter atomic.Int64

func generateToolCallID(name string) string {
	return fmt.Sprintf("%s-%d", name, geminiCallCounter.Add(1))
}

// ChatStream sends the request and returns the canonical event stream.
func (p *GeminiProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	events := make(chan llm.StreamEvent)

	go func() {
		defer close(events)

		budget := req.Config.ContextBudget
		if budget <= 0 {
			budget = p.contextBudget
		}
		msgs := llm.TruncateToBudget(req.System, req.Messages, budget)

		contents := p.convertMessages(msgs)
		config := p.buildConfig(req)
		model := req.Config.Model
		if model == "" {
			model = p.defaultModel
		}

		err := p.base.Retry(ctx, func() error {
			return p.processStream(ctx, model, contents, config, events)
		})
		if err != nil {
			events <- llm.StreamEvent{Type: llm.EventError, Err: err}
		}
	}()

	return events, nil
}

func (p *GeminiProvider) processStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- llm.StreamEvent) error {
	usage := llm.Usage{}
	emitted := false

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		select {
		case <-ctx.Done():
			return wrapErr("gemini", llm.KindCancelled, ctx.Err())
		default:
		}
		if err != nil {
			if emitted {
				// Mid-stream failures are not retryable: deltas are out.
				events <- llm.StreamEvent{Type: llm.EventError, Err: p.wrapError(err)}
				return nil
			}
			return p.wrapError(err)
		}
		if resp == nil {
			continue
		}
		if meta := resp.UsageMetadata; meta != nil {
			usage.InputTokens = int(meta.PromptTokenCount)
			usage.OutputTokens = int(meta.CandidatesTokenCount)
			usage.ReasoningTokens = int(meta.ThoughtsTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					typ := llm.EventTextDelta
					if part.Thought {
						typ = llm.EventReasoningDelta
					}
					events <- llm.StreamEvent{Type: typ, Delta: part.Text}
					emitted = true
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					call := &models.ToolCall{
						ID:               generateToolCallID(part.FunctionCall.Name),
						Name:             part.FunctionCall.Name,
						Input:            argsJSON,
						ThoughtSignature: part.ThoughtSignature,
					}
					events <- llm.StreamEvent{
						Type:         llm.EventToolCallStart,
						ToolCallID:   call.ID,
						ToolCallName: call.Name,
					}
					events <- llm.StreamEvent{Type: llm.EventToolCallComplete, ToolCall: call}
					emitted = true
				}
			}
		}
	}

	events <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
	return nil
}

func (p *GeminiProvider) convertMessages(msgs []llm.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		content := &genai.Content{}
		switch strings.ToLower(msg.Role) {
		case "assistant":
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Input, &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
					// Echo the opaque signature exactly as received.
					ThoughtSignature: tc.ThoughtSignature,
				})
			}
		case "tool":
			content.Role = genai.RoleUser
			for _, tr := range msg.ToolResults {
				name := tr.Name
				if name == "" {
					name = tr.ToolCallID
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     name,
						Response: map[string]any{"result": tr.Content},
					},
				})
			}
		default:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}

func (p *GeminiProvider) buildConfig(req *llm.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Config.MaxTokens > 0 {
		maxTokens := min(req.Config.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Config.Temperature > 0 {
		t := req.Config.Temperature
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schemaMap map[string]any
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				continue
			}
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(schemaMap),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	if budget := geminiThinkingBudget(req.Config.ReasoningEffort); budget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget,
		}
	}
	return config
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
// Gemini spells type names in uppercase.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func geminiThinkingBudget(effort llm.ReasoningEffort) int32 {
	switch effort {
	case llm.EffortMedium:
		return 4096
	case llm.EffortHigh:
		return 10000
	case llm.EffortXHigh:
		return 24576
	default:
		return 0
	}
}

func (p *GeminiProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapErr("gemini", llm.KindCancelled, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission"):
		return wrapErr("gemini", llm.KindAuth, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		return wrapErr("gemini", llm.KindRateLimited, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_argument"):
		return wrapErr("gemini", llm.KindBadRequest, err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection"):
		return wrapErr("gemini", llm.KindTransport, err)
	default:
		return wrapErr("gemini", llm.KindBackend, err)
	}
}
