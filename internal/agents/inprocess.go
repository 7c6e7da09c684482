package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/pkg/models"
)

// AgentEvent surfaces progress from a running agent to its parent.
type AgentEvent struct {
	AgentID  string
	Kind     string // text, tool_call, tool_result, done, error
	Text     string
	ToolName string
}

// EventFunc receives agent events. It may be nil.
type EventFunc func(AgentEvent)

// inProcessExecutor runs an agent as a recursive LLM-turn loop sharing
// the parent's tool router, filtered by the agent's ToolAccess.
type inProcessExecutor struct {
	provider llm.Provider
	router   *tools.Router
	logger   *slog.Logger
	iterCap  int
}

func (e *inProcessExecutor) run(ctx context.Context, def *models.AgentDefinition, task, extraContext string, onEvent EventFunc) (string, error) {
	schemas := e.router.Schemas(tools.AllowFunc(def.Access))

	userContent := task
	if extraContext != "" {
		userContent = task + "\n\nContext:\n" + extraContext
	}
	messages := []llm.ChatMessage{{Role: "user", Content: userContent, Pinned: true}}

	iterCap := e.iterCap
	if iterCap <= 0 {
		iterCap = 100
	}

	var finalText strings.Builder
	for iteration := 0; iteration < iterCap; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		result, err := llm.Chat(ctx, e.provider, &llm.ChatRequest{
			System:   def.SystemPrompt,
			Messages: messages,
			Tools:    schemas,
			Config:   llm.ChatConfig{Model: def.ModelOverride},
		})
		if err != nil {
			return "", err
		}

		if result.Content != "" && onEvent != nil {
			onEvent(AgentEvent{AgentID: def.ID, Kind: "text", Text: result.Content})
		}

		if len(result.ToolCalls) == 0 {
			finalText.Reset()
			finalText.WriteString(result.Content)
			if onEvent != nil {
				onEvent(AgentEvent{AgentID: def.ID, Kind: "done"})
			}
			return finalText.String(), nil
		}

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		var results []models.ToolResult
		for _, call := range result.ToolCalls {
			// Enforcement is double-layered: filtered catalogue above,
			// and a hard check here in case the model hallucinates a name.
			if !tools.Allowed(def.Access, call.Name) {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Name:       call.Name,
					Content:    "tool not allowed for this agent: " + call.Name,
					IsError:    true,
				})
				continue
			}
			if onEvent != nil {
				onEvent(AgentEvent{AgentID: def.ID, Kind: "tool_call", ToolName: call.Name})
			}
			res := e.router.Dispatch(ctx, call)
			if onEvent != nil {
				onEvent(AgentEvent{AgentID: def.ID, Kind: "tool_result", ToolName: call.Name})
			}
			results = append(results, res)
		}
		messages = append(messages, llm.ChatMessage{Role: "tool", ToolResults: results})
	}

	e.logger.Warn("agent hit iteration cap", "agent", def.ID, "cap", iterCap)
	return "", fmt.Errorf("agent %s hit the iteration cap of %d", def.ID, iterCap)
}
