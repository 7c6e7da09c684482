// Command mira-agent-runner is the child side of the subprocess agent
// protocol: line-delimited JSON over stdin/stdout. The parent sends one
// task message with the tool allow-list; the runner drives its own LLM
// loop, proxying every tool call back to the parent, and finishes with
// a result message. The process exits when stdin closes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/haasonsaas/mira/internal/config"
	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/llm/providers"
	"github.com/haasonsaas/mira/pkg/models"
)

type inboundMessage struct {
	Type         string              `json:"type"`
	Task         string              `json:"task,omitempty"`
	Context      string              `json:"context,omitempty"`
	ContextFiles []string            `json:"context_files,omitempty"`
	Tools        []models.ToolSchema `json:"tools,omitempty"`
	ID           string              `json:"id,omitempty"`
	OK           bool                `json:"ok,omitempty"`
	Content      string              `json:"content,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type outboundMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   string          `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const maxIterations = 100

func main() {
	agentID := flag.String("agent", "", "Agent id (for logging)")
	configPath := flag.String("config", os.Getenv("MIRA_CONFIG"), "Mira config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.Default()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(fmt.Errorf("load config: %w", err))
		}
		cfg = loaded
	}
	provider, err := providers.FromConfig(cfg.LLM)
	if err != nil {
		fatal(fmt.Errorf("llm provider: %w", err))
	}

	runner := &runner{
		agentID:  *agentID,
		provider: provider,
		logger:   logger,
		stdin:    bufio.NewScanner(os.Stdin),
		enc:      json.NewEncoder(os.Stdout),
		pending:  make(map[string]chan inboundMessage),
	}
	runner.stdin.Buffer(make([]byte, 0, 64<<10), 16<<20)
	runner.run()
}

func fatal(err error) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(outboundMessage{Type: "error", Error: err.Error()})
	os.Exit(1)
}

type runner struct {
	agentID  string
	provider llm.Provider
	logger   *slog.Logger
	stdin    *bufio.Scanner

	mu  sync.Mutex
	enc *json.Encoder

	pending map[string]chan inboundMessage
}

func (r *runner) send(msg outboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(msg); err != nil {
		r.logger.Error("write to parent failed", "error", err)
		os.Exit(1)
	}
}

func (r *runner) run() {
	// The first line must be the task.
	if !r.stdin.Scan() {
		fatal(fmt.Errorf("no task received"))
	}
	var task inboundMessage
	if err := json.Unmarshal(r.stdin.Bytes(), &task); err != nil || task.Type != "task" {
		fatal(fmt.Errorf("expected task message"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// Reader: routes tool results to their waiters. When stdin closes,
	// the loop is cancelled and the process winds down.
	go func() {
		for r.stdin.Scan() {
			var msg inboundMessage
			if err := json.Unmarshal(r.stdin.Bytes(), &msg); err != nil {
				r.logger.Warn("malformed parent message", "error", err)
				continue
			}
			if msg.Type == "tool_result" {
				r.mu.Lock()
				waiter := r.pending[msg.ID]
				delete(r.pending, msg.ID)
				r.mu.Unlock()
				if waiter != nil {
					waiter <- msg
				}
			}
		}
		cancel()
	}()

	go func() {
		defer close(done)
		content, err := r.loop(ctx, task)
		if err != nil {
			r.send(outboundMessage{Type: "error", Error: err.Error()})
			return
		}
		r.send(outboundMessage{Type: "result", Content: content})
	}()

	<-done
}

// loop is the recursive turn loop: model output either finishes the
// task or requests tool calls, which are proxied to the parent.
func (r *runner) loop(ctx context.Context, task inboundMessage) (string, error) {
	userContent := task.Task
	if task.Context != "" {
		userContent += "\n\nContext:\n" + task.Context
	}
	if len(task.ContextFiles) > 0 {
		userContent += "\n\nRelevant files: " + strings.Join(task.ContextFiles, ", ")
	}
	messages := []llm.ChatMessage{{Role: "user", Content: userContent, Pinned: true}}

	allowed := make(map[string]bool, len(task.Tools))
	for _, schema := range task.Tools {
		allowed[schema.Name] = true
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result, err := llm.Chat(ctx, r.provider, &llm.ChatRequest{
			Messages: messages,
			Tools:    task.Tools,
			Config:   llm.ChatConfig{},
		})
		if err != nil {
			return "", err
		}
		if len(result.ToolCalls) == 0 {
			return result.Content, nil
		}

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		var results []models.ToolResult
		for _, call := range result.ToolCalls {
			if !allowed[call.Name] {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Name:       call.Name,
					Content:    "tool not in allow-list: " + call.Name,
					IsError:    true,
				})
				continue
			}
			reply, err := r.callParent(ctx, call)
			if err != nil {
				return "", err
			}
			results = append(results, reply)
		}
		messages = append(messages, llm.ChatMessage{Role: "tool", ToolResults: results})
	}
	return "", fmt.Errorf("agent %s hit the iteration cap", r.agentID)
}

// callParent sends one tool_call line and waits for the matching
// tool_result.
func (r *runner) callParent(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	waiter := make(chan inboundMessage, 1)
	r.mu.Lock()
	r.pending[call.ID] = waiter
	r.mu.Unlock()

	r.send(outboundMessage{
		Type:      "tool_call",
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Input,
	})

	select {
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	case msg := <-waiter:
		result := models.ToolResult{ToolCallID: call.ID, Name: call.Name}
		if msg.OK {
			result.Content = msg.Content
		} else {
			result.Content = msg.Error
			result.IsError = true
		}
		return result, nil
	}
}
