package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/pkg/models"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// Wire messages of the line-delimited JSON subprocess protocol. Each
// line is exactly one message.
type childMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   string          `json:"content,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type parentTask struct {
	Type         string              `json:"type"`
	Task         string              `json:"task"`
	Context      string              `json:"context,omitempty"`
	ContextFiles []string            `json:"context_files,omitempty"`
	Tools        []models.ToolSchema `json:"tools"`
}

type parentToolResult struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// subprocessExecutor spawns the agent runner binary and speaks the
// line-JSON protocol over its pipes. The child is killed on context
// cancel: SIGTERM, then SIGKILL after the grace period.
type subprocessExecutor struct {
	runnerPath string
	router     *tools.Router
	logger     *slog.Logger
	timeout    time.Duration
}

func (e *subprocessExecutor) run(ctx context.Context, def *models.AgentDefinition, task, extraContext string, contextFiles []string, onEvent EventFunc) (string, error) {
	if e.runnerPath == "" {
		return "", errors.New("no agent runner binary configured")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	allowed := e.router.Schemas(tools.AllowFunc(def.Access))
	allowedNames := make(map[string]bool, len(allowed))
	for _, schema := range allowed {
		allowedNames[schema.Name] = true
	}

	cmd := exec.Command(e.runnerPath, "--agent", def.ID)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn agent runner: %w", err)
	}

	// Capture and log child stderr.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("agent subprocess stderr", "agent", def.ID, "line", scanner.Text())
		}
	}()

	// Termination on cancel is guaranteed: SIGTERM, grace, SIGKILL.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-procDone:
			case <-time.After(killGrace):
				_ = cmd.Process.Kill()
			}
		case <-procDone:
		}
	}()

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(parentTask{
		Type:         "task",
		Task:         task,
		Context:      extraContext,
		ContextFiles: contextFiles,
		Tools:        allowed,
	}); err != nil {
		_ = cmd.Process.Kill()
		close(procDone)
		_ = cmd.Wait()
		return "", err
	}

	var result string
	var runErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		var msg childMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			runErr = fmt.Errorf("malformed child message: %w", err)
			break
		}
		switch msg.Type {
		case "tool_call":
			reply := parentToolResult{Type: "tool_result", ID: msg.ID}
			if !allowedNames[msg.Name] {
				// The parent refuses anything outside the pre-shared list.
				reply.Error = "tool not in allow-list: " + msg.Name
			} else {
				res := e.router.Dispatch(runCtx, models.ToolCall{ID: msg.ID, Name: msg.Name, Input: msg.Arguments})
				reply.OK = !res.IsError
				if res.IsError {
					reply.Error = res.Content
				} else {
					reply.Content = res.Content
				}
			}
			if err := enc.Encode(reply); err != nil {
				runErr = err
			}
		case "event":
			if onEvent != nil {
				onEvent(AgentEvent{AgentID: def.ID, Kind: "text", Text: string(msg.Event)})
			}
		case "result":
			result = msg.Content
		case "error":
			runErr = errors.New(msg.Error)
		}
		if msg.Type == "result" || msg.Type == "error" {
			break
		}
	}
	if err := scanner.Err(); err != nil && runErr == nil && !errors.Is(err, io.ErrClosedPipe) {
		runErr = err
	}

	// Closing stdin tells the child to exit; it has 2 seconds.
	_ = stdin.Close()
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		close(procDone)
		if runErr == nil && result == "" && err != nil {
			runErr = err
		}
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-waitErr
		close(procDone)
	}

	if runCtx.Err() != nil && runErr == nil {
		runErr = runCtx.Err()
	}
	if runErr != nil {
		return "", runErr
	}
	return result, nil
}
