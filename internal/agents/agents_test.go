package agents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/pkg/models"
)

func TestBuiltInsAlwaysPresent(t *testing.T) {
	r, err := NewRegistry("", "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, id := range []string{models.AgentExplore, models.AgentPlan, models.AgentGeneral} {
		def, ok := r.Get(id)
		if !ok {
			t.Fatalf("built-in %s missing", id)
		}
		if def.Origin != models.AgentBuiltIn {
			t.Errorf("%s origin = %s", id, def.Origin)
		}
	}
	explore, _ := r.Get(models.AgentExplore)
	if explore.Access.Policy != models.AccessReadOnly {
		t.Errorf("explore policy = %s, want read_only", explore.Access.Policy)
	}
	plan, _ := r.Get(models.AgentPlan)
	if plan.Access.Policy != models.AccessResearchSafe {
		t.Errorf("plan policy = %s, want research_safe", plan.Access.Policy)
	}
	general, _ := r.Get(models.AgentGeneral)
	if general.Access.Policy != models.AccessFull {
		t.Errorf("general policy = %s, want full", general.Access.Policy)
	}
}

func writeAgentFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
}

func TestCustomAgentLoading(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "reviewer.md", `---
display_name: Code Reviewer
access:
  policy: research_safe
model: claude-sonnet-4-20250514
---
You review code changes for bugs.`)

	r, err := NewRegistry(dir, "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	def, ok := r.Get("reviewer")
	if !ok {
		t.Fatal("custom agent not loaded")
	}
	if def.Origin != models.AgentCustom {
		t.Errorf("origin = %s", def.Origin)
	}
	if def.Access.Policy != models.AccessResearchSafe {
		t.Errorf("policy = %s", def.Access.Policy)
	}
	if def.ModelOverride != "claude-sonnet-4-20250514" {
		t.Errorf("model = %s", def.ModelOverride)
	}
	if !strings.Contains(def.SystemPrompt, "review code changes") {
		t.Errorf("prompt = %q", def.SystemPrompt)
	}
}

func TestCustomAgentCannotShadowBuiltIn(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "explore.md", "---\nid: explore\n---\nEvil replacement prompt.")

	r, err := NewRegistry(dir, "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	def, _ := r.Get(models.AgentExplore)
	if def.Origin != models.AgentBuiltIn {
		t.Error("built-in was shadowed by a custom agent")
	}
}

func TestInvalidAgentIDRejected(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "Bad Name.md", "---\ndisplay_name: Bad\n---\nprompt")

	if _, err := NewRegistry(dir, "", nil); err == nil {
		t.Fatal("expected invalid agent id error")
	}
}

// scriptedProvider replays canned turns: each call returns the next
// scripted result.
type scriptedProvider struct {
	turns []llm.ChatResult
	calls int
}

func (p *scriptedProvider) Name() string       { return "scripted" }
func (p *scriptedProvider) ContextBudget() int { return 0 }

func (p *scriptedProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	if p.calls >= len(p.turns) {
		return nil, errors.New("script exhausted")
	}
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan llm.StreamEvent, len(turn.ToolCalls)+2)
	if turn.Content != "" {
		ch <- llm.StreamEvent{Type: llm.EventTextDelta, Delta: turn.Content}
	}
	for i := range turn.ToolCalls {
		ch <- llm.StreamEvent{Type: llm.EventToolCallComplete, ToolCall: &turn.ToolCalls[i]}
	}
	ch <- llm.StreamEvent{Type: llm.EventDone, Usage: &llm.Usage{}}
	close(ch)
	return ch, nil
}

func newRouter(t *testing.T) *tools.Router {
	t.Helper()
	return tools.NewRouter(nil, nil, nil, nil)
}

func TestInProcessToolLoop(t *testing.T) {
	router := newRouter(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}
	tools.RegisterFileTools(router, dir, nil)

	readArgs, _ := json.Marshal(map[string]string{"path": "hello.txt"})
	provider := &scriptedProvider{turns: []llm.ChatResult{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "read_file", Input: readArgs}}},
		{Content: "the file says: hi there"},
	}}

	registry, err := NewRegistry("", "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d := NewDispatcher(registry, provider, router, nil, DispatcherConfig{})

	output, err := d.Execute(context.Background(), models.AgentExplore, "read hello.txt", "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(output, "hi there") {
		t.Errorf("output = %q", output)
	}
}

func TestReadOnlyAgentCannotWrite(t *testing.T) {
	router := newRouter(t)
	dir := t.TempDir()
	tools.RegisterFileTools(router, dir, nil)

	writeArgs, _ := json.Marshal(map[string]string{"path": "x.txt", "content": "nope"})
	provider := &scriptedProvider{turns: []llm.ChatResult{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "write_file", Input: writeArgs}}},
		{Content: "done"},
	}}

	registry, err := NewRegistry("", "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d := NewDispatcher(registry, provider, router, nil, DispatcherConfig{})

	if _, err := d.Execute(context.Background(), models.AgentExplore, "write a file", "", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The write must have been refused, not executed.
	if _, err := os.Stat(filepath.Join(dir, "x.txt")); !os.IsNotExist(err) {
		t.Error("read-only agent wrote a file")
	}
}

func TestIterationCap(t *testing.T) {
	router := newRouter(t)
	dir := t.TempDir()
	tools.RegisterFileTools(router, dir, nil)

	listArgs, _ := json.Marshal(map[string]any{})
	// Every turn requests another tool call; the cap must stop it.
	turns := make([]llm.ChatResult, 10)
	for i := range turns {
		turns[i] = llm.ChatResult{ToolCalls: []models.ToolCall{{ID: "t", Name: "list_files", Input: listArgs}}}
	}
	provider := &scriptedProvider{turns: turns}

	registry, err := NewRegistry("", "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d := NewDispatcher(registry, provider, router, nil, DispatcherConfig{IterationCap: 3})

	_, err = d.Execute(context.Background(), models.AgentExplore, "loop forever", "", nil)
	if err == nil || !strings.Contains(err.Error(), "iteration cap") {
		t.Fatalf("expected iteration cap error, got %v", err)
	}
}

func TestSpawnParallelOrderAndPartialFailure(t *testing.T) {
	router := newRouter(t)
	registry, err := NewRegistry("", "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	// Two immediate-answer turns for the two parallel agents.
	provider := &scriptedProvider{turns: []llm.ChatResult{
		{Content: "first answer"},
		{Content: "second answer"},
	}}
	d := NewDispatcher(registry, provider, router, nil, DispatcherConfig{MaxConcurrent: 1})

	results := d.SpawnParallel(context.Background(), []tools.SpawnRequest{
		{AgentID: models.AgentExplore, Task: "a"},
		{AgentID: "missing-agent", Task: "b"},
		{AgentID: models.AgentExplore, Task: "c"},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[1].Err == "" {
		t.Error("missing agent slot should carry an error")
	}
	if results[0].Err != "" || results[2].Err != "" {
		t.Errorf("sibling slots failed: %+v", results)
	}
	if results[1].AgentID != "missing-agent" {
		t.Error("results out of input order")
	}
}
