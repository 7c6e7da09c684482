package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

type echoTool struct {
	parallel bool
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echo the message back." }
func (t *echoTool) ParallelSafe() bool  { return t.parallel }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"message": {"type": "string"}},
		"required": ["message"]
	}`)
}

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return &Result{Content: params.Message}, nil
}

func newTestRouter(t *testing.T) (*Router, *storage.SQLStore) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRouter(store, store, nil, nil), store
}

func TestDispatchValidatesArguments(t *testing.T) {
	r, _ := newTestRouter(t)
	r.MustRegister(&echoTool{})

	// Missing required field is rejected before the handler.
	res := r.Dispatch(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{}`),
	})
	if !res.IsError {
		t.Fatal("expected schema validation error")
	}

	res = r.Dispatch(context.Background(), models.ToolCall{
		ID: "c2", Name: "echo", Input: json.RawMessage(`{"message": "hi"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if res.Content != "hi" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r, _ := newTestRouter(t)
	res := r.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "nope"})
	if !res.IsError {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDispatchRecordsToolCall(t *testing.T) {
	r, store := newTestRouter(t)
	r.MustRegister(&echoTool{})

	ctx := WithDispatchContext(context.Background(), "s1", "op1", "proj", true)
	r.Dispatch(ctx, models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"message": "hi"}`)})
	r.Dispatch(ctx, models.ToolCall{ID: "c2", Name: "echo", Input: json.RawMessage(`{}`)}) // fails validation

	records, err := store.ListToolCalls(ctx, "op1")
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (recorded irrespective of success)", len(records))
	}
	if !records[0].Success || records[1].Success {
		t.Errorf("success flags = %v, %v", records[0].Success, records[1].Success)
	}
}

func TestPermissionRuleAutoApproves(t *testing.T) {
	r, store := newTestRouter(t)
	dir := t.TempDir()
	RegisterFileTools(r, dir, store)
	ctx := WithDispatchContext(context.Background(), "s1", "op1", "proj", false)

	args, _ := json.Marshal(map[string]string{"path": "notes/a.txt", "content": "hello"})

	// Without a rule and without auto-approve, write_file is denied.
	res := r.Dispatch(ctx, models.ToolCall{ID: "c1", Name: "write_file", Input: args})
	if !res.IsError {
		t.Fatal("expected permission denial")
	}

	// A matching prefix rule auto-approves.
	err := store.UpsertPermissionRule(ctx, &models.PermissionRule{
		Scope:        models.ScopeGlobal,
		ToolName:     "write_file",
		InputField:   "path",
		InputPattern: "notes/",
		MatchType:    models.MatchPrefix,
	})
	if err != nil {
		t.Fatalf("UpsertPermissionRule: %v", err)
	}
	res = r.Dispatch(ctx, models.ToolCall{ID: "c2", Name: "write_file", Input: args})
	if res.IsError {
		t.Fatalf("expected rule approval, got %s", res.Content)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes/a.txt")); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

func TestReadOnlyPolicy(t *testing.T) {
	readOnly := models.ToolAccess{Policy: models.AccessReadOnly}
	if Allowed(readOnly, "write_file") {
		t.Error("ReadOnly must forbid write_file")
	}
	if Allowed(readOnly, "run_shell") {
		t.Error("ReadOnly must forbid run_shell")
	}
	if Allowed(readOnly, "spawn_agent") {
		t.Error("ReadOnly must forbid spawn_agent")
	}
	if !Allowed(readOnly, "read_file") {
		t.Error("ReadOnly must allow read_file")
	}
	if !Allowed(readOnly, "grep_files") {
		t.Error("ReadOnly must allow grep_files")
	}
}

func TestResearchSafePolicy(t *testing.T) {
	research := models.ToolAccess{Policy: models.AccessResearchSafe}
	if Allowed(research, "run_shell") {
		t.Error("ResearchSafe must forbid run_shell")
	}
	if Allowed(research, "write_file") {
		t.Error("ResearchSafe must forbid write_file")
	}
	if !Allowed(research, "web_search") {
		t.Error("ResearchSafe must allow web_search")
	}
	if !Allowed(research, "remember") {
		t.Error("ResearchSafe must allow memory writes")
	}
}

func TestAllowListOverridesPolicy(t *testing.T) {
	access := models.ToolAccess{Policy: models.AccessReadOnly, AllowList: []string{"run_shell"}}
	if !Allowed(access, "run_shell") {
		t.Error("allow-list entry must win")
	}
	if Allowed(access, "read_file") {
		t.Error("tools outside the allow-list must be denied")
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	r, store := newTestRouter(t)
	dir := t.TempDir()
	RegisterFileTools(r, dir, store)
	ctx := WithDispatchContext(context.Background(), "s1", "op1", "proj", true)

	writeArgs, _ := json.Marshal(map[string]string{"path": "src/main.go", "content": "package main\n\nfunc main() {}\n"})
	res := r.Dispatch(ctx, models.ToolCall{ID: "c1", Name: "write_file", Input: writeArgs})
	if res.IsError {
		t.Fatalf("write_file: %s", res.Content)
	}

	readArgs, _ := json.Marshal(map[string]string{"path": "src/main.go"})
	res = r.Dispatch(ctx, models.ToolCall{ID: "c2", Name: "read_file", Input: readArgs})
	if res.IsError {
		t.Fatalf("read_file: %s", res.Content)
	}
	if res.Content != "package main\n\nfunc main() {}\n" {
		t.Errorf("read back %q", res.Content)
	}

	countArgs, _ := json.Marshal(map[string]string{"path": "src/main.go"})
	res = r.Dispatch(ctx, models.ToolCall{ID: "c3", Name: "count_lines", Input: countArgs})
	if res.IsError || res.Content != "3" {
		t.Errorf("count_lines = %q (err=%v)", res.Content, res.IsError)
	}
}

func TestFileToolsRejectEscape(t *testing.T) {
	r, store := newTestRouter(t)
	RegisterFileTools(r, t.TempDir(), store)
	ctx := WithDispatchContext(context.Background(), "s1", "op1", "proj", true)

	args, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	res := r.Dispatch(ctx, models.ToolCall{ID: "c1", Name: "read_file", Input: args})
	if !res.IsError {
		t.Fatal("path escape must be rejected")
	}
}

func TestExtractSymbols(t *testing.T) {
	content := "package main\n\nfunc Alpha() {}\n\ntype Beta struct{}\n\nfunc (b *Beta) Gamma() {}\n"
	symbols := extractSymbols("main.go", content)
	names := map[string]bool{}
	for _, s := range symbols {
		names[s.Name] = true
	}
	for _, want := range []string{"Alpha", "Beta", "Gamma"} {
		if !names[want] {
			t.Errorf("missing symbol %s in %v", want, names)
		}
	}
}

func TestSchemasFiltered(t *testing.T) {
	r, store := newTestRouter(t)
	dir := t.TempDir()
	RegisterFileTools(r, dir, store)
	RegisterShellTool(r, ShellConfig{WorkDir: dir})

	all := r.Schemas(nil)
	readOnly := r.Schemas(AllowFunc(models.ToolAccess{Policy: models.AccessReadOnly}))
	if len(readOnly) >= len(all) {
		t.Errorf("read-only catalogue (%d) should be smaller than full (%d)", len(readOnly), len(all))
	}
	for _, schema := range readOnly {
		if schema.Name == "write_file" || schema.Name == "run_shell" {
			t.Errorf("%s leaked into read-only catalogue", schema.Name)
		}
	}
}
