// Package tools holds the tool catalogue and dispatcher: JSON-schema
// validated arguments, permission-rule checks, cancellation-aware
// execution, and an append-only audit trail.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mira/internal/observability"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

// Tool limits guard against resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxToolArgsSize   = 10 << 20
)

// Tool is one executable capability exposed to the LLM.
type Tool interface {
	// Name returns the globally unique tool name.
	Name() string

	// Description returns the natural-language description shown to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Argument validation has already happened.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// ParallelSafe is implemented by tools that may run concurrently for
// the same arguments.
type ParallelSafe interface {
	ParallelSafe() bool
}

// FileOutput describes file content a tool produced, for artifact
// capture by the orchestrator.
type FileOutput struct {
	Path     string
	Content  string
	Language string
	Kind     models.ArtifactKind
}

// Result is one tool execution outcome. Structured tools JSON-encode
// their content.
type Result struct {
	Content string
	IsError bool
	File    *FileOutput
}

// ToolError is a dispatch-level rejection: bad arguments, permission
// denial, or an unknown tool name.
type ToolError struct {
	Kind string // bad_arguments, permission_denied, not_found
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// dispatchContext carries per-operation identity through Execute.
type dispatchContext struct {
	SessionID   string
	OperationID string
	ProjectID   string
	AutoApprove bool
}

type dispatchCtxKey struct{}

// WithDispatchContext attaches session and operation identity for the
// audit trail and permission checks.
func WithDispatchContext(ctx context.Context, sessionID, operationID, projectID string, autoApprove bool) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, dispatchContext{
		SessionID:   sessionID,
		OperationID: operationID,
		ProjectID:   projectID,
		AutoApprove: autoApprove,
	})
}

func dispatchCtx(ctx context.Context) dispatchContext {
	if dc, ok := ctx.Value(dispatchCtxKey{}).(dispatchContext); ok {
		return dc
	}
	return dispatchContext{}
}

// Router is the catalogue plus dispatcher. Registration and dispatch
// are safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema

	records     storage.ToolCallStore
	permissions storage.PermissionStore
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewRouter creates an empty router. Records and permissions may be nil
// in tests; dispatch then skips auditing and rule checks.
func NewRouter(records storage.ToolCallStore, permissions storage.PermissionStore, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tools:       make(map[string]Tool),
		compiled:    make(map[string]*jsonschema.Schema),
		records:     records,
		permissions: permissions,
		logger:      logger,
		metrics:     metrics,
	}
}

// Register adds a tool, replacing any prior tool with the same name.
// The schema is compiled once at registration.
func (r *Router) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(string(tool.Schema()))); err != nil {
		return fmt.Errorf("tool %s: bad schema: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: schema does not compile: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.compiled[name] = schema
	return nil
}

// MustRegister registers or panics; for wiring built-ins at startup.
func (r *Router) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Router) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Schemas lists the catalogue, optionally filtered by an allow
// predicate. The result order is stable by name.
func (r *Router) Schemas(allow func(name string) bool) []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]models.ToolSchema, 0, len(names))
	for _, name := range names {
		if allow != nil && !allow(name) {
			continue
		}
		tool := r.tools[name]
		schemas = append(schemas, models.ToolSchema{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return schemas
}

// Dispatch validates, authorizes, executes, and records one tool call.
// Tool failures and dispatch-level rejections (oversized or invalid
// arguments, permission denial, unknown tool) all come back as an error
// ToolResult; Dispatch never returns a Go error.
func (r *Router) Dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	result, _ := r.DispatchCapture(ctx, call)
	return result
}

// DispatchCapture is Dispatch plus any file output the tool produced,
// for artifact collection by the orchestrator.
func (r *Router) DispatchCapture(ctx context.Context, call models.ToolCall) (models.ToolResult, *FileOutput) {
	start := time.Now()
	result, file := r.dispatch(ctx, call)
	result.ToolCallID = call.ID
	result.Name = call.Name

	if r.metrics != nil {
		r.metrics.ToolDispatches.WithLabelValues(call.Name).Inc()
		if result.IsError {
			r.metrics.ToolFailures.WithLabelValues(call.Name).Inc()
		}
	}
	r.record(ctx, call, result, time.Since(start))
	return result, file
}

func (r *Router) dispatch(ctx context.Context, call models.ToolCall) (models.ToolResult, *FileOutput) {
	if len(call.Input) > MaxToolArgsSize {
		return errResult(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.compiled[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errResult("tool not found: " + call.Name), nil
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errResult("invalid arguments: " + err.Error()), nil
	}
	if err := schema.Validate(decoded); err != nil {
		return errResult("arguments failed schema validation: " + err.Error()), nil
	}

	if allowed, reason := r.authorize(ctx, call.Name, args); !allowed {
		return errResult("permission denied: " + reason), nil
	}

	if err := ctx.Err(); err != nil {
		return errResult("cancelled before execution"), nil
	}

	res, err := tool.Execute(ctx, args)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if res == nil {
		return errResult("tool returned no result"), nil
	}
	return models.ToolResult{Content: res.Content, IsError: res.IsError}, res.File
}

// authorize consults permission rules. A matching rule auto-approves;
// otherwise the decision falls to the operation-level policy carried in
// the dispatch context.
func (r *Router) authorize(ctx context.Context, toolName string, args json.RawMessage) (bool, string) {
	dc := dispatchCtx(ctx)
	if r.permissions == nil {
		return true, ""
	}
	rules, err := r.permissions.ListPermissionRules(ctx, toolName)
	if err != nil {
		r.logger.Warn("permission rule lookup failed", "tool", toolName, "error", err)
		rules = nil
	}
	for _, rule := range rules {
		if rule.Scope == models.ScopeProject && rule.ProjectID != dc.ProjectID {
			continue
		}
		if ruleMatches(rule, args) {
			return true, ""
		}
	}
	if dc.AutoApprove {
		return true, ""
	}
	if !requiresApproval(toolName) {
		return true, ""
	}
	return false, "no permission rule matches " + toolName + " and operation policy does not auto-approve"
}

func ruleMatches(rule *models.PermissionRule, args json.RawMessage) bool {
	if rule.InputField == "" || rule.InputPattern == "" {
		return true
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return false
	}
	value, ok := decoded[rule.InputField].(string)
	if !ok {
		return false
	}
	switch rule.MatchType {
	case models.MatchPrefix:
		return strings.HasPrefix(value, rule.InputPattern)
	case models.MatchRegex:
		return regexMatch(rule.InputPattern, value)
	default:
		return value == rule.InputPattern
	}
}

func (r *Router) record(ctx context.Context, call models.ToolCall, result models.ToolResult, elapsed time.Duration) {
	if r.records == nil {
		return
	}
	dc := dispatchCtx(ctx)
	summary := result.Content
	if len(summary) > 500 {
		summary = summary[:500]
	}
	rec := &models.ToolCallRecord{
		SessionID:     dc.SessionID,
		OperationID:   dc.OperationID,
		ToolName:      call.Name,
		Arguments:     call.Input,
		ResultSummary: summary,
		Success:       !result.IsError,
		DurationMs:    elapsed.Milliseconds(),
	}
	// The audit row is written irrespective of success; use a detached
	// context so cancellation cannot lose it.
	if err := r.records.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record tool call", "tool", call.Name, "error", err)
	}
}

func errResult(msg string) models.ToolResult {
	return models.ToolResult{Content: msg, IsError: true}
}
