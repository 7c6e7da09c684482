// Package operation drives one user request through its turn loop:
// context assembly, streaming LLM turns, tool dispatch, sub-agent
// delegation, artifact capture, and cleanup, with a totally ordered
// event stream back to the caller.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/observability"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/pkg/models"
)

// artifactPreviewSize is how much of an artifact the eager preview
// event carries.
const artifactPreviewSize = 4 << 10

// failureInjectionThreshold is how many identical tool failures within
// one operation trigger resolution injection.
const failureInjectionThreshold = 3

// Config bounds the orchestrator.
type Config struct {
	Timeout         time.Duration // hard operation timeout, default 15m
	MaxIterations   int           // default 10 (print mode); interactive callers pass 100
	ChannelCapacity int           // event channel buffer, default 100
	AutoApprove     bool          // operation-level tool auto-approval
}

// Orchestrator owns live operation state. Completed state is flushed to
// storage on every terminal transition.
type Orchestrator struct {
	store     storage.Store
	assembler *Assembler
	provider  llm.Provider
	router    *tools.Router
	errors    *errstore.Store
	logger    *slog.Logger
	metrics   *observability.Metrics
	cfg       Config

	registry *cancelRegistry
}

// New wires the orchestrator.
func New(store storage.Store, assembler *Assembler, provider llm.Provider, router *tools.Router, errors *errstore.Store, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 100
	}
	return &Orchestrator{
		store:     store,
		assembler: assembler,
		provider:  provider,
		router:    router,
		errors:    errors,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		registry:  newCancelRegistry(),
	}
}

// Request is one user request.
type Request struct {
	SessionID   string
	ProjectID   string
	Kind        string
	UserMessage string
	// SystemPrompt overrides the default operation preamble.
	SystemPrompt string
	// MaxIterations overrides the configured turn budget.
	MaxIterations int
}

const defaultSystemPrompt = `You are Mira, a local-first personal coding assistant with durable
memory of past conversations, code, and decisions. Use the provided context and
tools to answer grounded in what you actually know about this user's work.`

// Handle is a live operation: its id and event stream.
type Handle struct {
	OperationID string
	Events      <-chan models.OperationEvent
}

// Cancel requests cooperative cancellation of a live operation.
func (o *Orchestrator) Cancel(operationID string) bool {
	return o.registry.cancel(operationID)
}

// Start creates the operation and launches its turn loop. Events arrive
// on the returned channel, which closes after exactly one terminal
// event.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Handle, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, fmt.Errorf("user message is required")
	}
	if req.Kind == "" {
		req.Kind = "chat"
	}

	if _, err := o.store.EnsureSession(ctx, req.SessionID, ""); err != nil {
		return nil, err
	}
	userEntry := models.UserMessage(req.SessionID, req.UserMessage)
	if req.ProjectID != "" {
		userEntry.Tags = []string{"project:" + req.ProjectID}
	}
	userRef, err := o.store.SaveEntry(ctx, userEntry)
	if err != nil {
		return nil, err
	}

	op := &models.Operation{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		Kind:           req.Kind,
		Status:         models.OperationPending,
		CreatedAt:      time.Now().UTC(),
		UserMessageRef: userRef,
	}
	if err := o.store.SaveOperation(ctx, op); err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	o.registry.add(op.ID, cancel)

	events := make(chan models.OperationEvent, o.cfg.ChannelCapacity)
	if o.metrics != nil {
		o.metrics.OperationsStarted.Inc()
	}

	go o.run(opCtx, cancel, op, req, events)

	return &Handle{OperationID: op.ID, Events: events}, nil
}

// runState is the live per-operation state.
type runState struct {
	op        *models.Operation
	req       Request
	events    chan<- models.OperationEvent
	history   []llm.ChatMessage
	hints     []string
	artifacts []*models.Artifact
	// failures counts identical tool failures by (tool, fingerprint).
	failures map[string]int
	started  time.Time
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, op *models.Operation, req Request, events chan<- models.OperationEvent) {
	defer close(events)
	defer o.registry.remove(op.ID)
	defer cancel()

	state := &runState{
		op:       op,
		req:      req,
		events:   events,
		failures: make(map[string]int),
		started:  time.Now(),
	}

	o.transition(ctx, state, models.OperationRunning)
	o.emit(state, models.OperationEvent{Type: models.EventStarted})

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = o.cfg.MaxIterations
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if o.checkCancelled(ctx, state) {
			return
		}

		bundle, err := o.assembler.Assemble(ctx, AssembleInput{
			SessionID:    req.SessionID,
			ProjectID:    req.ProjectID,
			SystemPrompt: systemPrompt,
			UserMessage:  req.UserMessage,
			History:      state.history,
			Hints:        state.hints,
		})
		if err != nil {
			o.fail(ctx, state, "internal", err)
			return
		}

		turn, err := o.streamTurn(ctx, state, bundle)
		if err != nil {
			if o.checkCancelled(ctx, state) {
				return
			}
			o.fail(ctx, state, string(llm.KindOf(err)), err)
			return
		}

		o.persistAssistantTurn(ctx, state, turn)

		if len(turn.ToolCalls) == 0 {
			o.complete(ctx, state, turn.Content)
			return
		}

		state.history = append(state.history, llm.ChatMessage{
			Role:      "assistant",
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})

		// Tool dispatches for one turn run sequentially; the explicit
		// concurrent path is spawn_agents_parallel inside one call.
		var results []models.ToolResult
		for _, call := range turn.ToolCalls {
			if o.checkCancelled(ctx, state) {
				return
			}
			results = append(results, o.dispatchToolCall(ctx, state, call))
		}
		state.history = append(state.history, llm.ChatMessage{Role: "tool", ToolResults: results})
	}

	o.fail(ctx, state, "iteration_budget", fmt.Errorf("operation exceeded %d turns", maxIterations))
}

// streamTurn runs one LLM turn, forwarding text deltas as Streaming
// events, and returns the aggregated result.
func (o *Orchestrator) streamTurn(ctx context.Context, state *runState, bundle *PromptBundle) (*llm.ChatResult, error) {
	eventsCh, err := o.provider.ChatStream(ctx, &llm.ChatRequest{
		System:   bundle.System,
		Messages: bundle.Messages,
		Tools:    o.router.Schemas(nil),
		Config:   llm.ChatConfig{},
	})
	if err != nil {
		return nil, err
	}

	var content, reasoning strings.Builder
	result := &llm.ChatResult{}
	start := time.Now()
	for ev := range eventsCh {
		switch ev.Type {
		case llm.EventTextDelta:
			content.WriteString(ev.Delta)
			o.emit(state, models.OperationEvent{Type: models.EventStreaming, Content: ev.Delta})
		case llm.EventReasoningDelta:
			reasoning.WriteString(ev.Delta)
		case llm.EventToolCallComplete:
			if ev.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *ev.ToolCall)
			}
		case llm.EventDone:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		case llm.EventError:
			return nil, ev.Err
		}
	}
	result.Content = content.String()
	result.ReasoningContent = reasoning.String()
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// dispatchToolCall routes one tool call through the router, emitting
// Delegated events for agent spawns and capturing artifacts from file
// producing tools. Tool failures feed the fingerprint counter and come
// back as tool results, never as operation failures.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, state *runState, call models.ToolCall) models.ToolResult {
	delegated := call.Name == "spawn_agent" || call.Name == "spawn_agents_parallel"
	if delegated {
		o.transition(ctx, state, models.OperationDelegated)
		for _, agentID := range spawnTargets(call) {
			o.emit(state, models.OperationEvent{
				Type:        models.EventDelegated,
				DelegatedTo: agentID,
				Reason:      "tool call " + call.Name,
			})
		}
	}

	dispatchCtx := tools.WithDispatchContext(ctx, state.req.SessionID, state.op.ID, state.req.ProjectID, o.cfg.AutoApprove)
	result, file := o.router.DispatchCapture(dispatchCtx, call)

	if delegated {
		o.transition(ctx, state, models.OperationRunning)
	}

	if file != nil && !result.IsError {
		o.captureArtifact(ctx, state, file)
	}
	if result.IsError {
		o.noteFailure(ctx, state, call.Name, result.Content)
	}
	return result
}

// spawnTargets extracts the delegated agent ids from a spawn call.
func spawnTargets(call models.ToolCall) []string {
	if call.Name == "spawn_agent" {
		var params struct {
			AgentID string `json:"agent_id"`
		}
		if err := unmarshalLoose(call.Input, &params); err == nil && params.AgentID != "" {
			return []string{params.AgentID}
		}
		return []string{"agent"}
	}
	var params struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	if err := unmarshalLoose(call.Input, &params); err == nil && len(params.Agents) > 0 {
		ids := make([]string, len(params.Agents))
		for i, a := range params.Agents {
			ids[i] = a.AgentID
		}
		return ids
	}
	return []string{"agents"}
}

// captureArtifact persists the artifact and emits the preview/completed
// event pair.
func (o *Orchestrator) captureArtifact(ctx context.Context, state *runState, file *tools.FileOutput) {
	artifact := &models.Artifact{
		ID:          uuid.NewString(),
		OperationID: state.op.ID,
		FilePath:    file.Path,
		Content:     file.Content,
		Language:    file.Language,
		Kind:        file.Kind,
		CreatedAt:   time.Now().UTC(),
	}
	preview := artifact.Content
	if len(preview) > artifactPreviewSize {
		preview = preview[:artifactPreviewSize]
	}
	o.emit(state, models.OperationEvent{
		Type:       models.EventArtifactPreview,
		ArtifactID: artifact.ID,
		Path:       artifact.FilePath,
		Preview:    preview,
	})
	if err := o.store.SaveArtifact(ctx, artifact); err != nil {
		o.logger.Error("failed to persist artifact",
			"operation_id", state.op.ID, "path", artifact.FilePath, "error", err)
	}
	state.artifacts = append(state.artifacts, artifact)
	state.op.ArtifactIDs = append(state.op.ArtifactIDs, artifact.ID)
	o.emit(state, models.OperationEvent{
		Type:       models.EventArtifactCompleted,
		ArtifactID: artifact.ID,
		Artifact:   artifact,
	})
}

// noteFailure counts identical failures and, at the threshold, injects
// any known resolution into the next turn's hints.
func (o *Orchestrator) noteFailure(ctx context.Context, state *runState, toolName, errText string) {
	if o.errors == nil {
		return
	}
	if _, err := o.errors.RecordFailure(ctx, state.req.ProjectID, toolName, errText); err != nil {
		o.logger.Warn("failed to record tool failure", "tool", toolName, "error", err)
	}
	key := toolName + ":" + errstore.Normalize(errText)
	state.failures[key]++
	if state.failures[key] < failureInjectionThreshold {
		return
	}
	resolution, err := o.errors.ResolutionFor(ctx, state.req.ProjectID, toolName, errText)
	if err != nil || resolution == "" {
		return
	}
	hint := fmt.Sprintf("Tool %s has failed %d times with %q. Known resolution: %s",
		toolName, state.failures[key], errstore.Normalize(errText), resolution)
	for _, existing := range state.hints {
		if existing == hint {
			return
		}
	}
	state.hints = append(state.hints, hint)
	o.logger.Info("injected known resolution after repeated failures",
		"operation_id", state.op.ID, "tool", toolName)
}

func (o *Orchestrator) persistAssistantTurn(ctx context.Context, state *runState, turn *llm.ChatResult) {
	if turn.Content == "" && len(turn.ToolCalls) > 0 {
		return
	}
	entry := models.AssistantMessage(state.req.SessionID, turn.Content)
	entry.ResponseID = state.op.ID
	id, err := o.store.SaveEntry(ctx, entry)
	if err != nil {
		o.logger.Error("failed to persist assistant entry",
			"operation_id", state.op.ID, "error", err)
		return
	}
	// Turn metadata lands on the sibling row immediately without
	// claiming the analysis slot; the pipeline fills the rest later.
	meta := &models.Analysis{
		PromptTokens:     int64(turn.Usage.InputTokens),
		CompletionTokens: int64(turn.Usage.OutputTokens),
		ReasoningTokens:  int64(turn.Usage.ReasoningTokens),
		LatencyMs:        turn.DurationMs,
	}
	if err := o.store.SetTurnMetadata(ctx, id, meta); err != nil {
		o.logger.Warn("failed to persist turn metadata", "entry_id", id, "error", err)
	}
}

// transition moves the status forward and emits StatusChanged. Illegal
// transitions are internal errors and logged loudly.
func (o *Orchestrator) transition(ctx context.Context, state *runState, next models.OperationStatus) {
	current := state.op.Status
	if current == next {
		return
	}
	if !current.CanTransition(next) {
		o.logger.Error("illegal operation status transition",
			"operation_id", state.op.ID, "from", current, "to", next)
		return
	}
	state.op.Status = next
	now := time.Now().UTC()
	switch next {
	case models.OperationRunning:
		if state.op.StartedAt == nil {
			state.op.StartedAt = &now
		}
	case models.OperationCompleted, models.OperationFailed, models.OperationCancelled:
		state.op.FinishedAt = &now
	}
	if err := o.store.UpdateOperation(ctx, state.op); err != nil {
		o.logger.Warn("failed to flush operation state",
			"operation_id", state.op.ID, "error", err)
	}
	o.emit(state, models.OperationEvent{
		Type:      models.EventStatusChanged,
		OldStatus: current,
		NewStatus: next,
	})
}

// checkCancelled observes the token and, when fired, performs the
// cancellation protocol: tombstone entry, terminal event, no further
// events.
func (o *Orchestrator) checkCancelled(ctx context.Context, state *runState) bool {
	if ctx.Err() == nil {
		return false
	}
	if state.op.Status.Terminal() {
		return true
	}
	// Timeout and caller cancel share the token; the deadline maps to
	// Failed{timeout} instead of Cancelled.
	if ctx.Err() == context.DeadlineExceeded {
		o.fail(ctx, state, "timeout", fmt.Errorf("operation exceeded %s", o.cfg.Timeout))
		return true
	}

	tombstone := models.AssistantMessage(state.req.SessionID, "Operation cancelled by request.")
	tombstone.Tags = []string{"cancelled"}
	if _, err := o.store.SaveEntry(context.WithoutCancel(ctx), tombstone); err != nil {
		o.logger.Warn("failed to persist cancellation tombstone",
			"operation_id", state.op.ID, "error", err)
	}

	o.transition(context.WithoutCancel(ctx), state, models.OperationCancelled)
	o.emit(state, models.OperationEvent{Type: models.EventCancelled})
	if o.metrics != nil {
		o.metrics.OperationsCancelled.Inc()
	}
	o.logger.Info("operation cancelled", "operation_id", state.op.ID)
	return true
}

func (o *Orchestrator) complete(ctx context.Context, state *runState, result string) {
	if state.op.Status.Terminal() {
		return
	}
	o.transition(ctx, state, models.OperationCompleted)
	o.emit(state, models.OperationEvent{
		Type:      models.EventCompleted,
		Result:    result,
		Artifacts: state.artifacts,
	})
	if o.metrics != nil {
		o.metrics.OperationsCompleted.Inc()
		o.metrics.OperationDuration.Observe(time.Since(state.started).Seconds())
	}
	o.logger.Info("operation completed",
		"operation_id", state.op.ID,
		"duration", time.Since(state.started),
		"artifacts", len(state.artifacts))
}

// fail writes a user-visible failure entry naming only the error kind,
// then emits the terminal Failed event.
func (o *Orchestrator) fail(ctx context.Context, state *runState, kind string, err error) {
	if state.op.Status.Terminal() {
		return
	}
	flushCtx := context.WithoutCancel(ctx)
	entry := models.AssistantMessage(state.req.SessionID,
		fmt.Sprintf("The request could not be completed (%s).", kind))
	entry.Tags = []string{"failed"}
	if _, saveErr := o.store.SaveEntry(flushCtx, entry); saveErr != nil {
		o.logger.Warn("failed to persist failure entry",
			"operation_id", state.op.ID, "error", saveErr)
	}

	o.transition(flushCtx, state, models.OperationFailed)
	o.emit(state, models.OperationEvent{
		Type:      models.EventFailed,
		Error:     kind,
		ErrorKind: kind,
	})
	if o.metrics != nil {
		o.metrics.OperationsFailed.Inc()
	}
	o.logger.Error("operation failed",
		"operation_id", state.op.ID, "kind", kind, "error", err)
}

// emit stamps and sends one event. A full client channel blocks the
// send; the turn naturally slows with the consumer.
func (o *Orchestrator) emit(state *runState, event models.OperationEvent) {
	event.OperationID = state.op.ID
	event.Timestamp = time.Now().UTC()
	state.events <- event
}

func unmarshalLoose(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty input")
	}
	return json.Unmarshal(data, v)
}
