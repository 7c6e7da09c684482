package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/recall"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

// RegisterMemoryTools wires the remember/recall/correction surface.
func RegisterMemoryTools(r *Router, projects storage.ProjectStore, corrections storage.CorrectionStore, engine *recall.Engine, errors *errstore.Store) {
	r.MustRegister(&rememberTool{projects})
	r.MustRegister(&recallTool{engine})
	r.MustRegister(&listCorrectionsTool{errors})
	r.MustRegister(&recordCorrectionTool{corrections})
	r.MustRegister(&validateCorrectionTool{corrections})
}

type rememberTool struct {
	projects storage.ProjectStore
}

func (t *rememberTool) Name() string        { return "remember" }
func (t *rememberTool) Description() string { return "Store a durable fact under a key." }
func (t *rememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string"},
			"content": {"type": "string"},
			"project_id": {"type": "string"}
		},
		"required": ["key", "content"]
	}`)
}

func (t *rememberTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Key       string `json:"key"`
		Content   string `json:"content"`
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.ProjectID == "" {
		params.ProjectID = dispatchCtx(ctx).ProjectID
	}
	err := t.projects.UpsertFact(ctx, &models.MemoryFact{
		ProjectID: params.ProjectID,
		Key:       params.Key,
		Content:   params.Content,
	})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "remembered " + params.Key}, nil
}

type recallTool struct {
	engine *recall.Engine
}

func (t *recallTool) Name() string { return "recall" }
func (t *recallTool) Description() string {
	return "Recall relevant past messages, summaries, fixes, and facts for a query."
}
func (t *recallTool) ParallelSafe() bool { return true }
func (t *recallTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
}

func (t *recallTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	dc := dispatchCtx(ctx)
	rc, err := t.engine.Build(ctx, dc.SessionID, dc.ProjectID, params.Query)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	payload, _ := json.Marshal(rc)
	return &Result{Content: string(payload)}, nil
}

type listCorrectionsTool struct {
	errors *errstore.Store
}

func (t *listCorrectionsTool) Name() string        { return "list_corrections" }
func (t *listCorrectionsTool) Description() string { return "List active corrections for this scope." }
func (t *listCorrectionsTool) ParallelSafe() bool  { return true }
func (t *listCorrectionsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"limit": {"type": "integer"}}}`)
}

func (t *listCorrectionsTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	dc := dispatchCtx(ctx)
	corrections, err := t.errors.ActiveCorrections(ctx, dc.ProjectID, dc.SessionID, params.Limit)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	payload, _ := json.Marshal(corrections)
	return &Result{Content: string(payload)}, nil
}

type recordCorrectionTool struct {
	corrections storage.CorrectionStore
}

func (t *recordCorrectionTool) Name() string { return "record_correction" }
func (t *recordCorrectionTool) Description() string {
	return "Record a wrong-then-right correction to bias future turns."
}
func (t *recordCorrectionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"correction_type": {"type": "string"},
			"what_was_wrong": {"type": "string"},
			"what_is_right": {"type": "string"},
			"rationale": {"type": "string"},
			"scope": {"type": "string", "enum": ["global", "project", "session"]},
			"keywords": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["correction_type", "what_was_wrong", "what_is_right"]
	}`)
}

func (t *recordCorrectionTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Type         string   `json:"correction_type"`
		WhatWasWrong string   `json:"what_was_wrong"`
		WhatIsRight  string   `json:"what_is_right"`
		Rationale    string   `json:"rationale"`
		Scope        string   `json:"scope"`
		Keywords     []string `json:"keywords"`
		Confidence   float64  `json:"confidence"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	dc := dispatchCtx(ctx)
	scope := models.CorrectionScope(params.Scope)
	scopeID := ""
	switch scope {
	case models.ScopeProject:
		scopeID = dc.ProjectID
	case models.ScopeSession:
		scopeID = dc.SessionID
	default:
		scope = models.ScopeGlobal
	}
	confidence := params.Confidence
	if confidence == 0 {
		confidence = 0.7
	}
	correction := &models.Correction{
		ID:           uuid.NewString(),
		Type:         params.Type,
		WhatWasWrong: params.WhatWasWrong,
		WhatIsRight:  params.WhatIsRight,
		Rationale:    params.Rationale,
		Scope:        scope,
		ScopeID:      scopeID,
		Keywords:     params.Keywords,
		Confidence:   confidence,
		Status:       models.CorrectionActive,
	}
	if err := t.corrections.UpsertCorrection(ctx, correction); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "recorded correction " + correction.ID}, nil
}

type validateCorrectionTool struct {
	corrections storage.CorrectionStore
}

func (t *validateCorrectionTool) Name() string { return "validate_correction" }
func (t *validateCorrectionTool) Description() string {
	return "Mark a correction as applied, optionally validated or retired."
}
func (t *validateCorrectionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"validated": {"type": "boolean"},
			"retire": {"type": "boolean"}
		},
		"required": ["id"]
	}`)
}

func (t *validateCorrectionTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		ID        string `json:"id"`
		Validated bool   `json:"validated"`
		Retire    bool   `json:"retire"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	correction, err := t.corrections.GetCorrection(ctx, params.ID)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	correction.TimesApplied++
	if params.Validated {
		correction.TimesValidated++
	}
	if params.Retire {
		correction.Status = models.CorrectionRetired
	}
	if err := t.corrections.UpsertCorrection(ctx, correction); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "updated correction " + params.ID}, nil
}
