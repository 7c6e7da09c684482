// Package pipeline enriches committed message entries with derived
// signals: salience, topics, mood, code-ness, and extracted errors.
// The primary strategy is a single structured LLM call; deterministic
// heuristics take over when the provider is unavailable.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

// AnalysisVersion stamps every analysis so entries can be reprocessed
// when the pipeline changes.
const AnalysisVersion = "v2-unified"

// Analyzer produces a UnifiedAnalysis for one entry at a time.
type Analyzer struct {
	provider llm.Provider
	store    storage.EntryStore
	logger   *slog.Logger
	model    string
}

// New creates the analyzer. A nil provider forces heuristics-only mode.
func New(provider llm.Provider, store storage.EntryStore, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{provider: provider, store: store, logger: logger}
}

// SetModel overrides the analysis model.
func (a *Analyzer) SetModel(model string) { a.model = model }

const analysisSystemPrompt = `You analyze one message from a coding assistant conversation.
Respond with ONLY a JSON object, no prose, matching exactly:
{
  "salience": <float 0-10, how memorable this is long-term>,
  "intent": "<one short sentence>",
  "topics": ["<up to 5 topic strings>"],
  "mood": "<one word>",
  "intensity": <float 0-1>,
  "summary": "<one sentence>",
  "contains_code": <bool>,
  "programming_lang": "<language or empty>",
  "contains_error": <bool>,
  "error_type": "<type or empty>",
  "error_severity": "<severity or empty>",
  "error_file": "<file path or empty>"
}`

type analysisPayload struct {
	Salience        float64  `json:"salience"`
	Intent          string   `json:"intent"`
	Topics          []string `json:"topics"`
	Mood            string   `json:"mood"`
	Intensity       float64  `json:"intensity"`
	Summary         string   `json:"summary"`
	ContainsCode    bool     `json:"contains_code"`
	ProgrammingLang string   `json:"programming_lang"`
	ContainsError   bool     `json:"contains_error"`
	ErrorType       string   `json:"error_type"`
	ErrorSeverity   string   `json:"error_severity"`
	ErrorFile       string   `json:"error_file"`
}

// Analyze computes the analysis for one entry. It never errors: the
// heuristic path covers LLM failures so the drain job always advances.
func (a *Analyzer) Analyze(ctx context.Context, entry *models.MessageEntry) *models.Analysis {
	var analysis *models.Analysis
	if a.provider != nil {
		if llmAnalysis, err := a.analyzeLLM(ctx, entry); err == nil {
			analysis = llmAnalysis
		} else {
			a.logger.Warn("llm analysis failed, using heuristics",
				"entry_id", entry.ID, "error", err)
		}
	}
	if analysis == nil {
		analysis = a.analyzeHeuristic(entry)
	}

	analysis.RoutedToHeads = routeHeads(entry, analysis)
	analysis.AnalysisVersion = AnalysisVersion
	analysis.AnalyzedAt = time.Now().UTC()
	return analysis
}

// Commit runs Analyze and persists the result. Re-running on the same
// entry replaces the analysis; the store keeps original_salience fixed.
func (a *Analyzer) Commit(ctx context.Context, entry *models.MessageEntry) (*models.Analysis, error) {
	analysis := a.Analyze(ctx, entry)
	if err := a.store.UpdateAnalysis(ctx, entry.ID, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

func (a *Analyzer) analyzeLLM(ctx context.Context, entry *models.MessageEntry) (*models.Analysis, error) {
	content := entry.Content
	if len(content) > 8000 {
		content = content[:8000]
	}
	req := &llm.ChatRequest{
		System: analysisSystemPrompt,
		Messages: []llm.ChatMessage{{
			Role:    "user",
			Content: "role: " + string(entry.Role) + "\n\n" + content,
		}},
		Config: llm.ChatConfig{Model: a.model, MaxTokens: 600},
	}
	result, err := llm.Chat(ctx, a.provider, req)
	if err != nil {
		return nil, err
	}

	payload, err := parseAnalysisJSON(result.Content)
	if err != nil {
		return nil, err
	}
	return &models.Analysis{
		Salience:        clamp(payload.Salience, 0, 10),
		Intent:          payload.Intent,
		Topics:          payload.Topics,
		Mood:            payload.Mood,
		Intensity:       clamp(payload.Intensity, 0, 1),
		Summary:         payload.Summary,
		ContainsCode:    payload.ContainsCode,
		ProgrammingLang: payload.ProgrammingLang,
		ContainsError:   payload.ContainsError,
		ErrorType:       payload.ErrorType,
		ErrorSeverity:   payload.ErrorSeverity,
		ErrorFile:       payload.ErrorFile,
	}, nil
}

func parseAnalysisJSON(content string) (*analysisPayload, error) {
	// Models occasionally wrap the object in a fence; strip to the
	// outermost braces.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	var payload analysisPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (a *Analyzer) analyzeHeuristic(entry *models.MessageEntry) *models.Analysis {
	isCode, lang := detectCode(entry.Content)
	isError, errType, severity, errFile := detectError(entry.Content)

	return &models.Analysis{
		Salience:        heuristicSalience(entry.Content, isCode, isError),
		Topics:          heuristicTopics(entry.Content),
		Mood:            "neutral",
		Intensity:       0.2,
		ContainsCode:    isCode,
		ProgrammingLang: lang,
		ContainsError:   isError,
		ErrorType:       errType,
		ErrorSeverity:   severity,
		ErrorFile:       errFile,
	}
}

// routeHeads applies the routing contract: conversation always, code
// when the entry contains code, summary only for summary entries.
func routeHeads(entry *models.MessageEntry, analysis *models.Analysis) []string {
	heads := []string{vector.HeadConversation}
	if analysis.ContainsCode {
		heads = append(heads, vector.HeadCode)
	}
	if entry.Role == models.RoleSummary {
		heads = append(heads, vector.HeadSummary)
	}
	return heads
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
