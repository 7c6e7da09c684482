// Package summarize produces rolling and snapshot session summaries,
// persisting each to the relational store and, best-effort, to the
// summary vector head.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/mira/internal/embeddings"
	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

// Store is the storage slice the engine needs.
type Store interface {
	storage.EntryStore
	storage.SummaryStore
	storage.SessionStore
}

// Engine drives both summary strategies.
type Engine struct {
	store    Store
	provider llm.Provider
	vectors  *vector.Store
	embedder embeddings.Provider
	logger   *slog.Logger

	window int
	model  string
}

// Config for the engine.
type Config struct {
	// Window is the rolling window size (default 100 messages).
	Window int
	// Model overrides the summarization model.
	Model string
}

// New creates the engine. Vectors and embedder may be nil; summaries
// then live only in the relational store.
func New(store Store, provider llm.Provider, vectors *vector.Store, embedder embeddings.Provider, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.Window
	if window <= 0 {
		window = 100
	}
	return &Engine{
		store:    store,
		provider: provider,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger,
		window:   window,
		model:    cfg.Model,
	}
}

// Window returns the rolling step size.
func (e *Engine) Window() int { return e.window }

const rollingPrompt = `Summarize this coding-assistant conversation segment as a narrative digest.
Preserve: concrete facts, promises made, unresolved questions, and code landmarks
(file paths, function names, decisions about the codebase). Write plain prose,
at most 400 words. Do not invent details.`

const snapshotPrompt = `Produce a point-in-time snapshot summary of this conversation segment.
Capture the current state of work: what was done, what is in flight, open questions.
Plain prose, at most %d words.`

// Rolling reads the most recent window of messages and replaces the
// session's rolling summary.
func (e *Engine) Rolling(ctx context.Context, sessionID string) (*models.Summary, error) {
	return e.run(ctx, sessionID, models.SummaryRolling, rollingPrompt, e.window)
}

// Snapshot produces an additive, immutable summary on demand. A word
// budget of zero uses 300.
func (e *Engine) Snapshot(ctx context.Context, sessionID string, wordBudget int) (*models.Summary, error) {
	if wordBudget <= 0 {
		wordBudget = 300
	}
	return e.run(ctx, sessionID, models.SummarySnapshot, fmt.Sprintf(snapshotPrompt, wordBudget), e.window)
}

func (e *Engine) run(ctx context.Context, sessionID string, typ models.SummaryType, system string, window int) (*models.Summary, error) {
	entries, err := e.store.LoadRecent(ctx, sessionID, window)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("summarize: session %s has no messages", sessionID)
	}

	text, err := e.generate(ctx, system, entries)
	if err != nil {
		return nil, err
	}

	id, err := e.store.StoreSummary(ctx, sessionID, typ, text, len(entries))
	if err != nil {
		return nil, err
	}
	summary := &models.Summary{
		ID:                  id,
		SessionID:           sessionID,
		Type:                typ,
		Text:                text,
		CoveredMessageCount: len(entries),
	}

	// The relational row is authoritative; vector indexing is
	// best-effort and never fails the summary.
	if err := e.index(ctx, sessionID, summary); err != nil {
		e.logger.Warn("summary vector indexing failed",
			"session_id", sessionID, "summary_id", id, "error", err)
	} else if e.vectors != nil && e.embedder != nil {
		summary.Embedded = true
		if err := e.store.MarkSummaryEmbedded(ctx, id); err != nil {
			e.logger.Warn("failed to flag summary embedded", "summary_id", id, "error", err)
		}
	}
	return summary, nil
}

func (e *Engine) generate(ctx context.Context, system string, entries []*models.MessageEntry) (string, error) {
	var transcript strings.Builder
	for _, entry := range entries {
		transcript.WriteString(string(entry.Role))
		transcript.WriteString(": ")
		content := entry.Content
		if len(content) > 2000 {
			content = content[:2000] + " …"
		}
		transcript.WriteString(content)
		transcript.WriteString("\n\n")
	}

	result, err := llm.Chat(ctx, e.provider, &llm.ChatRequest{
		System: system,
		Messages: []llm.ChatMessage{{
			Role:    "user",
			Content: transcript.String(),
		}},
		Config: llm.ChatConfig{Model: e.model, MaxTokens: 1024},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Content)
	if text == "" {
		return "", fmt.Errorf("summarize: empty summary from provider")
	}
	return text, nil
}

// index writes the summary into the summary head with its fixed tags,
// recall_count zero and pinned salience of ten.
func (e *Engine) index(ctx context.Context, sessionID string, summary *models.Summary) error {
	if e.vectors == nil || e.embedder == nil {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, summary.Text)
	if err != nil {
		return err
	}
	if err := e.vectors.EnsureHead(ctx, vector.HeadSummary, len(vec)); err != nil {
		return err
	}
	entry := &models.MessageEntry{
		ID:        summary.ID,
		SessionID: sessionID,
		Role:      models.RoleSummary,
		Content:   summary.Text,
		Tags: []string{
			"summary",
			"summary_type:" + string(summary.Type),
			"session:" + sessionID,
		},
		Analysis: &models.Analysis{Salience: 10, RecallCount: 0},
	}
	_, err = e.vectors.Save(ctx, vector.HeadSummary, entry, vec)
	return err
}
