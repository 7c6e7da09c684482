// Package recall composes the retrieval strategies (semantic, keyword,
// recent, hybrid) into the RecallContext that primes a turn. A missing
// vector or embedding backend degrades to keyword + recent; it is never
// an error here.
package recall

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/mira/internal/embeddings"
	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/observability"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

// Scoring weights for semantic hits.
const (
	weightSimilarity = 0.7
	weightSalience   = 0.1
	weightRecency    = 0.2

	scoreSymbolMatch  = 0.9
	scoreContentMatch = 0.6
)

// Store is the relational slice the engine reads.
type Store interface {
	storage.EntryStore
	storage.SummaryStore
	storage.SessionStore
	storage.ProjectStore
}

// Engine builds RecallContexts.
type Engine struct {
	store    Store
	vectors  *vector.Store
	embedder embeddings.Provider
	errors   *errstore.Store
	logger   *slog.Logger
	metrics  *observability.Metrics

	recentCount   int
	semanticCount int
	fixCount      int
}

// Config for the engine.
type Config struct {
	RecentCount   int // default 10
	SemanticCount int // default 10
	FixCount      int // default 3
}

// New creates the engine. Vectors, embedder, errors, and metrics may
// each be nil; the engine runs with whatever is available.
func New(store Store, vectors *vector.Store, embedder embeddings.Provider, errors *errstore.Store, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = 10
	}
	if cfg.SemanticCount <= 0 {
		cfg.SemanticCount = 10
	}
	if cfg.FixCount <= 0 {
		cfg.FixCount = 3
	}
	return &Engine{
		store:         store,
		vectors:       vectors,
		embedder:      embedder,
		errors:        errors,
		logger:        logger,
		metrics:       metrics,
		recentCount:   cfg.RecentCount,
		semanticCount: cfg.SemanticCount,
		fixCount:      cfg.FixCount,
	}
}

// Recent returns the last n session messages by timestamp.
func (e *Engine) Recent(ctx context.Context, sessionID string, n int) ([]*models.MessageEntry, error) {
	if n <= 0 {
		n = e.recentCount
	}
	return e.store.LoadRecent(ctx, sessionID, n)
}

// Semantic embeds the query and fans out across heads, scoring each hit
// by weighted similarity, salience, and recency.
func (e *Engine) Semantic(ctx context.Context, sessionID, query string, k int) ([]models.ScoredMessage, error) {
	if e.vectors == nil || e.embedder == nil {
		return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "semantic recall"}
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := e.vectors.SearchAll(ctx, sessionID, vec, k)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var scored []models.ScoredMessage
	for _, headResult := range results {
		for _, hit := range headResult.Hits {
			entry := &models.MessageEntry{
				ID:        hit.Point.EntryID,
				SessionID: hit.Point.SessionID,
				Content:   hit.Point.Content,
				Tags:      hit.Point.Tags,
				Timestamp: hit.Point.Timestamp,
				Analysis:  &models.Analysis{Salience: hit.Point.Salience},
			}
			ageDays := now.Sub(hit.Point.Timestamp).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			score := weightSimilarity*float64(hit.Score) +
				weightSalience*(hit.Point.Salience/10) +
				weightRecency*math.Exp(-ageDays/30)
			scored = append(scored, models.ScoredMessage{
				Entry:  entry,
				Score:  score,
				Source: "semantic",
				Head:   headResult.Head,
			})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Keyword runs LIKE lookups over content and code symbols. Symbol
// matches outrank content matches with fixed scores.
func (e *Engine) Keyword(ctx context.Context, sessionID, projectID, query string, k int) ([]models.ScoredMessage, error) {
	var scored []models.ScoredMessage

	symbols, err := e.store.SearchSymbols(ctx, projectID, query, k)
	if err != nil {
		return nil, err
	}
	for _, sym := range symbols {
		scored = append(scored, models.ScoredMessage{
			Entry: &models.MessageEntry{
				SessionID: sessionID,
				Content:   sym.Name + " (" + sym.FilePath + ")",
				Tags:      []string{"symbol"},
			},
			Score:  scoreSymbolMatch,
			Source: "keyword",
		})
	}

	entries, err := e.store.SearchContent(ctx, sessionID, query, k)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		scored = append(scored, models.ScoredMessage{
			Entry:  entry,
			Score:  scoreContentMatch,
			Source: "keyword",
		})
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Hybrid runs semantic and keyword concurrently and merges by entry id,
// summing scores, clamped to the top k.
func (e *Engine) Hybrid(ctx context.Context, sessionID, projectID, query string, k int) ([]models.ScoredMessage, error) {
	type result struct {
		hits []models.ScoredMessage
		err  error
	}
	semCh := make(chan result, 1)
	kwCh := make(chan result, 1)

	go func() {
		hits, err := e.Semantic(ctx, sessionID, query, k)
		semCh <- result{hits, err}
	}()
	go func() {
		hits, err := e.Keyword(ctx, sessionID, projectID, query, k)
		kwCh <- result{hits, err}
	}()

	sem, kw := <-semCh, <-kwCh
	if kw.err != nil {
		return nil, kw.err
	}
	// Semantic unavailability degrades hybrid to keyword-only.
	if sem.err != nil && !vector.IsUnavailable(sem.err) {
		e.logger.Warn("semantic strategy failed in hybrid", "error", sem.err)
	}

	merged := map[int64]*models.ScoredMessage{}
	order := []int64{}
	var extras []models.ScoredMessage
	for _, hit := range append(sem.hits, kw.hits...) {
		id := hit.Entry.ID
		if id == 0 {
			extras = append(extras, hit)
			continue
		}
		if existing, ok := merged[id]; ok {
			existing.Score += hit.Score
			existing.Source = "hybrid"
			continue
		}
		h := hit
		merged[id] = &h
		order = append(order, id)
	}
	out := make([]models.ScoredMessage, 0, len(order)+len(extras))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	out = append(out, extras...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Build assembles the RecallContext for a (session, query) pair:
// rolling summary, recent messages, semantic fill, similar fixes, and
// related files. Entries surfaced here get their recall counters
// touched for the decay job.
func (e *Engine) Build(ctx context.Context, sessionID, projectID, query string) (*models.RecallContext, error) {
	if e.metrics != nil {
		e.metrics.RecallRequests.Inc()
	}
	rc := &models.RecallContext{}

	if summary, err := e.store.LatestRollingSummary(ctx, sessionID); err == nil {
		rc.Summaries = append(rc.Summaries, summary)
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	recent, err := e.store.LoadRecent(ctx, sessionID, e.recentCount)
	if err != nil {
		return nil, err
	}
	rc.Recent = recent
	inContext := map[int64]bool{}
	for _, entry := range recent {
		inContext[entry.ID] = true
	}

	semantic, err := e.Semantic(ctx, sessionID, query, e.semanticCount)
	if err == nil {
		for _, hit := range semantic {
			if inContext[hit.Entry.ID] {
				continue
			}
			rc.Semantic = append(rc.Semantic, hit)
			inContext[hit.Entry.ID] = true
		}
	} else {
		// Any vector or embedding failure degrades to keyword + recent;
		// it never surfaces to the operation.
		rc.Degraded = true
		if e.metrics != nil {
			e.metrics.RecallDegraded.Inc()
		}
		e.logger.Warn("semantic recall degraded to keyword + recent",
			"session_id", sessionID, "error", err)
		keyword, kwErr := e.Keyword(ctx, sessionID, projectID, query, e.semanticCount)
		if kwErr != nil {
			return nil, kwErr
		}
		for _, hit := range keyword {
			if inContext[hit.Entry.ID] {
				continue
			}
			rc.Keyword = append(rc.Keyword, hit)
			if hit.Entry.ID != 0 {
				inContext[hit.Entry.ID] = true
			}
		}
	}

	if e.errors != nil && projectID != "" {
		fixes, err := e.errors.SimilarFixes(ctx, projectID, query, e.fixCount)
		if err != nil {
			e.logger.Warn("similar fix lookup failed", "error", err)
		} else {
			rc.SimilarFixes = fixes
		}
	}

	if projectID != "" {
		if files := e.relatedFiles(ctx, projectID, query); len(files) > 0 {
			rc.RelatedFiles = files
		}
	}

	e.touchRecalled(ctx, rc)
	return rc, nil
}

// pathTokens returns query tokens that look like file paths.
func pathTokens(query string) []string {
	var out []string
	for _, token := range strings.Fields(query) {
		token = strings.Trim(token, ".,;:!?\"'()[]{}")
		if strings.Contains(token, "/") || strings.Contains(token, ".") && len(token) > 3 {
			out = append(out, token)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

func (e *Engine) relatedFiles(ctx context.Context, projectID, query string) []models.FileRef {
	// Any path-looking token in the query seeds the co-change lookup.
	for _, token := range pathTokens(query) {
		refs, err := e.store.RelatedFiles(ctx, projectID, token, 5)
		if err == nil && len(refs) > 0 {
			return refs
		}
	}
	return nil
}

func (e *Engine) touchRecalled(ctx context.Context, rc *models.RecallContext) {
	var ids []int64
	for _, hit := range rc.Semantic {
		if hit.Entry.ID != 0 {
			ids = append(ids, hit.Entry.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.store.TouchRecall(ctx, ids); err != nil {
		e.logger.Warn("failed to touch recall counters", "error", err)
	}
}
