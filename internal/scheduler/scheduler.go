// Package scheduler runs the periodic background jobs: analysis drain
// (with vector indexing), salience decay, rolling summary checks,
// embedding repair, vector orphan cleanup, and inactive session
// marking. Jobs are interruptible at tick boundaries and hold no
// cross-tick locks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/mira/internal/embeddings"
	"github.com/haasonsaas/mira/internal/observability"
	"github.com/haasonsaas/mira/internal/pipeline"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/summarize"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

// Config holds job intervals. Zero values take the documented defaults.
type Config struct {
	AnalysisInterval time.Duration // default 10s
	DecayInterval    time.Duration // default 4h
	SummaryInterval  time.Duration // default 30m
	RepairInterval   time.Duration // default 1h
	OrphanSchedule   string        // default @weekly
	SessionSchedule  string        // default @hourly
	SessionTTL       time.Duration // default 7 days
	DecayEnabled     bool
	RollingStep      int // default 100
}

// Runner owns the cron schedule. It receives the same explicit service
// bundle as the orchestrator; its only extra capability is the ticker.
type Runner struct {
	store     storage.Store
	analyzer  *pipeline.Analyzer
	summaries *summarize.Engine
	vectors   *vector.Store
	embedder  embeddings.Provider
	logger    *slog.Logger
	metrics   *observability.Metrics
	cfg       Config

	cron   *cron.Cron
	cancel context.CancelFunc
}

// New wires the runner. Analyzer, summaries, vectors, and embedder may
// each be nil; the corresponding jobs are skipped.
func New(store storage.Store, analyzer *pipeline.Analyzer, summaries *summarize.Engine, vectors *vector.Store, embedder embeddings.Provider, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 10 * time.Second
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = 4 * time.Hour
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = 30 * time.Minute
	}
	if cfg.RepairInterval <= 0 {
		cfg.RepairInterval = time.Hour
	}
	if cfg.OrphanSchedule == "" {
		cfg.OrphanSchedule = "@weekly"
	}
	if cfg.SessionSchedule == "" {
		cfg.SessionSchedule = "@hourly"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.RollingStep <= 0 {
		cfg.RollingStep = 100
	}
	return &Runner{
		store:     store,
		analyzer:  analyzer,
		summaries: summaries,
		vectors:   vectors,
		embedder:  embedder,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Start registers and launches every job. Stop shuts them down.
func (r *Runner) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.cron = cron.New()

	add := func(spec, name string, job func(context.Context)) error {
		_, err := r.cron.AddFunc(spec, func() {
			if ctx.Err() != nil {
				return
			}
			job(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if r.analyzer != nil {
		if err := add(every(r.cfg.AnalysisInterval), "analysis drain", r.AnalysisDrain); err != nil {
			return err
		}
	}
	if r.cfg.DecayEnabled {
		if err := add(every(r.cfg.DecayInterval), "decay", r.Decay); err != nil {
			return err
		}
	}
	if r.summaries != nil {
		if err := add(every(r.cfg.SummaryInterval), "summary check", r.SummaryCheck); err != nil {
			return err
		}
	}
	if r.vectors != nil && r.embedder != nil {
		if err := add(every(r.cfg.RepairInterval), "embedding repair", r.EmbeddingRepair); err != nil {
			return err
		}
	}
	if r.vectors != nil {
		if err := add(r.cfg.OrphanSchedule, "orphan cleanup", r.OrphanCleanup); err != nil {
			return err
		}
	}
	if err := add(r.cfg.SessionSchedule, "session cleanup", r.SessionCleanup); err != nil {
		return err
	}

	r.cron.Start()
	r.logger.Info("background runner started",
		"analysis_interval", r.cfg.AnalysisInterval,
		"decay_enabled", r.cfg.DecayEnabled,
		"summary_interval", r.cfg.SummaryInterval)
	return nil
}

// Stop halts scheduling and interrupts jobs at their next tick check.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// AnalysisDrain analyzes entries whose analysis slots are unset, in
// batches, then indexes the freshly analyzed entries into their routed
// vector heads.
func (r *Runner) AnalysisDrain(ctx context.Context) {
	entries, err := r.store.EntriesMissingAnalysis(ctx, 50)
	if err != nil {
		r.logger.Warn("analysis drain: listing failed", "error", err)
		return
	}
	var analyzed []*models.MessageEntry
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		analysis, err := r.analyzer.Commit(ctx, entry)
		if err != nil {
			r.logger.Warn("analysis drain: commit failed", "entry_id", entry.ID, "error", err)
			continue
		}
		entry.Analysis = analysis
		analyzed = append(analyzed, entry)
	}
	if len(analyzed) > 0 {
		r.indexEntries(ctx, analyzed)
		r.logger.Debug("analysis drain", "analyzed", len(analyzed))
	}
}

// EmbeddingRepair re-indexes analyzed entries whose embedding slots are
// still empty: entries analyzed while the vector or embedding backend
// was down, or whose points were lost.
func (r *Runner) EmbeddingRepair(ctx context.Context) {
	entries, err := r.store.EntriesMissingEmbedding(ctx, 100)
	if err != nil {
		r.logger.Warn("embedding repair: listing failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	repaired := r.indexEntries(ctx, entries)
	if repaired > 0 {
		r.logger.Info("embedding repair", "entries_indexed", repaired)
	}
}

// indexEntries embeds the entries in one batch and saves each into the
// heads its analysis routed it to, then records the embedding slots.
// Vector or embedding failure is logged and skipped; the repair job
// picks the entries up on a later tick.
func (r *Runner) indexEntries(ctx context.Context, entries []*models.MessageEntry) int {
	if r.vectors == nil || r.embedder == nil {
		return 0
	}
	var candidates []*models.MessageEntry
	for _, entry := range entries {
		if entry.Analysis != nil && len(entry.Analysis.RoutedToHeads) > 0 {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	texts := make([]string, len(candidates))
	for i, entry := range candidates {
		texts[i] = entry.Content
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.logger.Warn("indexing: embedding failed", "entries", len(candidates), "error", err)
		return 0
	}
	if r.metrics != nil {
		r.metrics.EmbeddingBatches.Inc()
	}

	indexed := 0
	for i, entry := range candidates {
		if ctx.Err() != nil {
			return indexed
		}
		vec := vecs[i]
		var pointIDs []string
		var heads []string
		for _, head := range entry.Analysis.RoutedToHeads {
			if err := r.vectors.EnsureHead(ctx, head, len(vec)); err != nil {
				r.logger.Warn("indexing: ensure head failed", "head", head, "error", err)
				continue
			}
			pointID, err := r.vectors.Save(ctx, head, entry, vec)
			if err != nil {
				r.logger.Warn("indexing: save failed",
					"entry_id", entry.ID, "head", head, "error", err)
				continue
			}
			heads = append(heads, head)
			pointIDs = append(pointIDs, pointID)
		}
		if len(pointIDs) == 0 {
			continue
		}
		if err := r.store.SetEmbeddingInfo(ctx, entry.ID, heads, pointIDs); err != nil {
			r.logger.Warn("indexing: recording embedding slots failed",
				"entry_id", entry.ID, "error", err)
			continue
		}
		indexed++
	}
	return indexed
}

// Decay applies the stepped retention curve across analyzed entries.
func (r *Runner) Decay(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.DecaySweeps.Inc()
	}
	now := time.Now().UTC()
	var afterID int64
	decayed := 0
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := r.store.AnalyzedEntries(ctx, afterID, 200)
		if err != nil {
			r.logger.Warn("decay: listing failed", "error", err)
			return
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			afterID = entry.ID
			target := decayedSalience(entry, now)
			if entry.Analysis == nil || target >= entry.Analysis.Salience {
				continue
			}
			if err := r.store.UpdateSalience(ctx, entry.ID, target); err != nil {
				r.logger.Warn("decay: update failed", "entry_id", entry.ID, "error", err)
				continue
			}
			decayed++
		}
	}
	if r.metrics != nil {
		r.metrics.EntriesDecayed.Add(float64(decayed))
	}
	if decayed > 0 {
		r.logger.Info("decay sweep", "entries_decayed", decayed)
	}
}

// SummaryCheck triggers rolling summaries for sessions whose message
// count crossed the step since their last summary.
func (r *Runner) SummaryCheck(ctx context.Context) {
	sessions, err := r.store.SessionsNeedingSummary(ctx, r.cfg.RollingStep)
	if err != nil {
		r.logger.Warn("summary check: listing failed", "error", err)
		return
	}
	for _, session := range sessions {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.summaries.Rolling(ctx, session.ID); err != nil {
			r.logger.Warn("summary check: rolling failed", "session_id", session.ID, "error", err)
			continue
		}
		r.logger.Info("rolling summary produced", "session_id", session.ID)
	}
}

// OrphanCleanup scrolls every vector head and deletes points whose
// owning entry no longer exists.
func (r *Runner) OrphanCleanup(ctx context.Context) {
	removed := 0
	for _, head := range r.vectors.Heads() {
		if ctx.Err() != nil {
			return
		}
		pointIDs, err := r.vectors.ScrollAllPoints(ctx, head)
		if err != nil {
			r.logger.Warn("orphan cleanup: scroll failed", "head", head, "error", err)
			continue
		}
		live, err := r.livePointIDs(ctx, head)
		if err != nil {
			r.logger.Warn("orphan cleanup: owner resolution failed", "head", head, "error", err)
			continue
		}
		for _, pointID := range pointIDs {
			if ctx.Err() != nil {
				return
			}
			if live[pointID] {
				continue
			}
			if err := r.vectors.Delete(ctx, head, pointID); err != nil {
				r.logger.Warn("orphan cleanup: delete failed", "head", head, "point_id", pointID, "error", err)
				continue
			}
			removed++
		}
	}
	if r.metrics != nil {
		r.metrics.OrphansRemoved.Add(float64(removed))
	}
	if removed > 0 {
		r.logger.Info("orphan cleanup", "points_removed", removed)
	}
}

// livePointIDs maps the head's expected point ids for all live owners:
// message entries, plus summary rows for the summary head.
func (r *Runner) livePointIDs(ctx context.Context, head string) (map[string]bool, error) {
	live := make(map[string]bool)
	var afterID int64
	for {
		entries, err := r.store.AnalyzedEntries(ctx, afterID, 500)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			afterID = entry.ID
			live[vector.PointID(head, entry.ID)] = true
		}
	}
	if head == vector.HeadSummary {
		afterID = 0
		for {
			ids, err := r.store.SummaryIDs(ctx, afterID, 500)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				break
			}
			for _, id := range ids {
				afterID = id
				live[vector.PointID(head, id)] = true
			}
		}
	}
	return live, nil
}

// SessionCleanup marks idle sessions inactive. Nothing is deleted.
func (r *Runner) SessionCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.SessionTTL)
	n, err := r.store.MarkSessionsInactive(ctx, cutoff)
	if err != nil {
		r.logger.Warn("session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("sessions marked inactive", "count", n)
	}
}

// RunOnce executes every maintenance job a single time; used by the
// cleanup CLI command.
func (r *Runner) RunOnce(ctx context.Context) {
	if r.analyzer != nil {
		r.AnalysisDrain(ctx)
	}
	if r.vectors != nil && r.embedder != nil {
		r.EmbeddingRepair(ctx)
	}
	if r.cfg.DecayEnabled {
		r.Decay(ctx)
	}
	if r.summaries != nil {
		r.SummaryCheck(ctx)
	}
	if r.vectors != nil {
		r.OrphanCleanup(ctx)
	}
	r.SessionCleanup(ctx)
}
