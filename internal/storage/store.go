// Package storage implements the durable relational log behind the
// memory substrate: message entries with their analysis sibling rows,
// summaries, sessions, operations, tool history, corrections, error
// patterns, and permission rules.
package storage

import (
	"context"
	"time"

	"github.com/haasonsaas/mira/pkg/models"
)

// EntryStore persists message entries and their analysis rows.
type EntryStore interface {
	// SaveEntry appends a message entry and returns its assigned id.
	SaveEntry(ctx context.Context, e *models.MessageEntry) (int64, error)

	// GetEntry loads one entry with its analysis, if present.
	GetEntry(ctx context.Context, id int64) (*models.MessageEntry, error)

	// LoadRecent returns the newest n entries of a session, oldest first.
	LoadRecent(ctx context.Context, sessionID string, n int) ([]*models.MessageEntry, error)

	// UpdateAnalysis writes the analysis sibling row for an entry.
	// OriginalSalience is written once; re-analysis never rewrites it.
	UpdateAnalysis(ctx context.Context, id int64, a *models.Analysis) error

	// SetTurnMetadata records provider-side turn metadata (tokens,
	// model, latency) without claiming the analysis slot; the entry
	// still counts as unanalyzed for the drain.
	SetTurnMetadata(ctx context.Context, id int64, a *models.Analysis) error

	// EntriesMissingAnalysis returns entries whose analysis slots are
	// unset, oldest first, capped at limit.
	EntriesMissingAnalysis(ctx context.Context, limit int) ([]*models.MessageEntry, error)

	// EntriesMissingEmbedding returns analyzed entries routed to vector
	// heads whose embedding slots are still empty.
	EntriesMissingEmbedding(ctx context.Context, limit int) ([]*models.MessageEntry, error)

	// SetEmbeddingInfo records which heads an entry was routed to and
	// the derived vector point ids.
	SetEmbeddingInfo(ctx context.Context, id int64, heads, pointIDs []string) error

	// EntryExists reports whether the entry id has a live row.
	EntryExists(ctx context.Context, id int64) (bool, error)

	// SearchContent runs a keyword lookup over entry content within a
	// session, newest first.
	SearchContent(ctx context.Context, sessionID, query string, limit int) ([]*models.MessageEntry, error)

	// TouchRecall increments recall_count and stamps last_recalled.
	TouchRecall(ctx context.Context, ids []int64) error

	// AnalyzedEntries streams analyzed entries in batches for decay,
	// keyed by last id seen.
	AnalyzedEntries(ctx context.Context, afterID int64, limit int) ([]*models.MessageEntry, error)

	// UpdateSalience sets the mutable salience of an entry's analysis.
	UpdateSalience(ctx context.Context, id int64, salience float64) error
}

// SummaryStore persists rolling and snapshot summaries.
type SummaryStore interface {
	// StoreSummary persists a summary and, for rolling summaries,
	// repoints the session's rolling pointer.
	StoreSummary(ctx context.Context, sessionID string, typ models.SummaryType, text string, covered int) (int64, error)

	// LatestSummaries returns the newest rolling summary followed by
	// recent snapshots for a session.
	LatestSummaries(ctx context.Context, sessionID string) ([]*models.Summary, error)

	// LatestRollingSummary returns the active rolling summary, or a
	// NotFound error.
	LatestRollingSummary(ctx context.Context, sessionID string) (*models.Summary, error)

	// MarkSummaryEmbedded records that the summary reached the vector store.
	MarkSummaryEmbedded(ctx context.Context, id int64) error

	// SummaryIDs pages through all summary row ids, for orphan cleanup.
	SummaryIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// SessionStore tracks per-session bookkeeping.
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID, projectPath string) (*models.SessionState, error)
	GetSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	TouchSession(ctx context.Context, sessionID string) error
	SessionMessageCount(ctx context.Context, sessionID string) (int, error)
	// SessionsNeedingSummary lists sessions whose message count crossed
	// the rolling step since their last summary.
	SessionsNeedingSummary(ctx context.Context, step int) ([]*models.SessionState, error)
	// MarkSessionsInactive flags sessions idle beyond the TTL. Returns
	// the number flagged. Rows are never deleted here.
	MarkSessionsInactive(ctx context.Context, idleSince time.Time) (int64, error)
}

// OperationStore persists operations, their tasks, and artifacts.
type OperationStore interface {
	SaveOperation(ctx context.Context, op *models.Operation) error
	UpdateOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id string) (*models.Operation, error)

	CreateTask(ctx context.Context, t *models.OperationTask) (int64, error)
	UpdateTask(ctx context.Context, t *models.OperationTask) error
	ListTasks(ctx context.Context, operationID string) ([]*models.OperationTask, error)

	SaveArtifact(ctx context.Context, a *models.Artifact) error
	ListArtifacts(ctx context.Context, operationID string) ([]*models.Artifact, error)
}

// ToolCallStore appends the tool audit log.
type ToolCallStore interface {
	RecordToolCall(ctx context.Context, rec *models.ToolCallRecord) error
	ListToolCalls(ctx context.Context, operationID string) ([]*models.ToolCallRecord, error)
}

// CorrectionStore persists user corrections.
type CorrectionStore interface {
	UpsertCorrection(ctx context.Context, c *models.Correction) error
	// ListCorrections returns active corrections whose scope matches the
	// chain, ordered by scope specificity then recency, capped at limit.
	ListCorrections(ctx context.Context, projectID, sessionID string, limit int) ([]*models.Correction, error)
	GetCorrection(ctx context.Context, id string) (*models.Correction, error)
}

// ErrorPatternStore deduplicates failures by fingerprint.
type ErrorPatternStore interface {
	// UpsertErrorPattern inserts the pattern or increments occurrences
	// of the existing (project, tool, fingerprint) row.
	UpsertErrorPattern(ctx context.Context, p *models.ErrorPattern) (*models.ErrorPattern, error)
	// FindResolution returns the stored resolution for a fingerprint,
	// or a NotFound error.
	FindResolution(ctx context.Context, projectID, toolName string, fingerprint uint64) (string, error)
	// ResolveErrorPattern records a resolution on the pattern.
	ResolveErrorPattern(ctx context.Context, projectID, toolName string, fingerprint uint64, resolution string) error
	// SimilarPatterns returns resolved patterns matching the fingerprints.
	SimilarPatterns(ctx context.Context, projectID string, fingerprints []uint64, limit int) ([]*models.ErrorPattern, error)
}

// PermissionStore persists tool auto-approval rules.
type PermissionStore interface {
	UpsertPermissionRule(ctx context.Context, r *models.PermissionRule) error
	ListPermissionRules(ctx context.Context, toolName string) ([]*models.PermissionRule, error)
	DeletePermissionRule(ctx context.Context, id int64) error
}

// ProjectStore persists project-derived knowledge: facts, co-change
// pairs, code symbols, and build history.
type ProjectStore interface {
	UpsertFact(ctx context.Context, f *models.MemoryFact) error
	SearchFacts(ctx context.Context, projectID, query string, limit int) ([]*models.MemoryFact, error)

	RecordCochange(ctx context.Context, p *models.CochangePattern) error
	RelatedFiles(ctx context.Context, projectID, path string, limit int) ([]models.FileRef, error)

	UpsertSymbols(ctx context.Context, symbols []*models.CodeSymbol) error
	SearchSymbols(ctx context.Context, projectID, query string, limit int) ([]*models.CodeSymbol, error)

	RecordBuild(ctx context.Context, b *models.BuildRun) (int64, error)
	RecordBuildError(ctx context.Context, e *models.BuildError) error
}

// Store is the full relational surface. Writes are durable before
// return; reads on the same connection observe prior writes.
type Store interface {
	EntryStore
	SummaryStore
	SessionStore
	OperationStore
	ToolCallStore
	CorrectionStore
	ErrorPatternStore
	PermissionStore
	ProjectStore

	Close() error
}
