package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/mira/pkg/models"
)

// SQLStore implements Store on database/sql. The sqlite constructor is
// the primary path; the postgres constructor shares the implementation
// through placeholder rebinding.
type SQLStore struct {
	db       *sql.DB
	postgres bool

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// OpenSQLite opens (or creates) a sqlite-backed store at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, backendErr("open", err)
	}
	// database/sql pools connections; an in-memory sqlite database is
	// per-connection, so pin the pool to one.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, sessionLocks: make(map[string]*sessionLock)}
	if err := s.init(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init(schema []string) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return backendErr("init schema", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockSession serializes writes per session id; reads stay concurrent.
func (s *SQLStore) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}
	s.sessionLocksMu.Lock()
	lock := s.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		s.sessionLocks[sessionID] = lock
	}
	lock.refs++
	s.sessionLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.sessionLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.sessionLocks, sessionID)
		}
		s.sessionLocksMu.Unlock()
	}
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// ---- EntryStore ----

// SaveEntry appends a message entry. Timestamps default to now (UTC) and
// are clamped to be non-decreasing within a session.
func (s *SQLStore) SaveEntry(ctx context.Context, e *models.MessageEntry) (int64, error) {
	if e == nil {
		return 0, backendErr("save entry", errors.New("entry is nil"))
	}
	unlock := s.lockSession(e.SessionID)
	defer unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT timestamp FROM message_entries WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1`), e.SessionID,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, backendErr("save entry", err)
	}
	if last.Valid && e.Timestamp.Before(last.Time) {
		e.Timestamp = last.Time
	}

	var parent sql.NullInt64
	if e.ParentID != nil {
		parent = sql.NullInt64{Int64: *e.ParentID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_entries (session_id, response_id, parent_id, role, content, timestamp, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.SessionID, nullString(e.ResponseID), parent, string(e.Role), e.Content, e.Timestamp, marshalList(e.Tags),
	)
	if err != nil {
		return 0, backendErr("save entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Postgres path: LastInsertId is unsupported; fall back to a lookup.
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT id FROM message_entries WHERE session_id = ? ORDER BY id DESC LIMIT 1`), e.SessionID)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, backendErr("save entry", scanErr)
		}
	}
	e.ID = id

	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sessions SET last_active_at = ?, message_count = message_count + 1 WHERE id = ?`),
		time.Now().UTC(), e.SessionID); err != nil {
		return 0, backendErr("save entry", err)
	}
	return id, nil
}

const entryColumns = `
	e.id, e.session_id, e.response_id, e.parent_id, e.role, e.content, e.timestamp, e.tags,
	e.embedding_heads, e.point_ids,
	a.salience, a.original_salience, a.intent, a.topics, a.mood, a.intensity, a.summary,
	a.contains_code, a.programming_lang, a.contains_error, a.error_type, a.error_severity, a.error_file,
	a.routed_to_heads, a.analysis_version, a.analyzed_at, a.last_recalled, a.recall_count,
	a.model_version, a.prompt_tokens, a.completion_tokens, a.reasoning_tokens, a.latency_ms`

const entryFrom = ` FROM message_entries e LEFT JOIN message_analysis a ON a.entry_id = e.id `

func scanEntry(row interface{ Scan(...any) error }) (*models.MessageEntry, error) {
	var (
		e                                                     models.MessageEntry
		responseID, tags, heads, pointIDs                     sql.NullString
		parentID                                              sql.NullInt64
		role                                                  string
		salience, originalSalience, intensity                 sql.NullFloat64
		intent, topics, mood, summary                         sql.NullString
		containsCode, containsError                           sql.NullBool
		lang, errType, errSeverity, errFile, routed, version  sql.NullString
		analyzedAt, lastRecalled                              sql.NullTime
		recallCount, promptTok, completionTok, reasonTok, lat sql.NullInt64
		modelVersion                                          sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &responseID, &parentID, &role, &e.Content, &e.Timestamp, &tags,
		&heads, &pointIDs,
		&salience, &originalSalience, &intent, &topics, &mood, &intensity, &summary,
		&containsCode, &lang, &containsError, &errType, &errSeverity, &errFile,
		&routed, &version, &analyzedAt, &lastRecalled, &recallCount,
		&modelVersion, &promptTok, &completionTok, &reasonTok, &lat,
	)
	if err != nil {
		return nil, err
	}
	e.ResponseID = responseID.String
	if parentID.Valid {
		e.ParentID = &parentID.Int64
	}
	e.Role = models.Role(role)
	e.Tags = unmarshalList(tags.String)
	e.EmbeddingHeads = unmarshalList(heads.String)
	e.PointIDs = unmarshalList(pointIDs.String)

	if salience.Valid || originalSalience.Valid {
		a := &models.Analysis{
			Salience:         salience.Float64,
			OriginalSalience: originalSalience.Float64,
			Intent:           intent.String,
			Topics:           unmarshalList(topics.String),
			Mood:             mood.String,
			Intensity:        intensity.Float64,
			Summary:          summary.String,
			ContainsCode:     containsCode.Bool,
			ProgrammingLang:  lang.String,
			ContainsError:    containsError.Bool,
			ErrorType:        errType.String,
			ErrorSeverity:    errSeverity.String,
			ErrorFile:        errFile.String,
			RoutedToHeads:    unmarshalList(routed.String),
			AnalysisVersion:  version.String,
			RecallCount:      recallCount.Int64,
			ModelVersion:     modelVersion.String,
			PromptTokens:     promptTok.Int64,
			CompletionTokens: completionTok.Int64,
			ReasoningTokens:  reasonTok.Int64,
			LatencyMs:        lat.Int64,
		}
		if analyzedAt.Valid {
			a.AnalyzedAt = analyzedAt.Time
		}
		if lastRecalled.Valid {
			t := lastRecalled.Time
			a.LastRecalled = &t
		}
		e.Analysis = a
	}
	return &e, nil
}

// GetEntry loads one entry with its analysis, if present.
func (s *SQLStore) GetEntry(ctx context.Context, id int64) (*models.MessageEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`WHERE e.id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("get entry")
	}
	if err != nil {
		return nil, backendErr("get entry", err)
	}
	return e, nil
}

// LoadRecent returns the newest n entries of a session, oldest first.
func (s *SQLStore) LoadRecent(ctx context.Context, sessionID string, n int) ([]*models.MessageEntry, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`
		WHERE e.session_id = ? ORDER BY e.id DESC LIMIT ?`), sessionID, n)
	if err != nil {
		return nil, backendErr("load recent", err)
	}
	defer rows.Close()

	var entries []*models.MessageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendErr("load recent", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("load recent", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// UpdateAnalysis writes the analysis sibling row. The first analyzed
// write fixes original_salience; later writes keep the stored value.
// A metadata-only row (written by SetTurnMetadata, analyzed_at unset)
// does not count as a first write: the analysis that lands on it fixes
// original_salience and keeps the stored turn metadata.
func (s *SQLStore) UpdateAnalysis(ctx context.Context, id int64, a *models.Analysis) error {
	if a == nil {
		return backendErr("update analysis", errors.New("analysis is nil"))
	}
	var existingOriginal sql.NullFloat64
	var existingAnalyzed sql.NullTime
	var existingModel sql.NullString
	var existingPrompt, existingCompletion, existingReason, existingLatency sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT original_salience, analyzed_at, model_version, prompt_tokens, completion_tokens, reasoning_tokens, latency_ms
		FROM message_analysis WHERE entry_id = ?`), id,
	).Scan(&existingOriginal, &existingAnalyzed, &existingModel,
		&existingPrompt, &existingCompletion, &existingReason, &existingLatency)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if a.OriginalSalience == 0 {
			a.OriginalSalience = a.Salience
		}
	case err != nil:
		return backendErr("update analysis", err)
	case existingAnalyzed.Valid:
		a.OriginalSalience = existingOriginal.Float64
	default:
		// Metadata-only row: this is the first real analysis.
		if a.OriginalSalience == 0 {
			a.OriginalSalience = a.Salience
		}
	}
	// Keep stored turn metadata when the analysis carries none.
	if a.ModelVersion == "" {
		a.ModelVersion = existingModel.String
	}
	if a.PromptTokens == 0 {
		a.PromptTokens = existingPrompt.Int64
	}
	if a.CompletionTokens == 0 {
		a.CompletionTokens = existingCompletion.Int64
	}
	if a.ReasoningTokens == 0 {
		a.ReasoningTokens = existingReason.Int64
	}
	if a.LatencyMs == 0 {
		a.LatencyMs = existingLatency.Int64
	}
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_analysis (
			entry_id, salience, original_salience, intent, topics, mood, intensity, summary,
			contains_code, programming_lang, contains_error, error_type, error_severity, error_file,
			routed_to_heads, analysis_version, analyzed_at, last_recalled, recall_count,
			model_version, prompt_tokens, completion_tokens, reasoning_tokens, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id) DO UPDATE SET
			salience = excluded.salience,
			original_salience = excluded.original_salience,
			intent = excluded.intent,
			topics = excluded.topics,
			mood = excluded.mood,
			intensity = excluded.intensity,
			summary = excluded.summary,
			contains_code = excluded.contains_code,
			programming_lang = excluded.programming_lang,
			contains_error = excluded.contains_error,
			error_type = excluded.error_type,
			error_severity = excluded.error_severity,
			error_file = excluded.error_file,
			routed_to_heads = excluded.routed_to_heads,
			analysis_version = excluded.analysis_version,
			analyzed_at = excluded.analyzed_at,
			model_version = excluded.model_version,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			reasoning_tokens = excluded.reasoning_tokens,
			latency_ms = excluded.latency_ms`),
		id, a.Salience, a.OriginalSalience, nullString(a.Intent), marshalList(a.Topics),
		nullString(a.Mood), a.Intensity, nullString(a.Summary),
		a.ContainsCode, nullString(a.ProgrammingLang), a.ContainsError,
		nullString(a.ErrorType), nullString(a.ErrorSeverity), nullString(a.ErrorFile),
		marshalList(a.RoutedToHeads), nullString(a.AnalysisVersion), a.AnalyzedAt,
		nullTime(a.LastRecalled), a.RecallCount,
		nullString(a.ModelVersion), a.PromptTokens, a.CompletionTokens, a.ReasoningTokens, a.LatencyMs,
	)
	if err != nil {
		return backendErr("update analysis", err)
	}
	return nil
}

// SetTurnMetadata upserts only the provider-side turn metadata for an
// entry: token counts, model, latency. It never stamps analyzed_at, so
// the entry still counts as unanalyzed for the drain and the eventual
// analysis fixes original_salience itself.
func (s *SQLStore) SetTurnMetadata(ctx context.Context, id int64, a *models.Analysis) error {
	if a == nil {
		return backendErr("set turn metadata", errors.New("analysis is nil"))
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_analysis (entry_id, model_version, prompt_tokens, completion_tokens, reasoning_tokens, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id) DO UPDATE SET
			model_version = excluded.model_version,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			reasoning_tokens = excluded.reasoning_tokens,
			latency_ms = excluded.latency_ms`),
		id, nullString(a.ModelVersion), a.PromptTokens, a.CompletionTokens, a.ReasoningTokens, a.LatencyMs)
	if err != nil {
		return backendErr("set turn metadata", err)
	}
	return nil
}

// EntriesMissingAnalysis returns entries the pipeline has not analyzed
// yet, oldest first. A metadata-only sibling row (analyzed_at unset)
// still counts as missing.
func (s *SQLStore) EntriesMissingAnalysis(ctx context.Context, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`
		WHERE (a.entry_id IS NULL OR a.analyzed_at IS NULL) AND e.role IN ('user', 'assistant', 'document')
		ORDER BY e.id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, backendErr("entries missing analysis", err)
	}
	defer rows.Close()

	var entries []*models.MessageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendErr("entries missing analysis", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetEmbeddingInfo records vector routing for an entry.
func (s *SQLStore) SetEmbeddingInfo(ctx context.Context, id int64, heads, pointIDs []string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE message_entries SET embedding_heads = ?, point_ids = ? WHERE id = ?`),
		marshalList(heads), marshalList(pointIDs), id)
	if err != nil {
		return backendErr("set embedding info", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("set embedding info")
	}
	return nil
}

// EntriesMissingEmbedding returns analyzed entries that were routed to
// vector heads but have no point ids recorded, for the embedding
// repair job.
func (s *SQLStore) EntriesMissingEmbedding(ctx context.Context, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`
		WHERE a.analyzed_at IS NOT NULL
			AND a.routed_to_heads IS NOT NULL AND a.routed_to_heads != ''
			AND (e.point_ids IS NULL OR e.point_ids = '')
		ORDER BY e.id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, backendErr("entries missing embedding", err)
	}
	defer rows.Close()

	var entries []*models.MessageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendErr("entries missing embedding", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryExists reports whether an entry row is live.
func (s *SQLStore) EntryExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM message_entries WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("entry exists", err)
	}
	return true, nil
}

// SearchContent runs a LIKE lookup over content within a session.
func (s *SQLStore) SearchContent(ctx context.Context, sessionID, query string, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ReplaceAll(query, "%", `\%`) + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`
		WHERE e.session_id = ? AND e.content LIKE ? ORDER BY e.id DESC LIMIT ?`),
		sessionID, pattern, limit)
	if err != nil {
		return nil, backendErr("search content", err)
	}
	defer rows.Close()

	var entries []*models.MessageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendErr("search content", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TouchRecall increments recall_count and stamps last_recalled.
func (s *SQLStore) TouchRecall(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.q(`
			UPDATE message_analysis SET recall_count = recall_count + 1, last_recalled = ?
			WHERE entry_id = ?`), now, id); err != nil {
			return backendErr("touch recall", err)
		}
	}
	return nil
}

// AnalyzedEntries pages through analyzed entries by id for decay sweeps.
func (s *SQLStore) AnalyzedEntries(ctx context.Context, afterID int64, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT`+entryColumns+entryFrom+`
		WHERE a.entry_id IS NOT NULL AND e.id > ? ORDER BY e.id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, backendErr("analyzed entries", err)
	}
	defer rows.Close()

	var entries []*models.MessageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendErr("analyzed entries", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateSalience sets the mutable salience slot only.
func (s *SQLStore) UpdateSalience(ctx context.Context, id int64, salience float64) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE message_analysis SET salience = ? WHERE entry_id = ?`), salience, id)
	if err != nil {
		return backendErr("update salience", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("update salience")
	}
	return nil
}

// ---- SummaryStore ----

// StoreSummary persists a summary row and repoints the rolling pointer
// for rolling summaries.
func (s *SQLStore) StoreSummary(ctx context.Context, sessionID string, typ models.SummaryType, text string, covered int) (int64, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO summaries (session_id, summary_type, summary_text, covered_message_count, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		sessionID, string(typ), text, covered, now)
	if err != nil {
		return 0, backendErr("store summary", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT id FROM summaries WHERE session_id = ? ORDER BY id DESC LIMIT 1`), sessionID)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, backendErr("store summary", scanErr)
		}
	}

	if typ == models.SummaryRolling {
		if _, err := s.db.ExecContext(ctx,
			s.q(`UPDATE sessions SET rolling_summary_id = ?, last_summary_count = message_count WHERE id = ?`),
			id, sessionID); err != nil {
			return 0, backendErr("store summary", err)
		}
	}
	return id, nil
}

func scanSummary(row interface{ Scan(...any) error }) (*models.Summary, error) {
	var sm models.Summary
	var typ string
	var embedded sql.NullBool
	if err := row.Scan(&sm.ID, &sm.SessionID, &typ, &sm.Text, &sm.CoveredMessageCount, &sm.CreatedAt, &embedded); err != nil {
		return nil, err
	}
	sm.Type = models.SummaryType(typ)
	sm.Embedded = embedded.Bool
	return &sm, nil
}

const summaryColumns = `id, session_id, summary_type, summary_text, covered_message_count, created_at, embedded`

// LatestSummaries returns the active rolling summary first, then recent
// snapshots.
func (s *SQLStore) LatestSummaries(ctx context.Context, sessionID string) ([]*models.Summary, error) {
	var out []*models.Summary
	rolling, err := s.LatestRollingSummary(ctx, sessionID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if rolling != nil {
		out = append(out, rolling)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+summaryColumns+` FROM summaries
		WHERE session_id = ? AND summary_type = 'snapshot' ORDER BY id DESC LIMIT 5`), sessionID)
	if err != nil {
		return nil, backendErr("latest summaries", err)
	}
	defer rows.Close()
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, backendErr("latest summaries", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// LatestRollingSummary returns the session's active rolling summary.
func (s *SQLStore) LatestRollingSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+summaryColumns+` FROM summaries
		WHERE id = (SELECT rolling_summary_id FROM sessions WHERE id = ?)`), sessionID)
	sm, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("latest rolling summary")
	}
	if err != nil {
		return nil, backendErr("latest rolling summary", err)
	}
	return sm, nil
}

// MarkSummaryEmbedded flags the summary as present in the vector store.
func (s *SQLStore) MarkSummaryEmbedded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE summaries SET embedded = ? WHERE id = ?`), true, id)
	return backendErr("mark summary embedded", err)
}

// SummaryIDs pages through all summary row ids.
func (s *SQLStore) SummaryIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id FROM summaries WHERE id > ? ORDER BY id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, backendErr("summary ids", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, backendErr("summary ids", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- SessionStore ----

// EnsureSession creates the session row if missing and returns it.
func (s *SQLStore) EnsureSession(ctx context.Context, sessionID, projectPath string) (*models.SessionState, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, project_path, created_at, last_active_at, message_count, last_summary_count, inactive)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT (id) DO NOTHING`),
		sessionID, nullString(projectPath), now, now, false)
	if err != nil {
		return nil, backendErr("ensure session", err)
	}
	return s.GetSession(ctx, sessionID)
}

// GetSession loads one session row.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var st models.SessionState
	var projectPath sql.NullString
	var rollingID sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, project_path, created_at, last_active_at, message_count, rolling_summary_id, inactive
		FROM sessions WHERE id = ?`), sessionID,
	).Scan(&st.ID, &projectPath, &st.CreatedAt, &st.LastActiveAt, &st.MessageCount, &rollingID, &st.Inactive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("get session")
	}
	if err != nil {
		return nil, backendErr("get session", err)
	}
	st.ProjectPath = projectPath.String
	if rollingID.Valid {
		st.RollingSummaryID = &rollingID.Int64
	}
	return &st, nil
}

// TouchSession stamps last activity and clears the inactive flag.
func (s *SQLStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET last_active_at = ?, inactive = ? WHERE id = ?`),
		time.Now().UTC(), false, sessionID)
	return backendErr("touch session", err)
}

// SessionMessageCount recomputes the count from the entry table; the
// sessions.message_count column is a cache, never authoritative.
func (s *SQLStore) SessionMessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM message_entries WHERE session_id = ?`), sessionID).Scan(&n)
	if err != nil {
		return 0, backendErr("session message count", err)
	}
	return n, nil
}

// SessionsNeedingSummary lists sessions whose message count crossed the
// rolling step since their last summary.
func (s *SQLStore) SessionsNeedingSummary(ctx context.Context, step int) ([]*models.SessionState, error) {
	if step <= 0 {
		step = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_path, created_at, last_active_at, message_count, rolling_summary_id, inactive
		FROM sessions WHERE message_count - last_summary_count >= ? AND inactive = ?`), step, false)
	if err != nil {
		return nil, backendErr("sessions needing summary", err)
	}
	defer rows.Close()

	var out []*models.SessionState
	for rows.Next() {
		var st models.SessionState
		var projectPath sql.NullString
		var rollingID sql.NullInt64
		if err := rows.Scan(&st.ID, &projectPath, &st.CreatedAt, &st.LastActiveAt, &st.MessageCount, &rollingID, &st.Inactive); err != nil {
			return nil, backendErr("sessions needing summary", err)
		}
		st.ProjectPath = projectPath.String
		if rollingID.Valid {
			st.RollingSummaryID = &rollingID.Int64
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// MarkSessionsInactive flags idle sessions without deleting anything.
func (s *SQLStore) MarkSessionsInactive(ctx context.Context, idleSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET inactive = ? WHERE last_active_at < ? AND inactive = ?`),
		true, idleSince, false)
	if err != nil {
		return 0, backendErr("mark sessions inactive", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
