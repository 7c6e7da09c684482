package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/mira/pkg/models"
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// fingerprints are stored as decimal strings: sqlite INTEGER is signed
// 64-bit and the high bit of a hash would overflow it.
func fingerprintKey(fp uint64) string { return strconv.FormatUint(fp, 10) }

// ---- CorrectionStore ----

// UpsertCorrection inserts or replaces a correction by id.
func (s *SQLStore) UpsertCorrection(ctx context.Context, c *models.Correction) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.CorrectionActive
	}
	if c.TimesValidated > c.TimesApplied {
		return backendErr("upsert correction", errors.New("times_validated exceeds times_applied"))
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO corrections (id, correction_type, what_was_wrong, what_is_right, rationale, scope, scope_id,
			keywords, confidence, times_applied, times_validated, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			correction_type = excluded.correction_type,
			what_was_wrong = excluded.what_was_wrong,
			what_is_right = excluded.what_is_right,
			rationale = excluded.rationale,
			scope = excluded.scope,
			scope_id = excluded.scope_id,
			keywords = excluded.keywords,
			confidence = excluded.confidence,
			times_applied = excluded.times_applied,
			times_validated = excluded.times_validated,
			status = excluded.status,
			updated_at = excluded.updated_at`),
		c.ID, c.Type, c.WhatWasWrong, c.WhatIsRight, nullString(c.Rationale),
		string(c.Scope), nullString(c.ScopeID), marshalList(c.Keywords),
		c.Confidence, c.TimesApplied, c.TimesValidated, string(c.Status),
		c.CreatedAt, c.UpdatedAt)
	return backendErr("upsert correction", err)
}

func scanCorrection(row interface{ Scan(...any) error }) (*models.Correction, error) {
	var c models.Correction
	var rationale, scopeID, keywords sql.NullString
	var scope, status string
	err := row.Scan(&c.ID, &c.Type, &c.WhatWasWrong, &c.WhatIsRight, &rationale,
		&scope, &scopeID, &keywords, &c.Confidence, &c.TimesApplied, &c.TimesValidated,
		&status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Rationale = rationale.String
	c.ScopeID = scopeID.String
	c.Keywords = unmarshalList(keywords.String)
	c.Scope = models.CorrectionScope(scope)
	c.Status = models.CorrectionStatus(status)
	return &c, nil
}

const correctionColumns = `id, correction_type, what_was_wrong, what_is_right, rationale, scope, scope_id,
	keywords, confidence, times_applied, times_validated, status, created_at, updated_at`

// ListCorrections returns active corrections matching the scope chain,
// ordered by scope specificity (session > project > global) then
// recency, capped at limit.
func (s *SQLStore) ListCorrections(ctx context.Context, projectID, sessionID string, limit int) ([]*models.Correction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+correctionColumns+` FROM corrections
		WHERE status = 'active' AND (
			scope = 'global'
			OR (scope = 'project' AND scope_id = ?)
			OR (scope = 'session' AND scope_id = ?)
		)
		ORDER BY CASE scope WHEN 'session' THEN 0 WHEN 'project' THEN 1 ELSE 2 END, updated_at DESC
		LIMIT ?`), projectID, sessionID, limit)
	if err != nil {
		return nil, backendErr("list corrections", err)
	}
	defer rows.Close()

	var out []*models.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, backendErr("list corrections", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCorrection loads one correction by id.
func (s *SQLStore) GetCorrection(ctx context.Context, id string) (*models.Correction, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+correctionColumns+` FROM corrections WHERE id = ?`), id)
	c, err := scanCorrection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("get correction")
	}
	if err != nil {
		return nil, backendErr("get correction", err)
	}
	return c, nil
}

// ---- ErrorPatternStore ----

// UpsertErrorPattern inserts or increments the (project, tool,
// fingerprint) row and returns the stored pattern.
func (s *SQLStore) UpsertErrorPattern(ctx context.Context, p *models.ErrorPattern) (*models.ErrorPattern, error) {
	now := time.Now().UTC()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	p.LastSeen = now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO error_patterns (project_id, tool_name, fingerprint, template, raw, occurrences, first_seen, last_seen, resolution)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (project_id, tool_name, fingerprint) DO UPDATE SET
			occurrences = error_patterns.occurrences + 1,
			raw = excluded.raw,
			last_seen = excluded.last_seen`),
		p.ProjectID, p.ToolName, fingerprintKey(p.Fingerprint), p.Template,
		nullString(p.Raw), p.FirstSeen, p.LastSeen, nullString(p.Resolution))
	if err != nil {
		return nil, backendErr("upsert error pattern", err)
	}
	return s.getErrorPattern(ctx, p.ProjectID, p.ToolName, p.Fingerprint)
}

func (s *SQLStore) getErrorPattern(ctx context.Context, projectID, toolName string, fp uint64) (*models.ErrorPattern, error) {
	var p models.ErrorPattern
	var raw, resolution sql.NullString
	var fpText string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, project_id, tool_name, fingerprint, template, raw, occurrences, first_seen, last_seen, resolution
		FROM error_patterns WHERE project_id = ? AND tool_name = ? AND fingerprint = ?`),
		projectID, toolName, fingerprintKey(fp),
	).Scan(&p.ID, &p.ProjectID, &p.ToolName, &fpText, &p.Template, &raw, &p.Occurrences, &p.FirstSeen, &p.LastSeen, &resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("get error pattern")
	}
	if err != nil {
		return nil, backendErr("get error pattern", err)
	}
	p.Fingerprint, _ = strconv.ParseUint(fpText, 10, 64)
	p.Raw = raw.String
	p.Resolution = resolution.String
	return &p, nil
}

// FindResolution returns the stored resolution for a fingerprint.
func (s *SQLStore) FindResolution(ctx context.Context, projectID, toolName string, fingerprint uint64) (string, error) {
	p, err := s.getErrorPattern(ctx, projectID, toolName, fingerprint)
	if err != nil {
		return "", err
	}
	if p.Resolution == "" {
		return "", notFoundErr("find resolution")
	}
	return p.Resolution, nil
}

// ResolveErrorPattern records a resolution, transitioning the pattern to
// resolved.
func (s *SQLStore) ResolveErrorPattern(ctx context.Context, projectID, toolName string, fingerprint uint64, resolution string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE error_patterns SET resolution = ? WHERE project_id = ? AND tool_name = ? AND fingerprint = ?`),
		resolution, projectID, toolName, fingerprintKey(fingerprint))
	if err != nil {
		return backendErr("resolve error pattern", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("resolve error pattern")
	}
	return nil
}

// SimilarPatterns returns resolved patterns matching any of the
// fingerprints within a project.
func (s *SQLStore) SimilarPatterns(ctx context.Context, projectID string, fingerprints []uint64, limit int) ([]*models.ErrorPattern, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}
	placeholders := make([]string, len(fingerprints))
	args := make([]any, 0, len(fingerprints)+2)
	args = append(args, projectID)
	for i, fp := range fingerprints {
		placeholders[i] = "?"
		args = append(args, fingerprintKey(fp))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, tool_name, fingerprint, template, raw, occurrences, first_seen, last_seen, resolution
		FROM error_patterns
		WHERE project_id = ? AND fingerprint IN (`+strings.Join(placeholders, ", ")+`)
			AND resolution IS NOT NULL AND resolution != ''
		ORDER BY last_seen DESC LIMIT ?`), args...)
	if err != nil {
		return nil, backendErr("similar patterns", err)
	}
	defer rows.Close()

	var out []*models.ErrorPattern
	for rows.Next() {
		var p models.ErrorPattern
		var raw, resolution sql.NullString
		var fpText string
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.ToolName, &fpText, &p.Template, &raw, &p.Occurrences, &p.FirstSeen, &p.LastSeen, &resolution); err != nil {
			return nil, backendErr("similar patterns", err)
		}
		p.Fingerprint, _ = strconv.ParseUint(fpText, 10, 64)
		p.Raw = raw.String
		p.Resolution = resolution.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ---- PermissionStore ----

// UpsertPermissionRule inserts or replaces a rule on its natural key.
func (s *SQLStore) UpsertPermissionRule(ctx context.Context, r *models.PermissionRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO permission_rules (scope, project_id, tool_name, input_field, input_pattern, match_type, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, project_id, tool_name, input_field, input_pattern) DO UPDATE SET
			match_type = excluded.match_type,
			description = excluded.description`),
		string(r.Scope), nullString(r.ProjectID), r.ToolName,
		nullString(r.InputField), nullString(r.InputPattern),
		string(r.MatchType), nullString(r.Description), r.CreatedAt)
	return backendErr("upsert permission rule", err)
}

// ListPermissionRules returns rules for a tool, global rules last.
func (s *SQLStore) ListPermissionRules(ctx context.Context, toolName string) ([]*models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, scope, project_id, tool_name, input_field, input_pattern, match_type, description, created_at
		FROM permission_rules WHERE tool_name = ?
		ORDER BY CASE scope WHEN 'project' THEN 0 ELSE 1 END, id ASC`), toolName)
	if err != nil {
		return nil, backendErr("list permission rules", err)
	}
	defer rows.Close()

	var out []*models.PermissionRule
	for rows.Next() {
		var r models.PermissionRule
		var scope, matchType string
		var projectID, field, pattern, desc sql.NullString
		if err := rows.Scan(&r.ID, &scope, &projectID, &r.ToolName, &field, &pattern, &matchType, &desc, &r.CreatedAt); err != nil {
			return nil, backendErr("list permission rules", err)
		}
		r.Scope = models.CorrectionScope(scope)
		r.ProjectID = projectID.String
		r.InputField = field.String
		r.InputPattern = pattern.String
		r.MatchType = models.PermissionMatchType(matchType)
		r.Description = desc.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeletePermissionRule removes one rule by id.
func (s *SQLStore) DeletePermissionRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM permission_rules WHERE id = ?`), id)
	if err != nil {
		return backendErr("delete permission rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("delete permission rule")
	}
	return nil
}

// ---- ProjectStore ----

// UpsertFact inserts or updates a memory fact on (project, key).
func (s *SQLStore) UpsertFact(ctx context.Context, f *models.MemoryFact) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO memory_facts (project_id, fact_key, content, embedded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, fact_key) DO UPDATE SET
			content = excluded.content,
			embedded = excluded.embedded,
			updated_at = excluded.updated_at`),
		nullString(f.ProjectID), f.Key, f.Content, f.Embedded, f.CreatedAt, f.UpdatedAt)
	return backendErr("upsert fact", err)
}

// SearchFacts runs a LIKE lookup over fact keys and content.
func (s *SQLStore) SearchFacts(ctx context.Context, projectID, query string, limit int) ([]*models.MemoryFact, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, fact_key, content, embedded, created_at, updated_at
		FROM memory_facts
		WHERE (project_id = ? OR project_id IS NULL) AND (fact_key LIKE ? OR content LIKE ?)
		ORDER BY updated_at DESC LIMIT ?`), projectID, pattern, pattern, limit)
	if err != nil {
		return nil, backendErr("search facts", err)
	}
	defer rows.Close()

	var out []*models.MemoryFact
	for rows.Next() {
		var f models.MemoryFact
		var pid sql.NullString
		if err := rows.Scan(&f.ID, &pid, &f.Key, &f.Content, &f.Embedded, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, backendErr("search facts", err)
		}
		f.ProjectID = pid.String
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RecordCochange upserts a co-change pair. File order is normalized so
// (a, b) and (b, a) hit the same row.
func (s *SQLStore) RecordCochange(ctx context.Context, p *models.CochangePattern) error {
	a, b := p.FileA, p.FileB
	if b < a {
		a, b = b, a
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO cochange_patterns (project_id, file_a, file_b, count, confidence, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (project_id, file_a, file_b) DO UPDATE SET
			count = cochange_patterns.count + 1,
			confidence = excluded.confidence,
			last_seen = excluded.last_seen`),
		p.ProjectID, a, b, p.Confidence, now)
	return backendErr("record cochange", err)
}

// RelatedFiles returns files that historically change with path, by
// descending count.
func (s *SQLStore) RelatedFiles(ctx context.Context, projectID, path string, limit int) ([]models.FileRef, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT file_a, file_b, count, confidence FROM cochange_patterns
		WHERE project_id = ? AND (file_a = ? OR file_b = ?)
		ORDER BY count DESC LIMIT ?`), projectID, path, path, limit)
	if err != nil {
		return nil, backendErr("related files", err)
	}
	defer rows.Close()

	var out []models.FileRef
	for rows.Next() {
		var a, b string
		var count int
		var confidence float64
		if err := rows.Scan(&a, &b, &count, &confidence); err != nil {
			return nil, backendErr("related files", err)
		}
		other := a
		if a == path {
			other = b
		}
		out = append(out, models.FileRef{Path: other, Count: count, Confidence: confidence})
	}
	return out, rows.Err()
}

// UpsertSymbols replaces extracted symbols on (project, file, name).
func (s *SQLStore) UpsertSymbols(ctx context.Context, symbols []*models.CodeSymbol) error {
	if len(symbols) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr("upsert symbols", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO code_symbols (project_id, file_path, name, kind, line, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, file_path, name) DO UPDATE SET
			kind = excluded.kind,
			line = excluded.line,
			updated_at = excluded.updated_at`))
	if err != nil {
		return backendErr("upsert symbols", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, nullString(sym.ProjectID), sym.FilePath, sym.Name, nullString(sym.Kind), sym.Line, now); err != nil {
			return backendErr("upsert symbols", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return backendErr("upsert symbols", err)
	}
	return nil
}

// SearchSymbols runs a LIKE lookup over symbol names.
func (s *SQLStore) SearchSymbols(ctx context.Context, projectID, query string, limit int) ([]*models.CodeSymbol, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, file_path, name, kind, line, updated_at
		FROM code_symbols
		WHERE (project_id = ? OR project_id IS NULL) AND name LIKE ?
		ORDER BY updated_at DESC LIMIT ?`), projectID, pattern, limit)
	if err != nil {
		return nil, backendErr("search symbols", err)
	}
	defer rows.Close()

	var out []*models.CodeSymbol
	for rows.Next() {
		var sym models.CodeSymbol
		var pid, kind sql.NullString
		if err := rows.Scan(&sym.ID, &pid, &sym.FilePath, &sym.Name, &kind, &sym.Line, &sym.UpdatedAt); err != nil {
			return nil, backendErr("search symbols", err)
		}
		sym.ProjectID = pid.String
		sym.Kind = kind.String
		out = append(out, &sym)
	}
	return out, rows.Err()
}

// RecordBuild inserts one build run and returns its id.
func (s *SQLStore) RecordBuild(ctx context.Context, b *models.BuildRun) (int64, error) {
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO build_runs (project_id, command, success, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?)`),
		b.ProjectID, b.Command, b.Success, b.DurationMs, b.Timestamp)
	if err != nil {
		return 0, backendErr("record build", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT id FROM build_runs WHERE project_id = ? ORDER BY id DESC LIMIT 1`), b.ProjectID)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, backendErr("record build", scanErr)
		}
	}
	b.ID = id
	return id, nil
}

// RecordBuildError inserts one captured build error.
func (s *SQLStore) RecordBuildError(ctx context.Context, e *models.BuildError) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO build_errors (build_id, file, line, message, severity)
		VALUES (?, ?, ?, ?, ?)`),
		e.BuildID, nullString(e.File), e.Line, e.Message, nullString(e.Severity))
	return backendErr("record build error", err)
}
