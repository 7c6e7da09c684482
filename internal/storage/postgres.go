package storage

import (
	"database/sql"

	_ "github.com/lib/pq" // Postgres driver
)

// OpenPostgres opens a postgres-backed store. The implementation is the
// shared SQLStore; placeholders are rebound to $n and the DDL uses
// postgres type spellings.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, backendErr("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, backendErr("open", err)
	}

	s := &SQLStore{db: db, postgres: true, sessionLocks: make(map[string]*sessionLock)}
	if err := s.init(postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_path TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL,
		message_count BIGINT NOT NULL DEFAULT 0,
		last_summary_count BIGINT NOT NULL DEFAULT 0,
		rolling_summary_id BIGINT,
		inactive BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS message_entries (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		response_id TEXT,
		parent_id BIGINT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		tags TEXT,
		embedding_heads TEXT,
		point_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_session ON message_entries(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS message_analysis (
		entry_id BIGINT PRIMARY KEY,
		salience DOUBLE PRECISION NOT NULL DEFAULT 0,
		original_salience DOUBLE PRECISION NOT NULL DEFAULT 0,
		intent TEXT,
		topics TEXT,
		mood TEXT,
		intensity DOUBLE PRECISION NOT NULL DEFAULT 0,
		summary TEXT,
		contains_code BOOLEAN NOT NULL DEFAULT FALSE,
		programming_lang TEXT,
		contains_error BOOLEAN NOT NULL DEFAULT FALSE,
		error_type TEXT,
		error_severity TEXT,
		error_file TEXT,
		routed_to_heads TEXT,
		analysis_version TEXT,
		analyzed_at TIMESTAMPTZ,
		last_recalled TIMESTAMPTZ,
		recall_count BIGINT NOT NULL DEFAULT 0,
		model_version TEXT,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		reasoning_tokens BIGINT NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary_type TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		covered_message_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		user_message_ref BIGINT,
		artifact_ids TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS operation_tasks (
		id BIGSERIAL PRIMARY KEY,
		operation_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		description TEXT NOT NULL,
		active_form TEXT,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		UNIQUE (operation_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT,
		kind TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_operation ON artifacts(operation_id)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		operation_id TEXT,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		result_summary TEXT,
		success BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_operation ON tool_calls(operation_id)`,
	`CREATE TABLE IF NOT EXISTS corrections (
		id TEXT PRIMARY KEY,
		correction_type TEXT NOT NULL,
		what_was_wrong TEXT NOT NULL,
		what_is_right TEXT NOT NULL,
		rationale TEXT,
		scope TEXT NOT NULL,
		scope_id TEXT,
		keywords TEXT,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		times_applied BIGINT NOT NULL DEFAULT 0,
		times_validated BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS error_patterns (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		template TEXT NOT NULL,
		raw TEXT,
		occurrences BIGINT NOT NULL DEFAULT 1,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		resolution TEXT,
		UNIQUE (project_id, tool_name, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS permission_rules (
		id BIGSERIAL PRIMARY KEY,
		scope TEXT NOT NULL,
		project_id TEXT,
		tool_name TEXT NOT NULL,
		input_field TEXT,
		input_pattern TEXT,
		match_type TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (scope, project_id, tool_name, input_field, input_pattern)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_facts (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT,
		fact_key TEXT NOT NULL,
		content TEXT NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (project_id, fact_key)
	)`,
	`CREATE TABLE IF NOT EXISTS cochange_patterns (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		file_a TEXT NOT NULL,
		file_b TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 1,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seen TIMESTAMPTZ NOT NULL,
		UNIQUE (project_id, file_a, file_b)
	)`,
	`CREATE TABLE IF NOT EXISTS code_symbols (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT,
		file_path TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT,
		line BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (project_id, file_path, name)
	)`,
	`CREATE TABLE IF NOT EXISTS build_runs (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		command TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS build_errors (
		id BIGSERIAL PRIMARY KEY,
		build_id BIGINT NOT NULL,
		file TEXT,
		line BIGINT NOT NULL DEFAULT 0,
		message TEXT NOT NULL,
		severity TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS coding_guidelines (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT,
		guideline TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}
