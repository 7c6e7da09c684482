package storage

// sqliteSchema creates every table family the core persists. Postgres
// uses the parallel postgresSchema list in postgres.go, which spells the
// same tables with postgres types.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_path TEXT,
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_summary_count INTEGER NOT NULL DEFAULT 0,
		rolling_summary_id INTEGER,
		inactive BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS message_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		response_id TEXT,
		parent_id INTEGER,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		tags TEXT,
		embedding_heads TEXT,
		point_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_session ON message_entries(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS message_analysis (
		entry_id INTEGER PRIMARY KEY,
		salience REAL NOT NULL DEFAULT 0,
		original_salience REAL NOT NULL DEFAULT 0,
		intent TEXT,
		topics TEXT,
		mood TEXT,
		intensity REAL NOT NULL DEFAULT 0,
		summary TEXT,
		contains_code BOOLEAN NOT NULL DEFAULT 0,
		programming_lang TEXT,
		contains_error BOOLEAN NOT NULL DEFAULT 0,
		error_type TEXT,
		error_severity TEXT,
		error_file TEXT,
		routed_to_heads TEXT,
		analysis_version TEXT,
		analyzed_at DATETIME,
		last_recalled DATETIME,
		recall_count INTEGER NOT NULL DEFAULT 0,
		model_version TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		summary_type TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		covered_message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		user_message_ref INTEGER,
		artifact_ids TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS operation_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		description TEXT NOT NULL,
		active_form TEXT,
		status TEXT NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
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
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_operation ON artifacts(operation_id)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		operation_id TEXT,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		result_summary TEXT,
		success BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
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
		confidence REAL NOT NULL DEFAULT 0.5,
		times_applied INTEGER NOT NULL DEFAULT 0,
		times_validated INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS error_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		template TEXT NOT NULL,
		raw TEXT,
		occurrences INTEGER NOT NULL DEFAULT 1,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		resolution TEXT,
		UNIQUE (project_id, tool_name, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS permission_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		project_id TEXT,
		tool_name TEXT NOT NULL,
		input_field TEXT,
		input_pattern TEXT,
		match_type TEXT NOT NULL,
		description TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (scope, project_id, tool_name, input_field, input_pattern)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		fact_key TEXT NOT NULL,
		content TEXT NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (project_id, fact_key)
	)`,
	`CREATE TABLE IF NOT EXISTS cochange_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		file_a TEXT NOT NULL,
		file_b TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL DEFAULT 0,
		last_seen DATETIME NOT NULL,
		UNIQUE (project_id, file_a, file_b)
	)`,
	`CREATE TABLE IF NOT EXISTS code_symbols (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		file_path TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT,
		line INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (project_id, file_path, name)
	)`,
	`CREATE TABLE IF NOT EXISTS build_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		command TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS build_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id INTEGER NOT NULL,
		file TEXT,
		line INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL,
		severity TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS coding_guidelines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		guideline TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}
