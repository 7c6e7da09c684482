package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/haasonsaas/mira/pkg/models"
)

// ---- OperationStore ----

// SaveOperation inserts a new operation row.
func (s *SQLStore) SaveOperation(ctx context.Context, op *models.Operation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO operations (id, session_id, kind, status, created_at, started_at, finished_at, user_message_ref, artifact_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		op.ID, op.SessionID, op.Kind, string(op.Status), op.CreatedAt,
		nullTime(op.StartedAt), nullTime(op.FinishedAt), op.UserMessageRef, marshalList(op.ArtifactIDs))
	if err != nil {
		return backendErr("save operation", err)
	}
	return nil
}

// UpdateOperation flushes live operation state to storage.
func (s *SQLStore) UpdateOperation(ctx context.Context, op *models.Operation) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE operations SET status = ?, started_at = ?, finished_at = ?, user_message_ref = ?, artifact_ids = ?
		WHERE id = ?`),
		string(op.Status), nullTime(op.StartedAt), nullTime(op.FinishedAt),
		op.UserMessageRef, marshalList(op.ArtifactIDs), op.ID)
	if err != nil {
		return backendErr("update operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("update operation")
	}
	return nil
}

// GetOperation loads one operation row.
func (s *SQLStore) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	var op models.Operation
	var status, artifactIDs string
	var started, finished sql.NullTime
	var userRef sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, session_id, kind, status, created_at, started_at, finished_at, user_message_ref, artifact_ids
		FROM operations WHERE id = ?`), id,
	).Scan(&op.ID, &op.SessionID, &op.Kind, &status, &op.CreatedAt, &started, &finished, &userRef, &artifactIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("get operation")
	}
	if err != nil {
		return nil, backendErr("get operation", err)
	}
	op.Status = models.OperationStatus(status)
	if started.Valid {
		op.StartedAt = &started.Time
	}
	if finished.Valid {
		op.FinishedAt = &finished.Time
	}
	op.UserMessageRef = userRef.Int64
	op.ArtifactIDs = unmarshalList(artifactIDs)
	return &op, nil
}

// CreateTask inserts a planned step. The (operation, sequence) pair is
// unique; a duplicate surfaces as a Conflict.
func (s *SQLStore) CreateTask(ctx context.Context, t *models.OperationTask) (int64, error) {
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO operation_tasks (operation_id, sequence, description, active_form, status, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.OperationID, t.Sequence, t.Description, nullString(t.ActiveForm),
		string(t.Status), nullTime(t.StartedAt), nullTime(t.CompletedAt), nullString(t.ErrorMessage))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, conflictErr("create task", err)
		}
		return 0, backendErr("create task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		row := s.db.QueryRowContext(ctx, s.q(`
			SELECT id FROM operation_tasks WHERE operation_id = ? AND sequence = ?`),
			t.OperationID, t.Sequence)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, backendErr("create task", scanErr)
		}
	}
	t.ID = id
	return id, nil
}

// UpdateTask updates a task's status and timestamps. Moving a task to
// InProgress while a sibling is InProgress is a Conflict.
func (s *SQLStore) UpdateTask(ctx context.Context, t *models.OperationTask) error {
	if t.Status == models.TaskInProgress {
		var other int
		err := s.db.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM operation_tasks
			WHERE operation_id = ? AND status = 'in_progress' AND id != ?`),
			t.OperationID, t.ID).Scan(&other)
		if err != nil {
			return backendErr("update task", err)
		}
		if other > 0 {
			return conflictErr("update task", errors.New("another task is already in progress"))
		}
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE operation_tasks SET description = ?, active_form = ?, status = ?, started_at = ?, completed_at = ?, error_message = ?
		WHERE id = ?`),
		t.Description, nullString(t.ActiveForm), string(t.Status),
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullString(t.ErrorMessage), t.ID)
	if err != nil {
		return backendErr("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("update task")
	}
	return nil
}

// ListTasks returns an operation's tasks in sequence order.
func (s *SQLStore) ListTasks(ctx context.Context, operationID string) ([]*models.OperationTask, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, operation_id, sequence, description, active_form, status, started_at, completed_at, error_message
		FROM operation_tasks WHERE operation_id = ? ORDER BY sequence ASC`), operationID)
	if err != nil {
		return nil, backendErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*models.OperationTask
	for rows.Next() {
		var t models.OperationTask
		var status string
		var started, completed sql.NullTime
		var af, em sql.NullString
		if err := rows.Scan(&t.ID, &t.OperationID, &t.Sequence, &t.Description, &af, &status, &started, &completed, &em); err != nil {
			return nil, backendErr("list tasks", err)
		}
		t.ActiveForm = af.String
		t.ErrorMessage = em.String
		t.Status = models.TaskStatus(status)
		if started.Valid {
			t.StartedAt = &started.Time
		}
		if completed.Valid {
			t.CompletedAt = &completed.Time
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SaveArtifact inserts an immutable artifact row.
func (s *SQLStore) SaveArtifact(ctx context.Context, a *models.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO artifacts (id, operation_id, file_path, content, language, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.OperationID, a.FilePath, a.Content, nullString(a.Language), string(a.Kind), a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictErr("save artifact", err)
		}
		return backendErr("save artifact", err)
	}
	return nil
}

// ListArtifacts returns an operation's artifacts in creation order.
func (s *SQLStore) ListArtifacts(ctx context.Context, operationID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, operation_id, file_path, content, language, kind, created_at
		FROM artifacts WHERE operation_id = ? ORDER BY created_at ASC, id ASC`), operationID)
	if err != nil {
		return nil, backendErr("list artifacts", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		var lang sql.NullString
		var kind string
		if err := rows.Scan(&a.ID, &a.OperationID, &a.FilePath, &a.Content, &lang, &kind, &a.CreatedAt); err != nil {
			return nil, backendErr("list artifacts", err)
		}
		a.Language = lang.String
		a.Kind = models.ArtifactKind(kind)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// ---- ToolCallStore ----

// RecordToolCall appends one audit row.
func (s *SQLStore) RecordToolCall(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tool_calls (session_id, operation_id, tool_name, arguments, result_summary, success, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.SessionID, nullString(rec.OperationID), rec.ToolName,
		nullString(string(rec.Arguments)), nullString(rec.ResultSummary),
		rec.Success, rec.DurationMs, rec.Timestamp)
	return backendErr("record tool call", err)
}

// ListToolCalls returns the audit rows for an operation in order.
func (s *SQLStore) ListToolCalls(ctx context.Context, operationID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, operation_id, tool_name, arguments, result_summary, success, duration_ms, timestamp
		FROM tool_calls WHERE operation_id = ? ORDER BY id ASC`), operationID)
	if err != nil {
		return nil, backendErr("list tool calls", err)
	}
	defer rows.Close()

	var records []*models.ToolCallRecord
	for rows.Next() {
		var r models.ToolCallRecord
		var opID, args, summary sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &opID, &r.ToolName, &args, &summary, &r.Success, &r.DurationMs, &r.Timestamp); err != nil {
			return nil, backendErr("list tool calls", err)
		}
		r.OperationID = opID.String
		if args.Valid {
			r.Arguments = []byte(args.String)
		}
		r.ResultSummary = summary.String
		records = append(records, &r)
	}
	return records, rows.Err()
}
