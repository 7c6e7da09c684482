package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

// RegisterTaskTools wires the operation-task CRUD surface.
func RegisterTaskTools(r *Router, ops storage.OperationStore) {
	r.MustRegister(&createTaskTool{ops})
	r.MustRegister(&updateTaskTool{ops})
	r.MustRegister(&completeTaskTool{ops})
	r.MustRegister(&listTasksTool{ops})
}

type createTaskTool struct{ ops storage.OperationStore }

func (t *createTaskTool) Name() string        { return "create_task" }
func (t *createTaskTool) Description() string { return "Plan a step within the current operation." }
func (t *createTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sequence": {"type": "integer", "minimum": 1},
			"description": {"type": "string"},
			"active_form": {"type": "string"}
		},
		"required": ["sequence", "description"]
	}`)
}

func (t *createTaskTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Sequence    int    `json:"sequence"`
		Description string `json:"description"`
		ActiveForm  string `json:"active_form"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	task := &models.OperationTask{
		OperationID: dispatchCtx(ctx).OperationID,
		Sequence:    params.Sequence,
		Description: params.Description,
		ActiveForm:  params.ActiveForm,
		Status:      models.TaskPending,
	}
	id, err := t.ops.CreateTask(ctx, task)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf(`{"task_id": %d}`, id)}, nil
}

type updateTaskTool struct{ ops storage.OperationStore }

func (t *updateTaskTool) Name() string { return "update_task" }
func (t *updateTaskTool) Description() string {
	return "Move a task to in_progress or record a failure."
}
func (t *updateTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {"type": "integer"},
			"status": {"type": "string", "enum": ["pending", "in_progress", "failed"]},
			"error_message": {"type": "string"}
		},
		"required": ["task_id", "status"]
	}`)
}

func (t *updateTaskTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		TaskID       int64  `json:"task_id"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	task, err := findTask(ctx, t.ops, params.TaskID)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	task.Status = models.TaskStatus(params.Status)
	now := time.Now().UTC()
	switch task.Status {
	case models.TaskInProgress:
		task.StartedAt = &now
	case models.TaskFailed:
		task.CompletedAt = &now
		task.ErrorMessage = params.ErrorMessage
	}
	if err := t.ops.UpdateTask(ctx, task); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "updated"}, nil
}

type completeTaskTool struct{ ops storage.OperationStore }

func (t *completeTaskTool) Name() string        { return "complete_task" }
func (t *completeTaskTool) Description() string { return "Mark a task completed." }
func (t *completeTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"task_id": {"type": "integer"}},
		"required": ["task_id"]
	}`)
}

func (t *completeTaskTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	task, err := findTask(ctx, t.ops, params.TaskID)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	now := time.Now().UTC()
	task.Status = models.TaskCompleted
	task.CompletedAt = &now
	if err := t.ops.UpdateTask(ctx, task); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "completed"}, nil
}

type listTasksTool struct{ ops storage.OperationStore }

func (t *listTasksTool) Name() string        { return "list_tasks" }
func (t *listTasksTool) Description() string { return "List the current operation's tasks in order." }
func (t *listTasksTool) ParallelSafe() bool  { return true }
func (t *listTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *listTasksTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	tasks, err := t.ops.ListTasks(ctx, dispatchCtx(ctx).OperationID)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	payload, _ := json.Marshal(tasks)
	return &Result{Content: string(payload)}, nil
}

func findTask(ctx context.Context, ops storage.OperationStore, taskID int64) (*models.OperationTask, error) {
	tasks, err := ops.ListTasks(ctx, dispatchCtx(ctx).OperationID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.ID == taskID {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %d not found in this operation", taskID)
}

// RegisterBuildTools wires the build and error-pattern surface.
func RegisterBuildTools(r *Router, projects storage.ProjectStore, errors *errstore.Store) {
	r.MustRegister(&recordBuildTool{projects})
	r.MustRegister(&recordBuildErrorTool{projects, errors})
	r.MustRegister(&resolveErrorTool{errors})
	r.MustRegister(&findSimilarFixesTool{errors})
	r.MustRegister(&recordErrorFixTool{errors})
}

type recordBuildTool struct{ projects storage.ProjectStore }

func (t *recordBuildTool) Name() string        { return "record_build" }
func (t *recordBuildTool) Description() string { return "Record a build invocation and its outcome." }
func (t *recordBuildTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"success": {"type": "boolean"},
			"duration_ms": {"type": "integer"}
		},
		"required": ["command", "success"]
	}`)
}

func (t *recordBuildTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Command    string `json:"command"`
		Success    bool   `json:"success"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	id, err := t.projects.RecordBuild(ctx, &models.BuildRun{
		ProjectID:  dispatchCtx(ctx).ProjectID,
		Command:    params.Command,
		Success:    params.Success,
		DurationMs: params.DurationMs,
	})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf(`{"build_id": %d}`, id)}, nil
}

type recordBuildErrorTool struct {
	projects storage.ProjectStore
	errors   *errstore.Store
}

func (t *recordBuildErrorTool) Name() string { return "record_build_error" }
func (t *recordBuildErrorTool) Description() string {
	return "Record one error from a failed build; also fingerprints it for deduplication."
}
func (t *recordBuildErrorTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"build_id": {"type": "integer"},
			"message": {"type": "string"},
			"file": {"type": "string"},
			"line": {"type": "integer"},
			"severity": {"type": "string"}
		},
		"required": ["build_id", "message"]
	}`)
}

func (t *recordBuildErrorTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		BuildID  int64  `json:"build_id"`
		Message  string `json:"message"`
		File     string `json:"file"`
		Line     int    `json:"line"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	err := t.projects.RecordBuildError(ctx, &models.BuildError{
		BuildID:  params.BuildID,
		File:     params.File,
		Line:     params.Line,
		Message:  params.Message,
		Severity: params.Severity,
	})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if _, err := t.errors.RecordFailure(ctx, dispatchCtx(ctx).ProjectID, "build", params.Message); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "recorded"}, nil
}

type resolveErrorTool struct{ errors *errstore.Store }

func (t *resolveErrorTool) Name() string { return "resolve_error" }
func (t *resolveErrorTool) Description() string {
	return "Attach a resolution to a known error pattern."
}
func (t *resolveErrorTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool_name": {"type": "string"},
			"error_text": {"type": "string"},
			"resolution": {"type": "string"}
		},
		"required": ["tool_name", "error_text", "resolution"]
	}`)
}

func (t *resolveErrorTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		ToolName   string `json:"tool_name"`
		ErrorText  string `json:"error_text"`
		Resolution string `json:"resolution"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	err := t.errors.Resolve(ctx, dispatchCtx(ctx).ProjectID, params.ToolName, params.ErrorText, params.Resolution)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "resolved"}, nil
}

type findSimilarFixesTool struct{ errors *errstore.Store }

func (t *findSimilarFixesTool) Name() string { return "find_similar_fixes" }
func (t *findSimilarFixesTool) Description() string {
	return "Find stored resolutions for errors similar to the given text."
}
func (t *findSimilarFixesTool) ParallelSafe() bool { return true }
func (t *findSimilarFixesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"error_text": {"type": "string"},
			"limit": {"type": "integer"}
		},
		"required": ["error_text"]
	}`)
}

func (t *findSimilarFixesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		ErrorText string `json:"error_text"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	fixes, err := t.errors.SimilarFixes(ctx, dispatchCtx(ctx).ProjectID, params.ErrorText, params.Limit)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	payload, _ := json.Marshal(fixes)
	return &Result{Content: string(payload)}, nil
}

type recordErrorFixTool struct{ errors *errstore.Store }

func (t *recordErrorFixTool) Name() string { return "record_error_fix" }
func (t *recordErrorFixTool) Description() string {
	return "Record an error occurrence together with the fix that worked."
}
func (t *recordErrorFixTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool_name": {"type": "string"},
			"error_text": {"type": "string"},
			"fix": {"type": "string"}
		},
		"required": ["tool_name", "error_text", "fix"]
	}`)
}

func (t *recordErrorFixTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		ToolName  string `json:"tool_name"`
		ErrorText string `json:"error_text"`
		Fix       string `json:"fix"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	projectID := dispatchCtx(ctx).ProjectID
	if _, err := t.errors.RecordFailure(ctx, projectID, params.ToolName, params.ErrorText); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := t.errors.Resolve(ctx, projectID, params.ToolName, params.ErrorText, params.Fix); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "recorded fix"}, nil
}
