package models

import (
	"encoding/json"
	"time"
)

// OperationStatus is the lifecycle state of an operation. Transitions are
// forward-only: Pending -> Running -> (Delegated -> Running)* -> terminal.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationDelegated OperationStatus = "delegated"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// forward-only transition.
func (s OperationStatus) CanTransition(next OperationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OperationPending:
		return next == OperationRunning || next == OperationCancelled || next == OperationFailed
	case OperationRunning:
		return next == OperationDelegated || next.Terminal()
	case OperationDelegated:
		return next == OperationRunning || next.Terminal()
	}
	return false
}

// Operation is one user request, its turn loop, and its emitted event
// stream. Live state is owned by the orchestrator while running and
// flushed to storage on completion.
type Operation struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Kind           string          `json:"kind"`
	Status         OperationStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UserMessageRef int64           `json:"user_message_ref,omitempty"`
	ArtifactIDs    []string        `json:"artifact_ids,omitempty"`
}

// TaskStatus is the lifecycle state of an operation task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// OperationTask is a planned step within an operation. Tasks are totally
// ordered by Sequence; at most one task per operation may be InProgress.
type OperationTask struct {
	ID           int64      `json:"id"`
	OperationID  string     `json:"operation_id"`
	Sequence     int        `json:"sequence"`
	Description  string     `json:"description"`
	ActiveForm   string     `json:"active_form,omitempty"`
	Status       TaskStatus `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ArtifactKind classifies a file-shaped operation output.
type ArtifactKind string

const (
	ArtifactNewFile ArtifactKind = "new_file"
	ArtifactEdit    ArtifactKind = "edit"
	ArtifactDiff    ArtifactKind = "diff"
)

// Artifact is a file produced during an operation. Immutable once created.
type Artifact struct {
	ID          string       `json:"id"`
	OperationID string       `json:"operation_id"`
	FilePath    string       `json:"file_path"`
	Content     string       `json:"content"`
	Language    string       `json:"language,omitempty"`
	Kind        ArtifactKind `json:"kind"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall is an LLM request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// ThoughtSignature carries an opaque per-turn provider payload that
	// must be echoed back unchanged on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// ToolResult is the outcome of a tool execution, handed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCallRecord is the append-only audit row for a dispatched tool call.
type ToolCallRecord struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	OperationID   string          `json:"operation_id,omitempty"`
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	ResultSummary string          `json:"result_summary,omitempty"`
	Success       bool            `json:"success"`
	DurationMs    int64           `json:"duration_ms"`
	Timestamp     time.Time       `json:"timestamp"`
}
