// Package models defines the shared data model for the Mira memory and
// operation engine: message entries and their analysis, summaries,
// operations, agents, corrections, and recall results.
package models

import (
	"strings"
	"time"
)

// Role indicates the author type of a message entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleSummary   Role = "summary"
	RoleDocument  Role = "document"
)

// SalienceFloor is the minimum salience decay may reach on the 0-10 scale.
const SalienceFloor = 2.0

// MessageEntry is one persisted message with its asynchronously filled
// analysis and embedding slots. The relational row is append-only; the
// analysis lives in a 1:1 sibling record so the entry itself never mutates.
type MessageEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ResponseID string    `json:"response_id,omitempty"`
	ParentID   *int64    `json:"parent_id,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags,omitempty"`

	// Analysis is nil until the message pipeline has run.
	Analysis *Analysis `json:"analysis,omitempty"`

	// Embedding slots, filled when the vector store is available.
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingHeads []string  `json:"embedding_heads,omitempty"`
	PointIDs       []string  `json:"point_ids,omitempty"`
}

// Analysis holds the derived signals for a message entry. Salience is
// mutable (decay, recall boosts); OriginalSalience is written once and
// never changes afterwards.
type Analysis struct {
	Salience         float64    `json:"salience"`
	OriginalSalience float64    `json:"original_salience"`
	Intent           string     `json:"intent,omitempty"`
	Topics           []string   `json:"topics,omitempty"`
	Mood             string     `json:"mood,omitempty"`
	Intensity        float64    `json:"intensity,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	ContainsCode     bool       `json:"contains_code,omitempty"`
	ProgrammingLang  string     `json:"programming_lang,omitempty"`
	ContainsError    bool       `json:"contains_error,omitempty"`
	ErrorType        string     `json:"error_type,omitempty"`
	ErrorSeverity    string     `json:"error_severity,omitempty"`
	ErrorFile        string     `json:"error_file,omitempty"`
	RoutedToHeads    []string   `json:"routed_to_heads,omitempty"`
	AnalysisVersion  string     `json:"analysis_version,omitempty"`
	AnalyzedAt       time.Time  `json:"analyzed_at,omitempty"`
	LastRecalled     *time.Time `json:"last_recalled,omitempty"`
	RecallCount      int64      `json:"recall_count,omitempty"`

	// Turn metadata captured from the provider for assistant entries.
	ModelVersion     string `json:"model_version,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens,omitempty"`
	CompletionTokens int64  `json:"completion_tokens,omitempty"`
	ReasoningTokens  int64  `json:"reasoning_tokens,omitempty"`
	LatencyMs        int64  `json:"latency_ms,omitempty"`
}

// UserMessage builds an unanalyzed user entry for a session.
func UserMessage(sessionID, content string) *MessageEntry {
	return &MessageEntry{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// AssistantMessage builds an unanalyzed assistant entry for a session.
func AssistantMessage(sessionID, content string) *MessageEntry {
	e := UserMessage(sessionID, content)
	e.Role = RoleAssistant
	return e
}

// DocumentMessage builds a document entry tagged with its source file.
func DocumentMessage(sessionID, content, filePath string) *MessageEntry {
	e := UserMessage(sessionID, content)
	e.Role = RoleDocument
	e.Tags = []string{"document", "file:" + filePath}
	return e
}

// HasTag reports whether the entry carries the given tag.
func (e *MessageEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProjectID returns the project identified by a "project:" tag, if any.
func (e *MessageEntry) ProjectID() string {
	for _, t := range e.Tags {
		if rest, ok := strings.CutPrefix(t, "project:"); ok {
			return rest
		}
	}
	return ""
}

// SummaryType identifies a summary strategy.
type SummaryType string

const (
	SummaryRolling  SummaryType = "rolling"
	SummarySnapshot SummaryType = "snapshot"
)

// Summary is a narrative digest of a span of session messages. The newest
// rolling summary supersedes older rolling summaries for recall; snapshots
// are immutable once created.
type Summary struct {
	ID                  int64       `json:"id"`
	SessionID           string      `json:"session_id"`
	Type                SummaryType `json:"type"`
	Text                string      `json:"text"`
	CoveredMessageCount int         `json:"covered_message_count"`
	CreatedAt           time.Time   `json:"created_at"`
	Embedded            bool        `json:"embedded,omitempty"`
}

// SessionState tracks per-session bookkeeping. MessageCount is derived
// from the entry table and never authoritative.
type SessionState struct {
	ID               string    `json:"id"`
	ProjectPath      string    `json:"project_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
	MessageCount     int       `json:"message_count"`
	RollingSummaryID *int64    `json:"rolling_summary_id,omitempty"`
	Inactive         bool      `json:"inactive,omitempty"`
}
