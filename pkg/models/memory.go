package models

import "time"

// CorrectionScope limits where a correction applies.
type CorrectionScope string

const (
	ScopeGlobal  CorrectionScope = "global"
	ScopeProject CorrectionScope = "project"
	ScopeSession CorrectionScope = "session"
)

// CorrectionStatus marks whether a correction is still injected.
type CorrectionStatus string

const (
	CorrectionActive  CorrectionStatus = "active"
	CorrectionRetired CorrectionStatus = "retired"
)

// Correction is a user-authored wrong-then-right pattern injected into
// future turns. Retired corrections are excluded from injection.
type Correction struct {
	ID             string           `json:"id"`
	Type           string           `json:"correction_type"`
	WhatWasWrong   string           `json:"what_was_wrong"`
	WhatIsRight    string           `json:"what_is_right"`
	Rationale      string           `json:"rationale,omitempty"`
	Scope          CorrectionScope  `json:"scope"`
	ScopeID        string           `json:"scope_id,omitempty"`
	Keywords       []string         `json:"keywords,omitempty"`
	Confidence     float64          `json:"confidence"`
	TimesApplied   int              `json:"times_applied"`
	TimesValidated int              `json:"times_validated"`
	Status         CorrectionStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ErrorPattern deduplicates tool and build failures by a stable
// fingerprint over the normalized first error line.
type ErrorPattern struct {
	ID          int64     `json:"id"`
	ProjectID   string    `json:"project_id"`
	ToolName    string    `json:"tool_name"`
	Fingerprint uint64    `json:"fingerprint"`
	Template    string    `json:"template"`
	Raw         string    `json:"raw"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Resolution  string    `json:"resolution,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (p *ErrorPattern) Resolved() bool { return p.Resolution != "" }

// PermissionMatchType selects how a permission rule matches tool input.
type PermissionMatchType string

const (
	MatchExact  PermissionMatchType = "exact"
	MatchPrefix PermissionMatchType = "prefix"
	MatchRegex  PermissionMatchType = "regex"
)

// PermissionRule auto-approves a tool call whose named input field
// matches the pattern. Unique on (scope, project, tool, field, pattern).
type PermissionRule struct {
	ID           int64               `json:"id"`
	Scope        CorrectionScope     `json:"scope"`
	ProjectID    string              `json:"project_id,omitempty"`
	ToolName     string              `json:"tool_name"`
	InputField   string              `json:"input_field,omitempty"`
	InputPattern string              `json:"input_pattern,omitempty"`
	MatchType    PermissionMatchType `json:"match_type"`
	Description  string              `json:"description,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// MemoryFact is a durable key/value fact remembered on request.
type MemoryFact struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Embedded  bool      `json:"embedded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CochangePattern records a pair of files that historically change
// together, with how often and how confidently.
type CochangePattern struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	FileA      string    `json:"file_a"`
	FileB      string    `json:"file_b"`
	Count      int       `json:"count"`
	Confidence float64   `json:"confidence"`
	LastSeen   time.Time `json:"last_seen"`
}

// CodeSymbol is an extracted symbol used by keyword recall.
type CodeSymbol struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	FilePath  string    `json:"file_path"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	Line      int       `json:"line,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BuildRun records one invocation of a build tool.
type BuildRun struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	Command    string    `json:"command"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// BuildError is one error captured from a failed build run.
type BuildError struct {
	ID       int64  `json:"id"`
	BuildID  int64  `json:"build_id"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}
