package models

import "regexp"

// AgentOrigin distinguishes built-in agents from user-defined ones.
type AgentOrigin string

const (
	AgentBuiltIn AgentOrigin = "builtin"
	AgentCustom  AgentOrigin = "custom"
)

// ExecutionMode selects how an agent runs.
type ExecutionMode string

const (
	ExecInProcess  ExecutionMode = "in_process"
	ExecSubprocess ExecutionMode = "subprocess"
)

// ToolAccessPolicy is a named tool restriction level.
type ToolAccessPolicy string

const (
	// AccessReadOnly forbids any tool that writes files or executes shell.
	AccessReadOnly ToolAccessPolicy = "read_only"
	// AccessResearchSafe allows every tool except file writes and shell,
	// so web, memory, task and spawn tools are all permitted.
	AccessResearchSafe ToolAccessPolicy = "research_safe"
	// AccessFull allows every registered tool.
	AccessFull ToolAccessPolicy = "full"
)

// ToolAccess constrains which tools an agent may call: either a named
// policy or an explicit allow-list of tool names.
type ToolAccess struct {
	Policy    ToolAccessPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	AllowList []string         `json:"allow_list,omitempty" yaml:"allow_list,omitempty"`
}

// AgentDefinition is a named policy bundle an operation can delegate to.
type AgentDefinition struct {
	ID            string        `json:"id" yaml:"id"`
	DisplayName   string        `json:"display_name" yaml:"display_name"`
	Origin        AgentOrigin   `json:"origin" yaml:"-"`
	SystemPrompt  string        `json:"system_prompt" yaml:"system_prompt"`
	Access        ToolAccess    `json:"access" yaml:"access"`
	Mode          ExecutionMode `json:"mode" yaml:"mode"`
	ModelOverride string        `json:"model_override,omitempty" yaml:"model,omitempty"`
}

// Built-in agent identifiers. These always exist and may not be shadowed
// by custom agents.
const (
	AgentExplore = "explore"
	AgentPlan    = "plan"
	AgentGeneral = "general"
)

var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidAgentID reports whether id is a legal custom agent identifier.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// IsBuiltInAgent reports whether id names one of the three built-ins.
func IsBuiltInAgent(id string) bool {
	return id == AgentExplore || id == AgentPlan || id == AgentGeneral
}
