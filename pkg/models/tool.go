package models

import "encoding/json"

// ToolSchema describes one tool exposed to the LLM: a globally unique
// name, a natural-language description, and a JSON Schema for arguments.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
