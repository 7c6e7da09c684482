package tools

import (
	"context"
	"encoding/json"
)

// SpawnRequest asks for one agent run.
type SpawnRequest struct {
	AgentID      string   `json:"agent_id"`
	Task         string   `json:"task"`
	Context      string   `json:"context,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// SpawnResult is one agent run outcome. Err is per-slot: a failed slot
// never cancels its siblings.
type SpawnResult struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
}

// AgentSpawner runs agents on behalf of the spawn tools. The agents
// package provides the implementation; the orchestrator wires it in.
type AgentSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) SpawnResult
	SpawnParallel(ctx context.Context, reqs []SpawnRequest) []SpawnResult
}

// RegisterSpawnTools wires agent spawning onto the router.
func RegisterSpawnTools(r *Router, spawner AgentSpawner) {
	r.MustRegister(&spawnAgentTool{spawner})
	r.MustRegister(&spawnAgentsParallelTool{spawner})
}

type spawnAgentTool struct {
	spawner AgentSpawner
}

func (t *spawnAgentTool) Name() string { return "spawn_agent" }
func (t *spawnAgentTool) Description() string {
	return "Delegate a task to a named agent and wait for its result."
}
func (t *spawnAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id": {"type": "string"},
			"task": {"type": "string"},
			"context": {"type": "string"},
			"context_files": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["agent_id", "task"]
	}`)
}

func (t *spawnAgentTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var req SpawnRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	result := t.spawner.Spawn(ctx, req)
	payload, _ := json.Marshal(result)
	return &Result{Content: string(payload), IsError: result.Err != ""}, nil
}

type spawnAgentsParallelTool struct {
	spawner AgentSpawner
}

func (t *spawnAgentsParallelTool) Name() string { return "spawn_agents_parallel" }
func (t *spawnAgentsParallelTool) Description() string {
	return "Delegate several tasks to agents concurrently; results return in input order."
}
func (t *spawnAgentsParallelTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agents": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"agent_id": {"type": "string"},
						"task": {"type": "string"},
						"context": {"type": "string"},
						"context_files": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["agent_id", "task"]
				}
			}
		},
		"required": ["agents"]
	}`)
}

func (t *spawnAgentsParallelTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Agents []SpawnRequest `json:"agents"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	results := t.spawner.SpawnParallel(ctx, params.Agents)
	payload, _ := json.Marshal(results)
	return &Result{Content: string(payload)}, nil
}
