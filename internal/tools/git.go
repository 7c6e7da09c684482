package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RegisterGitTools wires the read-only git surface. All commands shell
// out to the git binary against the configured repository root.
func RegisterGitTools(r *Router, repoDir string) {
	g := gitRunner{repoDir: repoDir}
	r.MustRegister(&gitHistoryTool{g})
	r.MustRegister(&gitBlameTool{g})
	r.MustRegister(&gitDiffTool{g})
	r.MustRegister(&gitBranchesTool{g})
	r.MustRegister(&gitShowTool{g})
	r.MustRegister(&gitStatusTool{g})
}

type gitRunner struct {
	repoDir string
}

func (g gitRunner) run(ctx context.Context, args ...string) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = g.repoDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return &Result{Content: msg, IsError: true}, nil
	}
	return &Result{Content: truncateOutput(stdout.String())}, nil
}

// validRef rejects ref arguments that could be parsed as git options.
func validRef(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "-")
}

type gitHistoryTool struct{ git gitRunner }

func (t *gitHistoryTool) Name() string        { return "git_history" }
func (t *gitHistoryTool) Description() string { return "Show commit history, optionally for one path." }
func (t *gitHistoryTool) ParallelSafe() bool  { return true }
func (t *gitHistoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 200}
		}
	}`)
}

func (t *gitHistoryTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path  string `json:"path"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	gitArgs := []string{"log", fmt.Sprintf("--max-count=%d", params.Limit), "--pretty=format:%h %ad %an %s", "--date=short"}
	if params.Path != "" {
		if strings.HasPrefix(params.Path, "-") {
			return &Result{Content: "invalid path", IsError: true}, nil
		}
		gitArgs = append(gitArgs, "--", params.Path)
	}
	return t.git.run(ctx, gitArgs...)
}

type gitBlameTool struct{ git gitRunner }

func (t *gitBlameTool) Name() string        { return "git_blame" }
func (t *gitBlameTool) Description() string { return "Annotate a file with last-modified commits." }
func (t *gitBlameTool) ParallelSafe() bool  { return true }
func (t *gitBlameTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
}

func (t *gitBlameTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if strings.HasPrefix(params.Path, "-") {
		return &Result{Content: "invalid path", IsError: true}, nil
	}
	return t.git.run(ctx, "blame", "--date=short", "--", params.Path)
}

type gitDiffTool struct{ git gitRunner }

func (t *gitDiffTool) Name() string        { return "git_diff" }
func (t *gitDiffTool) Description() string { return "Show a diff between refs or the working tree." }
func (t *gitDiffTool) ParallelSafe() bool  { return true }
func (t *gitDiffTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"base": {"type": "string"},
			"head": {"type": "string"},
			"path": {"type": "string"}
		}
	}`)
}

func (t *gitDiffTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Base string `json:"base"`
		Head string `json:"head"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	gitArgs := []string{"diff"}
	if params.Base != "" {
		if !validRef(params.Base) {
			return &Result{Content: "invalid base ref", IsError: true}, nil
		}
		spec := params.Base
		if params.Head != "" {
			if !validRef(params.Head) {
				return &Result{Content: "invalid head ref", IsError: true}, nil
			}
			spec += ".." + params.Head
		}
		gitArgs = append(gitArgs, spec)
	}
	if params.Path != "" {
		if strings.HasPrefix(params.Path, "-") {
			return &Result{Content: "invalid path", IsError: true}, nil
		}
		gitArgs = append(gitArgs, "--", params.Path)
	}
	return t.git.run(ctx, gitArgs...)
}

type gitBranchesTool struct{ git gitRunner }

func (t *gitBranchesTool) Name() string        { return "git_branches" }
func (t *gitBranchesTool) Description() string { return "List branches with their tips." }
func (t *gitBranchesTool) ParallelSafe() bool  { return true }
func (t *gitBranchesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *gitBranchesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.git.run(ctx, "branch", "--all", "--verbose")
}

type gitShowTool struct{ git gitRunner }

func (t *gitShowTool) Name() string        { return "git_show" }
func (t *gitShowTool) Description() string { return "Show details of one commit." }
func (t *gitShowTool) ParallelSafe() bool  { return true }
func (t *gitShowTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"ref": {"type": "string"}},
		"required": ["ref"]
	}`)
}

func (t *gitShowTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if !validRef(params.Ref) {
		return &Result{Content: "invalid ref", IsError: true}, nil
	}
	return t.git.run(ctx, "show", "--stat", "--pretty=fuller", params.Ref)
}

type gitStatusTool struct{ git gitRunner }

func (t *gitStatusTool) Name() string        { return "git_status" }
func (t *gitStatusTool) Description() string { return "Show working tree status." }
func (t *gitStatusTool) ParallelSafe() bool  { return true }
func (t *gitStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *gitStatusTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.git.run(ctx, "status", "--short", "--branch")
}
