package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

// maxFileReadSize caps read_file output.
const maxFileReadSize = 1 << 20

// fileRoot resolves a tool path against the configured working
// directory and refuses escapes.
type fileRoot struct {
	workDir string
}

func (f fileRoot) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(f.workDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	if f.workDir != "" {
		rel, err := filepath.Rel(f.workDir, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path escapes working directory: %s", path)
		}
	}
	return resolved, nil
}

// RegisterFileTools wires the file tool family onto the router.
// Symbols extracted by extract_symbols land in the project store for
// keyword recall.
func RegisterFileTools(r *Router, workDir string, projects storage.ProjectStore) {
	root := fileRoot{workDir: workDir}
	r.MustRegister(&readFileTool{root})
	r.MustRegister(&writeFileTool{root})
	r.MustRegister(&listFilesTool{root})
	r.MustRegister(&grepFilesTool{root})
	r.MustRegister(&summarizeFileTool{root})
	r.MustRegister(&extractSymbolsTool{root, projects})
	r.MustRegister(&countLinesTool{root})
}

type readFileTool struct{ root fileRoot }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read a file's contents." }
func (t *readFileTool) ParallelSafe() bool  { return true }
func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, absolute or relative to the working directory"}
		},
		"required": ["path"]
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	path, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if info.Size() > maxFileReadSize {
		return &Result{Content: fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), maxFileReadSize), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: string(data)}, nil
}

type writeFileTool struct{ root fileRoot }

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Write content to a file, creating it if needed."
}
func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"},
			"language": {"type": "string", "description": "Optional language hint for the artifact"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *writeFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	path, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	kind := models.ArtifactNewFile
	if _, statErr := os.Stat(path); statErr == nil {
		kind = models.ArtifactEdit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path),
		File: &FileOutput{
			Path:     params.Path,
			Content:  params.Content,
			Language: params.Language,
			Kind:     kind,
		},
	}, nil
}

type listFilesTool struct{ root fileRoot }

func (t *listFilesTool) Name() string        { return "list_files" }
func (t *listFilesTool) Description() string { return "List files under a directory." }
func (t *listFilesTool) ParallelSafe() bool  { return true }
func (t *listFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list; defaults to the working directory"},
			"recursive": {"type": "boolean"}
		}
	}`)
}

func (t *listFilesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		params.Path = "."
	}
	dir, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	var lines []string
	if params.Recursive {
		err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			if !d.IsDir() {
				rel, _ := filepath.Rel(dir, path)
				lines = append(lines, rel)
			}
			if len(lines) >= 2000 {
				return filepath.SkipAll
			}
			return nil
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(dir)
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			lines = append(lines, name)
		}
	}
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: strings.Join(lines, "\n")}, nil
}

type grepFilesTool struct{ root fileRoot }

func (t *grepFilesTool) Name() string { return "grep_files" }
func (t *grepFilesTool) Description() string {
	return "Search file contents with a regular expression."
}
func (t *grepFilesTool) ParallelSafe() bool { return true }
func (t *grepFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"path": {"type": "string", "description": "Directory to search; defaults to the working directory"},
			"max_results": {"type": "integer"}
		},
		"required": ["pattern"]
	}`)
}

func (t *grepFilesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return &Result{Content: "bad pattern: " + err.Error(), IsError: true}, nil
	}
	if params.Path == "" {
		params.Path = "."
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 100
	}
	dir, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	var matches []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			if d != nil && d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				rel, _ := filepath.Rel(dir, path)
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, scanner.Text()))
				if len(matches) >= params.MaxResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return &Result{Content: "cancelled", IsError: true}, nil
	}
	if len(matches) == 0 {
		return &Result{Content: "no matches"}, nil
	}
	return &Result{Content: strings.Join(matches, "\n")}, nil
}

type summarizeFileTool struct{ root fileRoot }

func (t *summarizeFileTool) Name() string { return "summarize_file" }
func (t *summarizeFileTool) Description() string {
	return "Produce a structural outline of a file: size, line count, and leading content."
}
func (t *summarizeFileTool) ParallelSafe() bool { return true }
func (t *summarizeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
}

func (t *summarizeFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	path, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	lines := strings.Split(string(data), "\n")
	head := lines
	if len(head) > 40 {
		head = head[:40]
	}
	symbols := extractSymbols(params.Path, string(data))
	var symbolNames []string
	for _, s := range symbols {
		symbolNames = append(symbolNames, s.Name)
		if len(symbolNames) == 20 {
			break
		}
	}
	payload, _ := json.Marshal(map[string]any{
		"path":    params.Path,
		"bytes":   len(data),
		"lines":   len(lines),
		"symbols": symbolNames,
		"head":    strings.Join(head, "\n"),
	})
	return &Result{Content: string(payload)}, nil
}

type extractSymbolsTool struct {
	root     fileRoot
	projects storage.ProjectStore
}

func (t *extractSymbolsTool) Name() string { return "extract_symbols" }
func (t *extractSymbolsTool) Description() string {
	return "Extract function, type, and class names from a source file and index them for recall."
}
func (t *extractSymbolsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"project_id": {"type": "string"}
		},
		"required": ["path"]
	}`)
}

var symbolRe = regexp.MustCompile(`(?m)^\s*(?:func|def|class|type|struct|interface|fn|impl)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)

func extractSymbols(path, content string) []*models.CodeSymbol {
	var symbols []*models.CodeSymbol
	offset := 0
	for _, line := range strings.Split(content, "\n") {
		offset++
		if m := symbolRe.FindStringSubmatch(line); m != nil {
			kind := strings.Fields(strings.TrimSpace(line))[0]
			symbols = append(symbols, &models.CodeSymbol{
				FilePath: path,
				Name:     m[1],
				Kind:     kind,
				Line:     offset,
			})
		}
	}
	return symbols
}

func (t *extractSymbolsTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path      string `json:"path"`
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	path, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if params.ProjectID == "" {
		params.ProjectID = dispatchCtx(ctx).ProjectID
	}
	symbols := extractSymbols(params.Path, string(data))
	for _, s := range symbols {
		s.ProjectID = params.ProjectID
	}
	if t.projects != nil && len(symbols) > 0 {
		if err := t.projects.UpsertSymbols(ctx, symbols); err != nil {
			return &Result{Content: "failed to index symbols: " + err.Error(), IsError: true}, nil
		}
	}
	payload, _ := json.Marshal(symbols)
	return &Result{Content: string(payload)}, nil
}

type countLinesTool struct{ root fileRoot }

func (t *countLinesTool) Name() string        { return "count_lines" }
func (t *countLinesTool) Description() string { return "Count lines in a file." }
func (t *countLinesTool) ParallelSafe() bool  { return true }
func (t *countLinesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
}

func (t *countLinesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	path, err := t.root.resolve(params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	n := 0
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("%d", n)}, nil
}
