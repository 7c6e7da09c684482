// Package agents holds the agent registry and the two execution paths:
// an in-process recursive LLM loop and a line-JSON subprocess protocol.
package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/mira/pkg/models"
)

const explorePrompt = `You are the explore agent: a fast, read-only codebase scout.
Investigate the requested area using read and search tools, then report what you
found: relevant files, key functions, how pieces connect. Never modify anything.
Be concrete; cite file paths and line numbers.`

const planPrompt = `You are the plan agent: you research a task and produce an
implementation plan. You may read code, search the web, and record findings in
memory, but you never write files or run shell commands. Output a numbered plan
with concrete file-level steps and the risks you see.`

const generalPrompt = `You are the general agent: a capable coding assistant with
full tool access. Complete the delegated task end to end. Prefer minimal,
focused changes, and verify your work with the tools available.`

// BuiltIns returns the three always-present agents.
func BuiltIns() []*models.AgentDefinition {
	return []*models.AgentDefinition{
		{
			ID:           models.AgentExplore,
			DisplayName:  "Explore",
			Origin:       models.AgentBuiltIn,
			SystemPrompt: explorePrompt,
			Access:       models.ToolAccess{Policy: models.AccessReadOnly},
			Mode:         models.ExecInProcess,
		},
		{
			ID:           models.AgentPlan,
			DisplayName:  "Plan",
			Origin:       models.AgentBuiltIn,
			SystemPrompt: planPrompt,
			Access:       models.ToolAccess{Policy: models.AccessResearchSafe},
			Mode:         models.ExecInProcess,
		},
		{
			ID:           models.AgentGeneral,
			DisplayName:  "General",
			Origin:       models.AgentBuiltIn,
			SystemPrompt: generalPrompt,
			Access:       models.ToolAccess{Policy: models.AccessFull},
			Mode:         models.ExecInProcess,
		},
	}
}

// Registry maps agent ids to definitions. Reload replaces the whole
// catalogue atomically; readers never see a partial load.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*models.AgentDefinition
	userDir string
	projDir string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewRegistry loads built-ins plus custom agents from the user and
// project directories. Either directory may be empty or missing.
func NewRegistry(userDir, projDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{userDir: userDir, projDir: projDir, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the catalogue in one step: built-ins first, then
// user-scoped, then project-scoped custom agents (project wins on
// duplicate custom ids; built-ins can never be shadowed).
func (r *Registry) Reload() error {
	agents := make(map[string]*models.AgentDefinition)
	for _, def := range BuiltIns() {
		agents[def.ID] = def
	}
	for _, dir := range []string{r.userDir, r.projDir} {
		if dir == "" {
			continue
		}
		defs, err := loadCustomAgents(dir)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if models.IsBuiltInAgent(def.ID) {
				r.logger.Warn("custom agent shadows a built-in, skipping", "id", def.ID, "dir", dir)
				continue
			}
			agents[def.ID] = def
		}
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	return nil
}

// Get returns an agent definition by id.
func (r *Registry) Get(id string) (*models.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[id]
	return def, ok
}

// List returns the catalogue, built-ins first.
func (r *Registry) List() []*models.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builtins := make([]*models.AgentDefinition, 0, 3)
	custom := make([]*models.AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		if def.Origin == models.AgentBuiltIn {
			builtins = append(builtins, def)
		} else {
			custom = append(custom, def)
		}
	}
	return append(builtins, custom...)
}

// Watch hot-reloads the catalogue when either custom directory changes.
// Close stops the watcher.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, dir := range []string{r.userDir, r.projDir} {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			r.logger.Warn("cannot watch agent directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Error("agent reload failed", "error", err)
				} else {
					r.logger.Info("agent catalogue reloaded", "trigger", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("agent watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watcher, if running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// customAgentFrontMatter is the YAML header of an agent markdown file.
type customAgentFrontMatter struct {
	ID          string            `yaml:"id"`
	DisplayName string            `yaml:"display_name"`
	Access      models.ToolAccess `yaml:"access"`
	Mode        string            `yaml:"mode"`
	Model       string            `yaml:"model"`
}

// loadCustomAgents parses every .md file in dir. The file format is
// YAML front matter between --- markers followed by the system prompt.
func loadCustomAgents(dir string) ([]*models.AgentDefinition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var defs []*models.AgentDefinition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := parseAgentFile(path)
		if err != nil {
			return nil, fmt.Errorf("agent file %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseAgentFile(path string) (*models.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return nil, fmt.Errorf("missing front matter")
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated front matter")
	}
	var fm customAgentFrontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(rest[end+4:])

	id := fm.ID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if !models.ValidAgentID(id) {
		return nil, fmt.Errorf("invalid agent id %q", id)
	}
	if prompt == "" {
		return nil, fmt.Errorf("empty system prompt")
	}

	mode := models.ExecInProcess
	if fm.Mode == string(models.ExecSubprocess) {
		mode = models.ExecSubprocess
	}
	access := fm.Access
	if access.Policy == "" && len(access.AllowList) == 0 {
		access.Policy = models.AccessReadOnly
	}
	displayName := fm.DisplayName
	if displayName == "" {
		displayName = id
	}

	return &models.AgentDefinition{
		ID:            id,
		DisplayName:   displayName,
		Origin:        models.AgentCustom,
		SystemPrompt:  prompt,
		Access:        access,
		Mode:          mode,
		ModelOverride: fm.Model,
	}, nil
}
