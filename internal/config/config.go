// Package config defines the Mira configuration surface and its loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Vector     VectorConfig     `yaml:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Agents     AgentsConfig     `yaml:"agents"`
	Tools      ToolsConfig      `yaml:"tools"`
	Operations OperationsConfig `yaml:"operations"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // sqlite-vec, qdrant
	Path    string `yaml:"path"`    // sqlite-vec file path
	URL     string `yaml:"url"`     // qdrant endpoint
	APIKey  string `yaml:"api_key"`
	// Heads maps head name to dimension. Missing heads are created on
	// first write with the embedder's dimension.
	Heads map[string]int `yaml:"heads"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider  string `yaml:"provider"` // openai, gemini, ollama
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	OllamaURL string `yaml:"ollama_url"`
}

// LLMProviderConfig holds credentials and model selection for one
// provider family.
type LLMProviderConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	ContextBudget int    `yaml:"context_budget"`
}

// LLMConfig configures the provider abstraction.
type LLMConfig struct {
	Default   string            `yaml:"default"` // anthropic, openai, gemini, ollama
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Gemini    LLMProviderConfig `yaml:"gemini"`
	Ollama    LLMProviderConfig `yaml:"ollama"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// MemoryConfig controls summarization, recall, and decay behavior.
type MemoryConfig struct {
	RollingWindow    int           `yaml:"rolling_window"` // default 100
	RecentCount      int           `yaml:"recent_count"`   // default 10
	SemanticCount    int           `yaml:"semantic_count"` // default 10
	FixCount         int           `yaml:"fix_count"`      // default 3
	DecayEnabled     bool          `yaml:"decay_enabled"`
	DecayInterval    time.Duration `yaml:"decay_interval"`    // default 4h
	SessionTTL       time.Duration `yaml:"session_ttl"`       // default 168h
	CorrectionBudget int           `yaml:"correction_budget"` // default 5
}

// AgentsConfig controls agent loading and execution.
type AgentsConfig struct {
	UserDir       string        `yaml:"user_dir"`
	ProjectDir    string        `yaml:"project_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"` // default 3
	Timeout       time.Duration `yaml:"timeout"`        // default 5m
	IterationCap  int           `yaml:"iteration_cap"`  // default 100
	RunnerPath    string        `yaml:"runner_path"`    // subprocess runner binary
}

// ToolsConfig controls the tool router.
type ToolsConfig struct {
	ShellTimeout  time.Duration `yaml:"shell_timeout"` // default 30s
	ShellAllow    []string      `yaml:"shell_allow"`
	ShellDeny     []string      `yaml:"shell_deny"`
	WebFetchLimit int64         `yaml:"web_fetch_limit"` // bytes, default 1MiB
	SearchBackend string        `yaml:"search_backend"`
	WorkDir       string        `yaml:"work_dir"`
	AutoApprove   bool          `yaml:"auto_approve"`
}

// OperationsConfig controls the orchestrator.
type OperationsConfig struct {
	Timeout          time.Duration `yaml:"timeout"`           // default 15m
	PrintIterations  int           `yaml:"print_iterations"`  // default 10
	InteractiveIters int           `yaml:"interactive_iters"` // default 100
	ChannelCapacity  int           `yaml:"channel_capacity"`  // default 100
}

// SchedulerConfig controls the background task runner.
type SchedulerConfig struct {
	AnalysisInterval time.Duration `yaml:"analysis_interval"` // default 10s
	SummaryInterval  time.Duration `yaml:"summary_interval"`  // default 30m
	RepairInterval   time.Duration `yaml:"repair_interval"`   // default 1h
	OrphanSchedule   string        `yaml:"orphan_schedule"`   // cron, default weekly
	SessionSchedule  string        `yaml:"session_schedule"`  // cron, default hourly
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ApplyDefaults fills zero values with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "mira.db"
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "sqlite-vec"
	}
	if c.Vector.Path == "" {
		c.Vector.Path = "mira-vectors.db"
	}
	if c.LLM.Default == "" {
		c.LLM.Default = "anthropic"
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryDelay <= 0 {
		c.LLM.RetryDelay = time.Second
	}
	if c.Memory.RollingWindow <= 0 {
		c.Memory.RollingWindow = 100
	}
	if c.Memory.RecentCount <= 0 {
		c.Memory.RecentCount = 10
	}
	if c.Memory.SemanticCount <= 0 {
		c.Memory.SemanticCount = 10
	}
	if c.Memory.FixCount <= 0 {
		c.Memory.FixCount = 3
	}
	if c.Memory.DecayInterval <= 0 {
		c.Memory.DecayInterval = 4 * time.Hour
	}
	if c.Memory.SessionTTL <= 0 {
		c.Memory.SessionTTL = 7 * 24 * time.Hour
	}
	if c.Memory.CorrectionBudget <= 0 {
		c.Memory.CorrectionBudget = 5
	}
	if c.Agents.MaxConcurrent <= 0 {
		c.Agents.MaxConcurrent = 3
	}
	if c.Agents.Timeout <= 0 {
		c.Agents.Timeout = 5 * time.Minute
	}
	if c.Agents.IterationCap <= 0 {
		c.Agents.IterationCap = 100
	}
	if c.Tools.ShellTimeout <= 0 {
		c.Tools.ShellTimeout = 30 * time.Second
	}
	if c.Tools.WebFetchLimit <= 0 {
		c.Tools.WebFetchLimit = 1 << 20
	}
	if c.Operations.Timeout <= 0 {
		c.Operations.Timeout = 15 * time.Minute
	}
	if c.Operations.PrintIterations <= 0 {
		c.Operations.PrintIterations = 10
	}
	if c.Operations.InteractiveIters <= 0 {
		c.Operations.InteractiveIters = 100
	}
	if c.Operations.ChannelCapacity <= 0 {
		c.Operations.ChannelCapacity = 100
	}
	if c.Scheduler.AnalysisInterval <= 0 {
		c.Scheduler.AnalysisInterval = 10 * time.Second
	}
	if c.Scheduler.SummaryInterval <= 0 {
		c.Scheduler.SummaryInterval = 30 * time.Minute
	}
	if c.Scheduler.RepairInterval <= 0 {
		c.Scheduler.RepairInterval = time.Hour
	}
	if c.Scheduler.OrphanSchedule == "" {
		c.Scheduler.OrphanSchedule = "@weekly"
	}
	if c.Scheduler.SessionSchedule == "" {
		c.Scheduler.SessionSchedule = "@hourly"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	switch c.Vector.Backend {
	case "sqlite-vec", "qdrant":
	default:
		return fmt.Errorf("vector.backend must be sqlite-vec or qdrant, got %q", c.Vector.Backend)
	}
	if c.Vector.Backend == "qdrant" && strings.TrimSpace(c.Vector.URL) == "" {
		return fmt.Errorf("vector.url is required for qdrant")
	}
	switch c.LLM.Default {
	case "anthropic", "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("llm.default must name a known provider, got %q", c.LLM.Default)
	}
	return nil
}
