package main

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/mira/internal/agents"
	"github.com/haasonsaas/mira/internal/config"
	"github.com/haasonsaas/mira/internal/embeddings"
	embgemini "github.com/haasonsaas/mira/internal/embeddings/gemini"
	embollama "github.com/haasonsaas/mira/internal/embeddings/ollama"
	embopenai "github.com/haasonsaas/mira/internal/embeddings/openai"
	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/llm/providers"
	"github.com/haasonsaas/mira/internal/observability"
	"github.com/haasonsaas/mira/internal/operation"
	"github.com/haasonsaas/mira/internal/pipeline"
	"github.com/haasonsaas/mira/internal/recall"
	"github.com/haasonsaas/mira/internal/scheduler"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/summarize"
	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/internal/vector/qdrantvec"
	"github.com/haasonsaas/mira/internal/vector/sqlitevec"
)

// app is the wired service bundle shared by the CLI commands and the
// background runner.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    storage.Store
	vectors  *vector.Store
	embedder embeddings.Provider
	provider llm.Provider
	router   *tools.Router
	registry *agents.Registry
	orch     *operation.Orchestrator
	runner   *scheduler.Runner
}

func buildApp(cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(nil)

	var store storage.Store
	var err error
	switch cfg.Database.Driver {
	case "postgres":
		store, err = storage.OpenPostgres(cfg.Database.DSN)
	default:
		store, err = storage.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	embedder, err := buildEmbedder(cfg.Embeddings)
	if err != nil {
		logger.Warn("embeddings disabled", "error", err)
	}

	var vectors *vector.Store
	if cfg.Vector.Enabled {
		vectors, err = buildVectors(cfg.Vector, embedder)
		if err != nil {
			logger.Warn("vector store disabled", "error", err)
			vectors = nil
		}
	}

	provider, err := providers.FromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	errs := errstore.New(store, store)
	recallEngine := recall.New(store, vectors, embedder, errs, logger, metrics, recall.Config{
		RecentCount:   cfg.Memory.RecentCount,
		SemanticCount: cfg.Memory.SemanticCount,
		FixCount:      cfg.Memory.FixCount,
	})

	router := tools.NewRouter(store, store, logger, metrics)
	tools.RegisterFileTools(router, cfg.Tools.WorkDir, store)
	tools.RegisterShellTool(router, tools.ShellConfig{
		Timeout: cfg.Tools.ShellTimeout,
		WorkDir: cfg.Tools.WorkDir,
		Allow:   cfg.Tools.ShellAllow,
		Deny:    cfg.Tools.ShellDeny,
	})
	tools.RegisterWebTools(router, tools.WebConfig{
		FetchLimit:    cfg.Tools.WebFetchLimit,
		SearchBackend: cfg.Tools.SearchBackend,
	})
	tools.RegisterMemoryTools(router, store, store, recallEngine, errs)
	tools.RegisterTaskTools(router, store)
	tools.RegisterBuildTools(router, store, errs)
	tools.RegisterGitTools(router, cfg.Tools.WorkDir)

	registry, err := agents.NewRegistry(cfg.Agents.UserDir, cfg.Agents.ProjectDir, logger)
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	if err := registry.Watch(); err != nil {
		logger.Warn("agent hot reload unavailable", "error", err)
	}
	dispatcher := agents.NewDispatcher(registry, provider, router, logger, agents.DispatcherConfig{
		MaxConcurrent: cfg.Agents.MaxConcurrent,
		IterationCap:  cfg.Agents.IterationCap,
		Timeout:       cfg.Agents.Timeout,
		RunnerPath:    cfg.Agents.RunnerPath,
	})
	tools.RegisterSpawnTools(router, dispatcher)

	assembler := operation.NewAssembler(recallEngine, errs, logger, provider.ContextBudget(), cfg.Memory.CorrectionBudget)
	orch := operation.New(store, assembler, provider, router, errs, logger, metrics, operation.Config{
		Timeout:         cfg.Operations.Timeout,
		MaxIterations:   cfg.Operations.PrintIterations,
		ChannelCapacity: cfg.Operations.ChannelCapacity,
		AutoApprove:     cfg.Tools.AutoApprove,
	})

	analyzer := pipeline.New(provider, store, logger)
	summaries := summarize.New(store, provider, vectors, embedder, logger, summarize.Config{
		Window: cfg.Memory.RollingWindow,
	})
	runner := scheduler.New(store, analyzer, summaries, vectors, embedder, logger, metrics, scheduler.Config{
		AnalysisInterval: cfg.Scheduler.AnalysisInterval,
		DecayInterval:    cfg.Memory.DecayInterval,
		SummaryInterval:  cfg.Scheduler.SummaryInterval,
		RepairInterval:   cfg.Scheduler.RepairInterval,
		OrphanSchedule:   cfg.Scheduler.OrphanSchedule,
		SessionSchedule:  cfg.Scheduler.SessionSchedule,
		SessionTTL:       cfg.Memory.SessionTTL,
		DecayEnabled:     cfg.Memory.DecayEnabled,
		RollingStep:      cfg.Memory.RollingWindow,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		provider: provider,
		router:   router,
		registry: registry,
		orch:     orch,
		runner:   runner,
	}, nil
}

func (a *app) close() {
	a.registry.Close()
	if a.vectors != nil {
		a.vectors.Close()
	}
	a.store.Close()
}

func buildEmbedder(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	var provider embeddings.Provider
	var err error
	switch cfg.Provider {
	case "openai":
		provider, err = embopenai.New(embopenai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "gemini":
		provider, err = embgemini.New(embgemini.Config{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})
	case "ollama":
		provider, err = embollama.New(embollama.Config{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.Model,
		})
	case "":
		return nil, fmt.Errorf("no embedding provider configured")
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return embeddings.WithRetry(provider, 0), nil
}

func buildVectors(cfg config.VectorConfig, embedder embeddings.Provider) (*vector.Store, error) {
	var backend vector.Backend
	var err error
	switch cfg.Backend {
	case "qdrant":
		backend, err = qdrantvec.New(cfg.URL, cfg.APIKey)
	default:
		backend, err = sqlitevec.New(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	store := vector.New(backend)
	dim := 0
	if embedder != nil {
		dim = embedder.Dimension()
	}
	heads := cfg.Heads
	if len(heads) == 0 && dim > 0 {
		heads = map[string]int{
			vector.HeadSemantic:     dim,
			vector.HeadConversation: dim,
			vector.HeadSummary:      dim,
			vector.HeadCode:         dim,
		}
	}
	for name, headDim := range heads {
		if headDim <= 0 {
			headDim = dim
		}
		if headDim <= 0 {
			continue
		}
		if err := store.EnsureHead(contextBackground(), name, headDim); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
