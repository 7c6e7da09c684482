package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/tools"
	"github.com/haasonsaas/mira/pkg/models"
)

// Dispatcher routes agent execution by definition mode and caps
// concurrent runs. It implements tools.AgentSpawner for the spawn tools.
type Dispatcher struct {
	registry *Registry
	inproc   *inProcessExecutor
	subproc  *subprocessExecutor
	logger   *slog.Logger

	maxConcurrent int
	sem           chan struct{}

	mu      sync.RWMutex
	onEvent EventFunc
}

// DispatcherConfig for construction.
type DispatcherConfig struct {
	MaxConcurrent int           // default 3
	IterationCap  int           // default 100
	Timeout       time.Duration // per-agent wall clock
	RunnerPath    string        // subprocess runner binary
}

// NewDispatcher wires the two executors over a shared tool router.
func NewDispatcher(registry *Registry, provider llm.Provider, router *tools.Router, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Dispatcher{
		registry: registry,
		inproc: &inProcessExecutor{
			provider: provider,
			router:   router,
			logger:   logger,
			iterCap:  cfg.IterationCap,
		},
		subproc: &subprocessExecutor{
			runnerPath: cfg.RunnerPath,
			router:     router,
			logger:     logger,
			timeout:    cfg.Timeout,
		},
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// SetEventSink routes agent events (text, tool activity) to the
// orchestrator for the lifetime of the dispatcher.
func (d *Dispatcher) SetEventSink(fn EventFunc) {
	d.mu.Lock()
	d.onEvent = fn
	d.mu.Unlock()
}

func (d *Dispatcher) eventSink() EventFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onEvent
}

// Execute runs one agent to completion and returns its final text.
func (d *Dispatcher) Execute(ctx context.Context, agentID, task, extraContext string, contextFiles []string) (string, error) {
	def, ok := d.registry.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent not found: %s", agentID)
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-d.sem }()

	start := time.Now()
	d.logger.Info("agent started", "agent", agentID, "mode", def.Mode)

	var output string
	var err error
	switch def.Mode {
	case models.ExecSubprocess:
		output, err = d.subproc.run(ctx, def, task, extraContext, contextFiles, d.eventSink())
	default:
		output, err = d.inproc.run(ctx, def, task, extraContext, d.eventSink())
	}

	d.logger.Info("agent finished",
		"agent", agentID, "duration", time.Since(start), "error", err)
	return output, err
}

// Spawn implements tools.AgentSpawner.
func (d *Dispatcher) Spawn(ctx context.Context, req tools.SpawnRequest) tools.SpawnResult {
	output, err := d.Execute(ctx, req.AgentID, req.Task, req.Context, req.ContextFiles)
	result := tools.SpawnResult{AgentID: req.AgentID, Output: output}
	if err != nil {
		result.Err = err.Error()
	}
	return result
}

// SpawnParallel implements tools.AgentSpawner: up to the configured cap
// run concurrently, results come back in input order, and one slot's
// failure never cancels the others.
func (d *Dispatcher) SpawnParallel(ctx context.Context, reqs []tools.SpawnRequest) []tools.SpawnResult {
	results := make([]tools.SpawnResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(slot int, req tools.SpawnRequest) {
			defer wg.Done()
			results[slot] = d.Spawn(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}
