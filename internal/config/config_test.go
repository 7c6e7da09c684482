package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mira.yaml", "database:\n  driver: sqlite\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.RollingWindow != 100 {
		t.Errorf("RollingWindow = %d, want 100", cfg.Memory.RollingWindow)
	}
	if cfg.Operations.Timeout != 15*time.Minute {
		t.Errorf("Operations.Timeout = %v, want 15m", cfg.Operations.Timeout)
	}
	if cfg.Agents.MaxConcurrent != 3 {
		t.Errorf("Agents.MaxConcurrent = %d, want 3", cfg.Agents.MaxConcurrent)
	}
	if cfg.Operations.ChannelCapacity != 100 {
		t.Errorf("ChannelCapacity = %d, want 100", cfg.Operations.ChannelCapacity)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "llm:\n  default: openai\n")
	path := writeFile(t, dir, "mira.yaml", "$include: base.yaml\nmemory:\n  recent_count: 20\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Default != "openai" {
		t.Errorf("LLM.Default = %q, want openai (from include)", cfg.LLM.Default)
	}
	if cfg.Memory.RecentCount != 20 {
		t.Errorf("RecentCount = %d, want 20", cfg.Memory.RecentCount)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIRA_TEST_MODEL", "claude-sonnet-4-20250514")
	path := writeFile(t, dir, "mira.yaml", "llm:\n  anthropic:\n    model: $MIRA_TEST_MODEL\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Anthropic.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Anthropic.Model = %q, want expanded env value", cfg.LLM.Anthropic.Model)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mira.yaml", "nonsense: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Error("expected driver validation error")
	}

	cfg = Default()
	cfg.Vector.Backend = "qdrant"
	cfg.Vector.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected qdrant url validation error")
	}
}
