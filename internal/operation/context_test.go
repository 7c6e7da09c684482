package operation

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/recall"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

func assemblerFixture(t *testing.T) (*Assembler, *storage.SQLStore) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	errs := errstore.New(store, store)
	engine := recall.New(store, nil, nil, errs, nil, nil, recall.Config{RecentCount: 5})
	return NewAssembler(engine, errs, nil, 0, 5), store
}

func seedConversation(t *testing.T, store *storage.SQLStore, session string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, session, ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := store.SaveEntry(ctx, models.UserMessage(session, "conversation message")); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}
}

func TestAssembleBlockOrderStable(t *testing.T) {
	a, store := assemblerFixture(t)
	ctx := context.Background()
	seedConversation(t, store, "s1", 3)
	if _, err := store.StoreSummary(ctx, "s1", models.SummaryRolling, "rolling digest", 3); err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}

	in := AssembleInput{
		SessionID:    "s1",
		SystemPrompt: "You are Mira.",
		UserMessage:  "what did we decide?",
	}
	first, err := a.Assemble(ctx, in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	second, err := a.Assemble(ctx, in)
	if err != nil {
		t.Fatalf("Assemble (again): %v", err)
	}

	// Present sections keep their relative order between turns.
	if len(first.Messages) != len(second.Messages) {
		t.Fatalf("message counts differ: %d vs %d", len(first.Messages), len(second.Messages))
	}
	for i := range first.Messages {
		if first.Messages[i].Content != second.Messages[i].Content {
			t.Errorf("message %d reordered between turns", i)
		}
	}
	if first.System != second.System {
		t.Error("system section changed between identical turns")
	}

	// The summaries block precedes recent messages, which precede the
	// current user message.
	if !strings.Contains(first.Messages[0].Content, "rolling digest") {
		t.Errorf("first message should be the summaries block, got %q", first.Messages[0].Content)
	}
	last := first.Messages[len(first.Messages)-1]
	if last.Content != "what did we decide?" {
		t.Errorf("final message should be the current user message, got %q", last.Content)
	}
}

func TestAssembleCorrectionsInjected(t *testing.T) {
	a, store := assemblerFixture(t)
	ctx := context.Background()
	seedConversation(t, store, "s1", 1)
	err := store.UpsertCorrection(ctx, &models.Correction{
		ID: "c1", Type: "style", WhatWasWrong: "tabs", WhatIsRight: "spaces",
		Scope: models.ScopeGlobal, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("UpsertCorrection: %v", err)
	}

	bundle, err := a.Assemble(ctx, AssembleInput{
		SessionID:    "s1",
		SystemPrompt: "preamble",
		UserMessage:  "format this",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(bundle.System, "Mira Context") {
		t.Error("Mira Context section missing")
	}
	if !strings.Contains(bundle.System, "tabs") || !strings.Contains(bundle.System, "spaces") {
		t.Error("correction not injected into the context section")
	}
}

func TestAssembleHintsNeverTrimmed(t *testing.T) {
	a, store := assemblerFixture(t)
	ctx := context.Background()
	seedConversation(t, store, "s1", 5)

	hint := "Tool write_file has a known resolution: ensure parent directory exists"
	bundle, err := a.Assemble(ctx, AssembleInput{
		SessionID:     "s1",
		SystemPrompt:  "preamble",
		UserMessage:   "do the thing",
		Hints:         []string{hint},
		ContextBudget: 80, // absurdly tight: everything trimmable goes
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(bundle.System, hint) {
		t.Error("hint was trimmed; block 2 must never be trimmed")
	}
	last := bundle.Messages[len(bundle.Messages)-1]
	if last.Content != "do the thing" {
		t.Error("current user message was trimmed; block 8 must never be trimmed")
	}
}

func TestAssembleTrimsRecentBeforeSummaries(t *testing.T) {
	a, store := assemblerFixture(t)
	ctx := context.Background()
	seedConversation(t, store, "s1", 5)
	if _, err := store.StoreSummary(ctx, "s1", models.SummaryRolling, "the rolling digest survives", 5); err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}

	bundle, err := a.Assemble(ctx, AssembleInput{
		SessionID:     "s1",
		SystemPrompt:  "p",
		UserMessage:   "q",
		ContextBudget: 20,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	foundSummary := false
	recentCount := 0
	for _, m := range bundle.Messages {
		if strings.Contains(m.Content, "the rolling digest survives") {
			foundSummary = true
		}
		if m.Content == "conversation message" {
			recentCount++
		}
	}
	if !foundSummary {
		t.Error("latest rolling summary must survive trimming")
	}
	if recentCount > 1 {
		t.Errorf("recent block kept %d messages under a tight budget", recentCount)
	}
}
