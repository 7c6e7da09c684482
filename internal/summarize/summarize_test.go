package summarize

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

type scriptedProvider struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string       { return "scripted" }
func (p *scriptedProvider) ContextBudget() int { return 0 }

func (p *scriptedProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 2)
	if p.err != nil {
		ch <- llm.StreamEvent{Type: llm.EventError, Err: p.err}
	} else {
		ch <- llm.StreamEvent{Type: llm.EventTextDelta, Delta: p.text}
		ch <- llm.StreamEvent{Type: llm.EventDone, Usage: &llm.Usage{}}
	}
	close(ch)
	return ch, nil
}

type failingBackend struct{}

func (failingBackend) EnsureCollection(context.Context, string, int) error {
	return &vector.VectorError{Kind: vector.KindUnavailable, Op: "ensure collection"}
}
func (failingBackend) Upsert(context.Context, string, []vector.Point) error {
	return &vector.VectorError{Kind: vector.KindUnavailable, Op: "upsert"}
}
func (failingBackend) Query(context.Context, string, string, []float32, int) ([]vector.Hit, error) {
	return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "query"}
}
func (failingBackend) Scroll(context.Context, string) ([]string, error) {
	return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "scroll"}
}
func (failingBackend) Delete(context.Context, string, string) error {
	return &vector.VectorError{Kind: vector.KindUnavailable, Op: "delete"}
}
func (failingBackend) Close() error { return nil }

type fixedEmbedder struct{}

func (fixedEmbedder) Name() string             { return "fixed" }
func (fixedEmbedder) Dimension() int           { return 3 }
func (fixedEmbedder) TruncationPolicy() string { return "none" }
func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func seedMessages(t *testing.T, store *storage.SQLStore, session string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, session, ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := store.SaveEntry(ctx, models.UserMessage(session, "message")); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}
}

func TestRollingReplacesPointer(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	seedMessages(t, store, "s1", 5)

	engine := New(store, &scriptedProvider{text: "first digest"}, nil, nil, nil, Config{Window: 10})
	ctx := context.Background()

	first, err := engine.Rolling(ctx, "s1")
	if err != nil {
		t.Fatalf("Rolling: %v", err)
	}
	if first.Type != models.SummaryRolling {
		t.Errorf("Type = %s", first.Type)
	}
	if first.CoveredMessageCount != 5 {
		t.Errorf("CoveredMessageCount = %d, want 5", first.CoveredMessageCount)
	}

	second, err := engine.Rolling(ctx, "s1")
	if err != nil {
		t.Fatalf("Rolling (second): %v", err)
	}

	// Exactly one active rolling summary per session.
	rolling, err := store.LatestRollingSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestRollingSummary: %v", err)
	}
	if rolling.ID != second.ID {
		t.Errorf("active rolling = %d, want %d", rolling.ID, second.ID)
	}
}

func TestVectorFailureDoesNotFailSummary(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	seedMessages(t, store, "s1", 3)

	vectors := vector.New(failingBackend{})
	engine := New(store, &scriptedProvider{text: "digest"}, vectors, fixedEmbedder{}, nil, Config{})

	summary, err := engine.Rolling(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Rolling should absorb vector failure, got %v", err)
	}
	if summary.Text != "digest" {
		t.Errorf("Text = %q", summary.Text)
	}
	if summary.Embedded {
		t.Error("summary should not be flagged embedded after vector failure")
	}
}

func TestSnapshotIsAdditive(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	seedMessages(t, store, "s1", 3)

	engine := New(store, &scriptedProvider{text: "digest"}, nil, nil, nil, Config{})
	ctx := context.Background()

	rolling, err := engine.Rolling(ctx, "s1")
	if err != nil {
		t.Fatalf("Rolling: %v", err)
	}
	if _, err := engine.Snapshot(ctx, "s1", 100); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	active, err := store.LatestRollingSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestRollingSummary: %v", err)
	}
	if active.ID != rolling.ID {
		t.Error("snapshot replaced the rolling pointer")
	}
}

func TestProviderErrorSurfaces(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	seedMessages(t, store, "s1", 2)

	wantErr := errors.New("provider down")
	engine := New(store, &scriptedProvider{err: wantErr}, nil, nil, nil, Config{})
	if _, err := engine.Rolling(context.Background(), "s1"); !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
