package recall

import (
	"context"
	"testing"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/internal/vector/sqlitevec"
	"github.com/haasonsaas/mira/pkg/models"
)

type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Name() string             { return "fixed" }
func (f *fixedEmbedder) Dimension() int           { return len(f.vec) }
func (f *fixedEmbedder) TruncationPolicy() string { return "none" }
func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}
func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func newFixture(t *testing.T) (*storage.SQLStore, *vector.Store) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New: %v", err)
	}
	vectors := vector.New(backend)
	t.Cleanup(func() { vectors.Close() })
	return store, vectors
}

func saveEntry(t *testing.T, store *storage.SQLStore, session, content string, salience float64) *models.MessageEntry {
	t.Helper()
	ctx := context.Background()
	e := models.UserMessage(session, content)
	id, err := store.SaveEntry(ctx, e)
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := store.UpdateAnalysis(ctx, id, &models.Analysis{Salience: salience}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	e.ID = id
	e.Analysis = &models.Analysis{Salience: salience}
	return e
}

func TestSemanticScopedToSession(t *testing.T) {
	store, vectors := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := store.EnsureSession(ctx, "s2", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if err := vectors.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	mine := saveEntry(t, store, "s1", "authentication logic lives in auth.go", 8)
	other := saveEntry(t, store, "s2", "authentication logic elsewhere", 8)
	if _, err := vectors.Save(ctx, vector.HeadConversation, mine, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := vectors.Save(ctx, vector.HeadConversation, other, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	engine := New(store, vectors, &fixedEmbedder{vec: []float32{1, 0, 0}}, nil, nil, nil, Config{})
	hits, err := engine.Semantic(ctx, "s1", "authentication", 10)
	if err != nil {
		t.Fatalf("Semantic: %v", err)
	}
	for _, hit := range hits {
		if hit.Entry.SessionID != "s1" {
			t.Errorf("hit from foreign session %s", hit.Entry.SessionID)
		}
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1", len(hits))
	}
}

func TestBuildIncludesRollingSummaryAndRecent(t *testing.T) {
	store, vectors := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for i := 0; i < 4; i++ {
		saveEntry(t, store, "s1", "message", 5)
	}
	if _, err := store.StoreSummary(ctx, "s1", models.SummaryRolling, "the digest", 4); err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}

	engine := New(store, vectors, &fixedEmbedder{vec: []float32{1, 0, 0}}, nil, nil, nil, Config{RecentCount: 3})
	rc, err := engine.Build(ctx, "s1", "", "anything")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rc.Summaries) != 1 || rc.Summaries[0].Text != "the digest" {
		t.Errorf("Summaries = %+v, want the rolling digest", rc.Summaries)
	}
	if len(rc.Recent) != 3 {
		t.Errorf("Recent = %d entries, want 3", len(rc.Recent))
	}
}

func TestBuildDegradesWithoutVectors(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	saveEntry(t, store, "s1", "the authentication logic is in auth.go", 6)
	saveEntry(t, store, "s1", "unrelated chatter", 3)

	// No vector store and no embedder. A recent window of one keeps
	// the auth message out of the recent block so the keyword path
	// must surface it.
	engine := New(store, nil, nil, nil, nil, nil, Config{RecentCount: 1})
	rc, err := engine.Build(ctx, "s1", "", "authentication logic")
	if err != nil {
		t.Fatalf("Build must not error when vectors are missing: %v", err)
	}
	if !rc.Degraded {
		t.Error("Degraded flag not set")
	}
	if len(rc.Semantic) != 0 {
		t.Errorf("Semantic = %d hits, want none in degraded mode", len(rc.Semantic))
	}
	if len(rc.Recent) == 0 {
		t.Error("Recent should still be populated")
	}
	found := false
	for _, hit := range rc.Keyword {
		if hit.Entry != nil && hit.Entry.Content == "the authentication logic is in auth.go" {
			found = true
		}
	}
	if !found {
		t.Error("keyword hit for the query missing in degraded mode")
	}
}

func TestBuildAttachesSimilarFixes(t *testing.T) {
	store, vectors := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	saveEntry(t, store, "s1", "hello", 5)

	errs := errstore.New(store, store)
	if _, err := errs.RecordFailure(ctx, "proj", "write_file", "error: permission denied at /tmp/x1"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := errs.Resolve(ctx, "proj", "write_file", "error: permission denied at /tmp/x1", "run with correct user"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	engine := New(store, vectors, &fixedEmbedder{vec: []float32{1, 0, 0}}, errs, nil, nil, Config{})
	rc, err := engine.Build(ctx, "s1", "proj", "I keep seeing error: permission denied at /tmp/x99")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rc.SimilarFixes) != 1 {
		t.Fatalf("SimilarFixes = %d, want 1", len(rc.SimilarFixes))
	}
	if rc.SimilarFixes[0].Resolution != "run with correct user" {
		t.Errorf("Resolution = %q", rc.SimilarFixes[0].Resolution)
	}
}

func TestHybridMergesById(t *testing.T) {
	store, vectors := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := vectors.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	entry := saveEntry(t, store, "s1", "token refresh bug in auth", 7)
	if _, err := vectors.Save(ctx, vector.HeadConversation, entry, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	engine := New(store, vectors, &fixedEmbedder{vec: []float32{1, 0, 0}}, nil, nil, nil, Config{})
	hits, err := engine.Hybrid(ctx, "s1", "", "auth", 10)
	if err != nil {
		t.Fatalf("Hybrid: %v", err)
	}
	count := 0
	for _, hit := range hits {
		if hit.Entry.ID == entry.ID {
			count++
			if hit.Source != "hybrid" {
				t.Errorf("merged hit source = %q, want hybrid", hit.Source)
			}
			// Summed score exceeds either strategy alone.
			if hit.Score <= scoreContentMatch {
				t.Errorf("merged score %v not summed", hit.Score)
			}
		}
	}
	if count != 1 {
		t.Errorf("entry appears %d times, want exactly 1 (merged)", count)
	}
}

func TestRecallCountTouched(t *testing.T) {
	store, vectors := newFixture(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := vectors.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	// Old entry that will be recalled semantically, not recently.
	target := saveEntry(t, store, "s1", "the database password rotation procedure", 9)
	if _, err := vectors.Save(ctx, vector.HeadConversation, target, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 12; i++ {
		saveEntry(t, store, "s1", "filler chatter", 2)
	}

	engine := New(store, vectors, &fixedEmbedder{vec: []float32{1, 0, 0}}, nil, nil, nil, Config{RecentCount: 5})
	if _, err := engine.Build(ctx, "s1", "", "password rotation"); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := store.GetEntry(ctx, target.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis.RecallCount != 1 {
		t.Errorf("RecallCount = %d, want 1", got.Analysis.RecallCount)
	}
	if got.Analysis.LastRecalled == nil {
		t.Error("LastRecalled not stamped")
	}
}
