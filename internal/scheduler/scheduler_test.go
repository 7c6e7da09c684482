package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/mira/internal/pipeline"
	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/internal/vector/sqlitevec"
	"github.com/haasonsaas/mira/pkg/models"
)

func TestDecayCurveTiers(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{12 * time.Hour, 1.00},
		{3 * 24 * time.Hour, 0.95},
		{20 * 24 * time.Hour, 0.90},
		{60 * 24 * time.Hour, 0.80},
		{200 * 24 * time.Hour, 0.70},
		{500 * 24 * time.Hour, 0.50},
		{900 * 24 * time.Hour, 0.30},
	}
	for _, tt := range tests {
		if got := tierRetention(ageTier(tt.age)); got != tt.want {
			t.Errorf("retention at age %v = %v, want %v", tt.age, got, tt.want)
		}
	}
}

func entryAt(age time.Duration, salience, original float64, recalls int64) *models.MessageEntry {
	return &models.MessageEntry{
		ID:        1,
		SessionID: "s1",
		Content:   "an ordinary technical discussion about the database layer",
		Timestamp: time.Now().UTC().Add(-age),
		Analysis: &models.Analysis{
			Salience:         salience,
			OriginalSalience: original,
			RecallCount:      recalls,
		},
	}
}

func TestDecayNeverRaisesAndRespectsFloor(t *testing.T) {
	now := time.Now().UTC()

	// Decay never raises salience.
	fresh := entryAt(time.Hour, 4.0, 9.0, 0)
	if got := decayedSalience(fresh, now); got > 4.0 {
		t.Errorf("decay raised salience: %v > 4.0", got)
	}

	// Very old, low-salience entries stop at the floor.
	ancient := entryAt(3*365*24*time.Hour, 3.0, 3.0, 0)
	if got := decayedSalience(ancient, now); got < models.SalienceFloor {
		t.Errorf("salience %v below floor %v", got, models.SalienceFloor)
	}
}

func TestDecayRecallBuffer(t *testing.T) {
	now := time.Now().UTC()
	unrecalled := entryAt(500*24*time.Hour, 10, 10, 0)
	recalled := entryAt(500*24*time.Hour, 10, 10, 5)

	plain := decayedSalience(unrecalled, now)
	buffered := decayedSalience(recalled, now)
	if buffered <= plain {
		t.Errorf("recall buffer had no effect: %v <= %v", buffered, plain)
	}
	// Heavily recalled entries land at most on the 90% tier.
	if buffered > 10*0.90+0.0001 {
		t.Errorf("recall lifted retention above the 90%% tier: %v", buffered)
	}
}

func TestDecaySweepPersists(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	old := models.UserMessage("s1", "something from long ago about the deployment")
	old.Timestamp = time.Now().UTC().Add(-100 * 24 * time.Hour)
	id, err := store.SaveEntry(ctx, old)
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := store.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 8.0}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}

	runner := New(store, nil, nil, nil, nil, nil, nil, Config{DecayEnabled: true})
	runner.Decay(ctx)

	got, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis.Salience >= 8.0 {
		t.Errorf("salience not decayed: %v", got.Analysis.Salience)
	}
	if got.Analysis.OriginalSalience != 8.0 {
		t.Errorf("original salience modified: %v", got.Analysis.OriginalSalience)
	}
}

func TestAnalysisDrain(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	id, err := store.SaveEntry(ctx, models.UserMessage("s1", "please remember this important decision"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	analyzer := pipeline.New(nil, store, nil)
	runner := New(store, analyzer, nil, nil, nil, nil, nil, Config{})
	runner.AnalysisDrain(ctx)

	got, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis == nil {
		t.Fatal("analysis not filled by drain")
	}
	if got.Analysis.AnalysisVersion == "" {
		t.Error("analysis version not stamped")
	}

	// A second drain finds nothing left.
	remaining, err := store.EntriesMissingAnalysis(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingAnalysis: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("%d entries still unanalyzed", len(remaining))
	}
}

func TestOrphanCleanup(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	backend, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New: %v", err)
	}
	vectors := vector.New(backend)
	defer vectors.Close()
	ctx := context.Background()

	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := vectors.EnsureHead(ctx, vector.HeadConversation, 2); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}

	// A live entry with its point, and an orphaned point.
	live := models.UserMessage("s1", "live entry")
	id, err := store.SaveEntry(ctx, live)
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := store.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 5}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	live.ID = id
	if _, err := vectors.Save(ctx, vector.HeadConversation, live, []float32{1, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	orphan := &models.MessageEntry{ID: 9999, SessionID: "s1", Content: "deleted owner"}
	if _, err := vectors.Save(ctx, vector.HeadConversation, orphan, []float32{0, 1}); err != nil {
		t.Fatalf("Save orphan: %v", err)
	}

	runner := New(store, nil, nil, vectors, nil, nil, nil, Config{})
	runner.OrphanCleanup(ctx)

	points, err := vectors.ScrollAllPoints(ctx, vector.HeadConversation)
	if err != nil {
		t.Fatalf("ScrollAllPoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points after cleanup = %d, want 1", len(points))
	}
	if points[0] != vector.PointID(vector.HeadConversation, id) {
		t.Error("wrong point survived cleanup")
	}
}

func TestSessionCleanupMarksNotDeletes(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "idle", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	runner := New(store, nil, nil, nil, nil, nil, nil, Config{SessionTTL: time.Nanosecond})
	time.Sleep(time.Millisecond)
	runner.SessionCleanup(ctx)

	st, err := store.GetSession(ctx, "idle")
	if err != nil {
		t.Fatalf("session was deleted: %v", err)
	}
	if !st.Inactive {
		t.Error("idle session not marked inactive")
	}
}

type fixedEmbedder struct{}

func (fixedEmbedder) Name() string             { return "fixed" }
func (fixedEmbedder) Dimension() int           { return 2 }
func (fixedEmbedder) TruncationPolicy() string { return "none" }
func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestAnalysisDrainIndexesRoutedHeads(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	backend, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New: %v", err)
	}
	vectors := vector.New(backend)
	defer vectors.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	prose, err := store.SaveEntry(ctx, models.UserMessage("s1", "remember the deploy checklist"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	code, err := store.SaveEntry(ctx, models.UserMessage("s1", "```go\nfunc main() {}\n```"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	analyzer := pipeline.New(nil, store, nil)
	runner := New(store, analyzer, nil, vectors, fixedEmbedder{}, nil, nil, Config{})
	runner.AnalysisDrain(ctx)

	// Both entries land in conversation; the code entry also in code.
	convPoints, err := vectors.ScrollAllPoints(ctx, vector.HeadConversation)
	if err != nil {
		t.Fatalf("ScrollAllPoints: %v", err)
	}
	if len(convPoints) != 2 {
		t.Errorf("conversation points = %d, want 2", len(convPoints))
	}
	codePoints, err := vectors.ScrollAllPoints(ctx, vector.HeadCode)
	if err != nil {
		t.Fatalf("ScrollAllPoints: %v", err)
	}
	if len(codePoints) != 1 {
		t.Errorf("code points = %d, want 1", len(codePoints))
	}

	// Embedding slots are recorded on both entries.
	for _, id := range []int64{prose, code} {
		got, err := store.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("GetEntry: %v", err)
		}
		if len(got.PointIDs) == 0 || len(got.EmbeddingHeads) == 0 {
			t.Errorf("entry %d embedding slots not recorded", id)
		}
	}

	// The conversation head is now searchable, session-scoped.
	hits, err := vectors.Search(ctx, vector.HeadConversation, "s1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("semantic hits = %d, want 2", len(hits))
	}
}

func TestEmbeddingRepair(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	backend, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New: %v", err)
	}
	vectors := vector.New(backend)
	defer vectors.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	// Analyzed while the vector backend was down: routed but no points.
	analyzer := pipeline.New(nil, store, nil)
	id, err := store.SaveEntry(ctx, models.UserMessage("s1", "the auth module owns token refresh"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	downRunner := New(store, analyzer, nil, nil, nil, nil, nil, Config{})
	downRunner.AnalysisDrain(ctx)

	missing, err := store.EntriesMissingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingEmbedding: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != id {
		t.Fatalf("missing = %+v, want the analyzed entry", missing)
	}

	// Backend comes back; repair indexes the stragglers.
	runner := New(store, analyzer, nil, vectors, fixedEmbedder{}, nil, nil, Config{})
	runner.EmbeddingRepair(ctx)

	got, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if len(got.PointIDs) == 0 {
		t.Fatal("repair did not record embedding slots")
	}
	missing, err = store.EntriesMissingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingEmbedding: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("%d entries still unembedded after repair", len(missing))
	}
}
