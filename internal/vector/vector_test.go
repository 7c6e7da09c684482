package vector_test

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/internal/vector/sqlitevec"
	"github.com/haasonsaas/mira/pkg/models"
)

func newTestStore(t *testing.T) *vector.Store {
	t.Helper()
	backend, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New: %v", err)
	}
	s := vector.New(backend)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(id int64, session, content string, salience float64) *models.MessageEntry {
	e := models.UserMessage(session, content)
	e.ID = id
	e.Analysis = &models.Analysis{Salience: salience}
	return e
}

func TestDimensionPinning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	// Same dimension is idempotent.
	if err := s.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead (repeat): %v", err)
	}
	// A different dimension is rejected.
	err := s.EnsureHead(ctx, vector.HeadConversation, 4)
	var ve *vector.VectorError
	if !errors.As(err, &ve) || ve.Kind != vector.KindDimensionMismatch {
		t.Fatalf("expected DimensionMismatch, got %v", err)
	}

	// Writes with the wrong length fail before the backend.
	_, err = s.Save(ctx, vector.HeadConversation, entry(1, "s1", "x", 5), []float32{1, 2})
	if !errors.As(err, &ve) || ve.Kind != vector.KindDimensionMismatch {
		t.Fatalf("expected DimensionMismatch on save, got %v", err)
	}
}

func TestSearchScopedBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureHead(ctx, vector.HeadConversation, 3); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	if _, err := s.Save(ctx, vector.HeadConversation, entry(1, "s1", "auth logic", 8), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, vector.HeadConversation, entry(2, "s2", "other session", 8), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	hits, err := s.Search(ctx, vector.HeadConversation, "s1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (session scoping)", len(hits))
	}
	if hits[0].Point.EntryID != 1 {
		t.Errorf("EntryID = %d, want 1", hits[0].Point.EntryID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("Score = %v, want ~1 for identical vectors", hits[0].Score)
	}
}

func TestSearchAllFanout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, head := range []string{vector.HeadConversation, vector.HeadCode} {
		if err := s.EnsureHead(ctx, head, 3); err != nil {
			t.Fatalf("EnsureHead(%s): %v", head, err)
		}
	}
	if _, err := s.Save(ctx, vector.HeadConversation, entry(1, "s1", "talk", 5), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, vector.HeadCode, entry(2, "s1", "func main()", 5), []float32{0, 1, 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := s.SearchAll(ctx, "s1", []float32{1, 1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d head results, want 2", len(results))
	}
	byHead := map[string]int{}
	for _, r := range results {
		byHead[r.Head] = len(r.Hits)
	}
	if byHead[vector.HeadConversation] != 1 || byHead[vector.HeadCode] != 1 {
		t.Errorf("per-head hits = %v, want one hit in each head", byHead)
	}
}

func TestSaveBatchAndScroll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureHead(ctx, vector.HeadSummary, 2); err != nil {
		t.Fatalf("EnsureHead: %v", err)
	}
	entries := []*models.MessageEntry{
		entry(10, "s1", "digest one", 10),
		entry(11, "s1", "digest two", 10),
	}
	vecs := [][]float32{{1, 0}, {0, 1}}
	ids, err := s.SaveBatch(ctx, vector.HeadSummary, entries, vecs)
	if err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	if ids[0] != vector.PointID(vector.HeadSummary, 10) {
		t.Errorf("point id not derived from (head, entry id)")
	}

	points, err := s.ScrollAllPoints(ctx, vector.HeadSummary)
	if err != nil {
		t.Fatalf("ScrollAllPoints: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("scrolled %d points, want 2", len(points))
	}

	if err := s.Delete(ctx, vector.HeadSummary, ids[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	points, err = s.ScrollAllPoints(ctx, vector.HeadSummary)
	if err != nil {
		t.Fatalf("ScrollAllPoints: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("scrolled %d points after delete, want 1", len(points))
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := vector.PointID("conversation", 42)
	b := vector.PointID("conversation", 42)
	c := vector.PointID("code", 42)
	if a != b {
		t.Error("point id must be deterministic")
	}
	if a == c {
		t.Error("different heads must yield different point ids")
	}
}
