package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/mira/pkg/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLStore, id string) {
	t.Helper()
	if _, err := s.EnsureSession(context.Background(), id, ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
}

func TestSaveAndGetEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	e := models.UserMessage("s1", "hello world")
	e.Tags = []string{"project:mira"}
	id, err := s.SaveEntry(ctx, e)
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	got, err := s.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Content != "hello world" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Role != models.RoleUser {
		t.Errorf("Role = %s", got.Role)
	}
	if got.ProjectID() != "mira" {
		t.Errorf("ProjectID = %q, want mira", got.ProjectID())
	}
	if got.Analysis != nil {
		t.Error("analysis should be unset before the pipeline runs")
	}
}

func TestGetEntryNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetEntry(context.Background(), 999); !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSessionTimestampsNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	first := models.UserMessage("s1", "first")
	first.Timestamp = time.Now().UTC()
	if _, err := s.SaveEntry(ctx, first); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	// An entry arriving with an older clock is clamped forward.
	second := models.AssistantMessage("s1", "second")
	second.Timestamp = first.Timestamp.Add(-time.Hour)
	if _, err := s.SaveEntry(ctx, second); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Errorf("timestamp regressed: %v < %v", second.Timestamp, first.Timestamp)
	}
}

func TestUpdateAnalysisPreservesOriginalSalience(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	id, err := s.SaveEntry(ctx, models.UserMessage("s1", "remember this"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	if err := s.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 7.5}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	if err := s.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 3.0}); err != nil {
		t.Fatalf("UpdateAnalysis (second): %v", err)
	}

	got, err := s.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis == nil {
		t.Fatal("analysis missing")
	}
	if got.Analysis.Salience != 3.0 {
		t.Errorf("Salience = %v, want 3.0", got.Analysis.Salience)
	}
	if got.Analysis.OriginalSalience != 7.5 {
		t.Errorf("OriginalSalience = %v, want 7.5 (immutable)", got.Analysis.OriginalSalience)
	}
}

func TestLoadRecentOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	for _, content := range []string{"a", "b", "c", "d"} {
		if _, err := s.SaveEntry(ctx, models.UserMessage("s1", content)); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	entries, err := s.LoadRecent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []string{"b", "c", "d"}
	for i, e := range entries {
		if e.Content != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, e.Content, want[i])
		}
	}
}

func TestRollingSummaryPointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	id1, err := s.StoreSummary(ctx, "s1", models.SummaryRolling, "first digest", 100)
	if err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}
	id2, err := s.StoreSummary(ctx, "s1", models.SummaryRolling, "second digest", 100)
	if err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}
	if id1 == id2 {
		t.Fatal("summary ids should differ")
	}

	rolling, err := s.LatestRollingSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestRollingSummary: %v", err)
	}
	if rolling.ID != id2 {
		t.Errorf("rolling pointer = %d, want %d (newest replaces)", rolling.ID, id2)
	}
	if rolling.Text != "second digest" {
		t.Errorf("Text = %q", rolling.Text)
	}

	// Snapshot does not move the rolling pointer.
	if _, err := s.StoreSummary(ctx, "s1", models.SummarySnapshot, "snap", 50); err != nil {
		t.Fatalf("StoreSummary snapshot: %v", err)
	}
	rolling, err = s.LatestRollingSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestRollingSummary: %v", err)
	}
	if rolling.ID != id2 {
		t.Errorf("snapshot moved the rolling pointer to %d", rolling.ID)
	}

	all, err := s.LatestSummaries(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSummaries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d summaries, want rolling + snapshot", len(all))
	}
	if all[0].Type != models.SummaryRolling {
		t.Errorf("first summary type = %s, want rolling", all[0].Type)
	}
}

func TestErrorPatternUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.ErrorPattern{
		ProjectID:   "proj",
		ToolName:    "write_file",
		Fingerprint: 0xdeadbeefcafe,
		Template:    "permission denied: path",
		Raw:         "Permission denied: /etc/hosts",
	}
	first, err := s.UpsertErrorPattern(ctx, p)
	if err != nil {
		t.Fatalf("UpsertErrorPattern: %v", err)
	}
	if first.Occurrences != 1 {
		t.Errorf("Occurrences = %d, want 1", first.Occurrences)
	}

	second, err := s.UpsertErrorPattern(ctx, p)
	if err != nil {
		t.Fatalf("UpsertErrorPattern (dup): %v", err)
	}
	if second.Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", second.Occurrences)
	}

	if _, err := s.FindResolution(ctx, "proj", "write_file", p.Fingerprint); !IsNotFound(err) {
		t.Errorf("expected NotFound before resolution, got %v", err)
	}
	if err := s.ResolveErrorPattern(ctx, "proj", "write_file", p.Fingerprint, "ensure parent directory exists"); err != nil {
		t.Fatalf("ResolveErrorPattern: %v", err)
	}
	res, err := s.FindResolution(ctx, "proj", "write_file", p.Fingerprint)
	if err != nil {
		t.Fatalf("FindResolution: %v", err)
	}
	if res != "ensure parent directory exists" {
		t.Errorf("resolution = %q", res)
	}
}

func TestListCorrectionsScopeOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(id string, scope models.CorrectionScope, scopeID string) {
		t.Helper()
		err := s.UpsertCorrection(ctx, &models.Correction{
			ID: id, Type: "style", WhatWasWrong: "w", WhatIsRight: "r",
			Scope: scope, ScopeID: scopeID, Confidence: 0.8,
		})
		if err != nil {
			t.Fatalf("UpsertCorrection(%s): %v", id, err)
		}
	}
	add("c-global", models.ScopeGlobal, "")
	add("c-project", models.ScopeProject, "proj")
	add("c-session", models.ScopeSession, "s1")
	add("c-other-project", models.ScopeProject, "other")

	out, err := s.ListCorrections(ctx, "proj", "s1", 5)
	if err != nil {
		t.Fatalf("ListCorrections: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d corrections, want 3", len(out))
	}
	if out[0].ID != "c-session" {
		t.Errorf("most specific first, got %s", out[0].ID)
	}
	if out[len(out)-1].ID != "c-global" {
		t.Errorf("global last, got %s", out[len(out)-1].ID)
	}

	// Retired corrections are excluded.
	retired := *out[0]
	retired.Status = models.CorrectionRetired
	if err := s.UpsertCorrection(ctx, &retired); err != nil {
		t.Fatalf("retire: %v", err)
	}
	out, err = s.ListCorrections(ctx, "proj", "s1", 5)
	if err != nil {
		t.Fatalf("ListCorrections: %v", err)
	}
	for _, c := range out {
		if c.ID == "c-session" {
			t.Error("retired correction still listed")
		}
	}
}

func TestTaskSingleInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := &models.Operation{ID: "op1", SessionID: "s1", Kind: "code_generation", Status: models.OperationPending}
	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}

	t1 := &models.OperationTask{OperationID: "op1", Sequence: 1, Description: "first"}
	t2 := &models.OperationTask{OperationID: "op1", Sequence: 2, Description: "second"}
	if _, err := s.CreateTask(ctx, t1); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask(ctx, t2); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	t1.Status = models.TaskInProgress
	if err := s.UpdateTask(ctx, t1); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	t2.Status = models.TaskInProgress
	err := s.UpdateTask(ctx, t2)
	if err == nil {
		t.Fatal("expected conflict: two tasks in progress")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Kind != KindConflict {
		t.Errorf("expected Conflict kind, got %v", err)
	}
}

func TestDuplicateTaskSequenceConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, &models.OperationTask{OperationID: "op1", Sequence: 1, Description: "a"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err := s.CreateTask(ctx, &models.OperationTask{OperationID: "op1", Sequence: 1, Description: "b"})
	var se *StorageError
	if !errors.As(err, &se) || se.Kind != KindConflict {
		t.Errorf("expected Conflict on duplicate sequence, got %v", err)
	}
}

func TestTouchRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	id, err := s.SaveEntry(ctx, models.UserMessage("s1", "fact"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := s.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 5}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	if err := s.TouchRecall(ctx, []int64{id}); err != nil {
		t.Fatalf("TouchRecall: %v", err)
	}
	if err := s.TouchRecall(ctx, []int64{id}); err != nil {
		t.Fatalf("TouchRecall: %v", err)
	}

	got, err := s.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis.RecallCount != 2 {
		t.Errorf("RecallCount = %d, want 2", got.Analysis.RecallCount)
	}
	if got.Analysis.LastRecalled == nil {
		t.Error("LastRecalled not stamped")
	}
}

func TestCochangeRelatedFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := &models.CochangePattern{ProjectID: "proj", FileA: "b.go", FileB: "a.go", Confidence: 0.9}
	for i := 0; i < 3; i++ {
		if err := s.RecordCochange(ctx, pair); err != nil {
			t.Fatalf("RecordCochange: %v", err)
		}
	}

	refs, err := s.RelatedFiles(ctx, "proj", "a.go", 5)
	if err != nil {
		t.Fatalf("RelatedFiles: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(refs))
	}
	if refs[0].Path != "b.go" {
		t.Errorf("Path = %q, want b.go", refs[0].Path)
	}
	if refs[0].Count != 3 {
		t.Errorf("Count = %d, want 3 (normalized pair order)", refs[0].Count)
	}
}

func TestSessionsNeedingSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "busy")
	seedSession(t, s, "quiet")

	for i := 0; i < 5; i++ {
		if _, err := s.SaveEntry(ctx, models.UserMessage("busy", "m")); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	due, err := s.SessionsNeedingSummary(ctx, 5)
	if err != nil {
		t.Fatalf("SessionsNeedingSummary: %v", err)
	}
	if len(due) != 1 || due[0].ID != "busy" {
		t.Fatalf("due = %+v, want [busy]", due)
	}

	// Storing a rolling summary resets the step counter.
	if _, err := s.StoreSummary(ctx, "busy", models.SummaryRolling, "digest", 5); err != nil {
		t.Fatalf("StoreSummary: %v", err)
	}
	due, err = s.SessionsNeedingSummary(ctx, 5)
	if err != nil {
		t.Fatalf("SessionsNeedingSummary: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due after summary = %+v, want none", due)
	}
}

func TestMarkSessionsInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "old")

	n, err := s.MarkSessionsInactive(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkSessionsInactive: %v", err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}
	st, err := s.GetSession(ctx, "old")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !st.Inactive {
		t.Error("session should be inactive")
	}
}

func TestTurnMetadataDoesNotClaimAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	id, err := s.SaveEntry(ctx, models.AssistantMessage("s1", "the answer is 4"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	meta := &models.Analysis{ModelVersion: "claude-sonnet-4-20250514", PromptTokens: 120, CompletionTokens: 30, LatencyMs: 900}
	if err := s.SetTurnMetadata(ctx, id, meta); err != nil {
		t.Fatalf("SetTurnMetadata: %v", err)
	}

	// The entry still counts as unanalyzed for the drain.
	missing, err := s.EntriesMissingAnalysis(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingAnalysis: %v", err)
	}
	found := false
	for _, e := range missing {
		if e.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("metadata-only entry excluded from the drain")
	}

	// The real analysis fixes original_salience and keeps the metadata.
	if err := s.UpdateAnalysis(ctx, id, &models.Analysis{Salience: 6.5, AnalysisVersion: "v2-unified"}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	got, err := s.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis.OriginalSalience != 6.5 {
		t.Errorf("OriginalSalience = %v, want 6.5 (fixed by the analysis, not the metadata row)", got.Analysis.OriginalSalience)
	}
	if got.Analysis.PromptTokens != 120 || got.Analysis.ModelVersion != "claude-sonnet-4-20250514" {
		t.Errorf("turn metadata lost: %+v", got.Analysis)
	}

	// And it is now out of the drain.
	missing, err = s.EntriesMissingAnalysis(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingAnalysis: %v", err)
	}
	for _, e := range missing {
		if e.ID == id {
			t.Error("analyzed entry still in the drain")
		}
	}
}

func TestEntriesMissingEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	routed, err := s.SaveEntry(ctx, models.UserMessage("s1", "routed but unembedded"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := s.UpdateAnalysis(ctx, routed, &models.Analysis{Salience: 5, RoutedToHeads: []string{"conversation"}}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}

	embedded, err := s.SaveEntry(ctx, models.UserMessage("s1", "already embedded"))
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := s.UpdateAnalysis(ctx, embedded, &models.Analysis{Salience: 5, RoutedToHeads: []string{"conversation"}}); err != nil {
		t.Fatalf("UpdateAnalysis: %v", err)
	}
	if err := s.SetEmbeddingInfo(ctx, embedded, []string{"conversation"}, []string{"point-1"}); err != nil {
		t.Fatalf("SetEmbeddingInfo: %v", err)
	}

	missing, err := s.EntriesMissingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("EntriesMissingEmbedding: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != routed {
		t.Errorf("missing = %+v, want only the unembedded entry", missing)
	}
}
