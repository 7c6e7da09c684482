package pipeline

import (
	"context"
	"testing"

	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/internal/vector"
	"github.com/haasonsaas/mira/pkg/models"
)

func TestDetectCode(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode bool
		wantLang string
	}{
		{"fenced go", "here:\n```go\nfunc main() {}\n```", true, "go"},
		{"plain prose", "let's grab lunch tomorrow and talk", false, ""},
		{"bare fence", "```\nsomething\n```", true, ""},
		{"keyword density", "func read() { return nil }\nvar x = 1\nconst y = 2\npackage main", true, "go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isCode, lang := detectCode(tt.content)
			if isCode != tt.wantCode {
				t.Errorf("detectCode() code = %v, want %v", isCode, tt.wantCode)
			}
			if tt.wantLang != "" && lang != tt.wantLang {
				t.Errorf("detectCode() lang = %q, want %q", lang, tt.wantLang)
			}
		})
	}
}

func TestDetectError(t *testing.T) {
	isErr, errType, severity, file := detectError("build output:\npanic: runtime error at main.go:42\ngoroutine 1")
	if !isErr {
		t.Fatal("expected error detection")
	}
	if errType != "crash" {
		t.Errorf("errType = %q, want crash", errType)
	}
	if severity != "fatal" {
		t.Errorf("severity = %q, want fatal", severity)
	}
	if file != "main.go" {
		t.Errorf("file = %q, want main.go", file)
	}

	if isErr, _, _, _ := detectError("everything went fine"); isErr {
		t.Error("false positive on clean content")
	}
}

func TestHeuristicSalienceBounds(t *testing.T) {
	s := heuristicSalience("remember this important decision, always use the never list, must promise deadline", true, true)
	if s > 10 {
		t.Errorf("salience %v exceeds 10", s)
	}
	low := heuristicSalience("ok", false, false)
	if low >= s {
		t.Errorf("trivial content scored %v >= rich content %v", low, s)
	}
}

func TestRouteHeads(t *testing.T) {
	plain := models.UserMessage("s1", "hello")
	heads := routeHeads(plain, &models.Analysis{})
	if len(heads) != 1 || heads[0] != vector.HeadConversation {
		t.Errorf("plain routing = %v, want [conversation]", heads)
	}

	code := models.UserMessage("s1", "func main() {}")
	heads = routeHeads(code, &models.Analysis{ContainsCode: true})
	if len(heads) != 2 || heads[1] != vector.HeadCode {
		t.Errorf("code routing = %v, want [conversation code]", heads)
	}

	summary := &models.MessageEntry{SessionID: "s1", Role: models.RoleSummary, Content: "digest"}
	heads = routeHeads(summary, &models.Analysis{})
	found := false
	for _, h := range heads {
		if h == vector.HeadSummary {
			found = true
		}
	}
	if !found {
		t.Errorf("summary routing = %v, missing summary head", heads)
	}
}

func TestCommitIsIdempotentOnOriginalSalience(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	entry := models.UserMessage("s1", "remember the deploy password pattern must always rotate")
	id, err := store.SaveEntry(ctx, entry)
	if err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	entry.ID = id

	// Heuristics-only analyzer (nil provider).
	analyzer := New(nil, store, nil)
	first, err := analyzer.Commit(ctx, entry)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if first.AnalysisVersion != AnalysisVersion {
		t.Errorf("version = %q", first.AnalysisVersion)
	}

	// Re-running replaces the analysis but not original_salience.
	if _, err := analyzer.Commit(ctx, entry); err != nil {
		t.Fatalf("Commit (again): %v", err)
	}
	got, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Analysis.OriginalSalience != first.Salience {
		t.Errorf("OriginalSalience = %v, want %v", got.Analysis.OriginalSalience, first.Salience)
	}
}

func TestParseAnalysisJSONWithFence(t *testing.T) {
	payload, err := parseAnalysisJSON("```json\n{\"salience\": 7.0, \"contains_code\": true}\n```")
	if err != nil {
		t.Fatalf("parseAnalysisJSON: %v", err)
	}
	if payload.Salience != 7.0 || !payload.ContainsCode {
		t.Errorf("payload = %+v", payload)
	}
}
