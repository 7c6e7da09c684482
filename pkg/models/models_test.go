package models

import "testing"

func TestOperationStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OperationStatus
		want     bool
	}{
		{OperationPending, OperationRunning, true},
		{OperationPending, OperationDelegated, false},
		{OperationRunning, OperationDelegated, true},
		{OperationRunning, OperationCompleted, true},
		{OperationRunning, OperationFailed, true},
		{OperationRunning, OperationCancelled, true},
		{OperationDelegated, OperationRunning, true},
		{OperationDelegated, OperationCompleted, true},
		{OperationCompleted, OperationRunning, false},
		{OperationFailed, OperationCancelled, false},
		{OperationCancelled, OperationRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOperationStatusTerminal(t *testing.T) {
	for _, s := range []OperationStatus{OperationCompleted, OperationFailed, OperationCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OperationStatus{OperationPending, OperationRunning, OperationDelegated} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMessageEntryProjectID(t *testing.T) {
	e := UserMessage("s1", "hello")
	if got := e.ProjectID(); got != "" {
		t.Errorf("ProjectID() = %q, want empty", got)
	}
	e.Tags = []string{"summary", "project:mira", "session:s1"}
	if got := e.ProjectID(); got != "mira" {
		t.Errorf("ProjectID() = %q, want mira", got)
	}
}

func TestDocumentMessageTags(t *testing.T) {
	e := DocumentMessage("s1", "content", "src/main.go")
	if e.Role != RoleDocument {
		t.Errorf("Role = %s, want document", e.Role)
	}
	if !e.HasTag("document") {
		t.Error("expected document tag")
	}
	if !e.HasTag("file:src/main.go") {
		t.Error("expected file tag")
	}
}

func TestValidAgentID(t *testing.T) {
	valid := []string{"explore", "my-agent", "a2", "code_reviewer"}
	invalid := []string{"", "Explore", "2agent", "-agent", "agent name"}
	for _, id := range valid {
		if !ValidAgentID(id) {
			t.Errorf("ValidAgentID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidAgentID(id) {
			t.Errorf("ValidAgentID(%q) = true, want false", id)
		}
	}
}

func TestEventTypeTerminal(t *testing.T) {
	if !EventCompleted.Terminal() || !EventFailed.Terminal() || !EventCancelled.Terminal() {
		t.Error("completed/failed/cancelled must be terminal")
	}
	if EventStreaming.Terminal() || EventDelegated.Terminal() || EventStarted.Terminal() {
		t.Error("non-terminal event reported terminal")
	}
}
