package contextmgr

import (
	"encoding/json"
	"strings"
	"testing"

	"engram/internal/config"
	"engram/internal/event"
)

func TestBuildSmallModelContextFailClosed(t *testing.T) {
	b := NewBuilder(config.SmallModel{CharCap: 6000}, nil)

	out := b.BuildSmallModelContext(nil, "", "", true)
	if out == "" {
		t.Fatal("context must never be empty")
	}
	if !IsErrorBlock(out) {
		t.Errorf("failed retrieval must produce the error block, got %q", out)
	}
	if !strings.Contains(out, "Rückfrage") {
		t.Error("error block must direct the model to ask back")
	}
	if !strings.Contains(out, "NEXT:") {
		t.Error("error block must stay in the NOW/RULES/NEXT shape")
	}
}

func TestBuildSmallModelContextNeverEmpty(t *testing.T) {
	b := NewBuilder(config.SmallModel{CharCap: 6000}, nil)
	out := b.BuildSmallModelContext(nil, "", "", false)
	if out == "" {
		t.Fatal("empty inputs must still render the section skeleton")
	}
	if !strings.Contains(out, "- (leer)") {
		t.Errorf("empty sections should render placeholders, got %q", out)
	}
}

func TestBuildSmallModelContextSections(t *testing.T) {
	b := NewBuilder(config.SmallModel{CharCap: 6000, ToolCtxCap: 2000}, nil)
	events := []event.Event{
		{Type: event.TypeTask, Data: map[string]any{"raw_text": "Blumen gießen"}},
		{Type: event.TypeUserMessage, Data: map[string]any{"raw_text": "Hallo", "category": "user"}},
	}

	out := b.BuildSmallModelContext(events, "memory hit", "", false)
	if !strings.Contains(out, "memory hit") {
		t.Error("memory text missing")
	}
	if !strings.Contains(out, "NEXT:\n- Blumen gießen") {
		t.Errorf("task not routed to NEXT:\n%s", out)
	}
}

func TestClipRespectsBudget(t *testing.T) {
	long := strings.Repeat("a", 500)
	out := Clip(long, 100)
	if len(out) > 100 {
		t.Errorf("clipped length = %d, cap 100", len(out))
	}
	if !strings.Contains(out, "[...truncated:") {
		t.Errorf("clip marker missing: %q", out)
	}
}

func TestClipNoOpUnderCap(t *testing.T) {
	if got := Clip("short", 100); got != "short" {
		t.Errorf("Clip = %q", got)
	}
	if got := Clip("anything", 0); got != "anything" {
		t.Errorf("cap 0 must disable clipping, got %q", got)
	}
}

func TestClippedJSONStaysParseable(t *testing.T) {
	// Pipeline clips tool payloads by wrapping, not by cutting mid-string;
	// the marker itself must survive a JSON round trip when embedded.
	payload := map[string]string{"result": Clip(strings.Repeat("x", 5000), 200)}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]string
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(back["result"], "truncated") {
		t.Error("marker lost in round trip")
	}
}
