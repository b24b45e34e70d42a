package compact

import (
	"strings"
	"testing"
	"time"

	"engram/internal/event"
)

func ev(typ, raw, category string) event.Event {
	return event.Event{
		ID:        typ + "-" + raw,
		Type:      typ,
		CreatedAt: time.Now(),
		Data:      map[string]any{"raw_text": raw, "category": category},
	}
}

func TestBuildPartitions(t *testing.T) {
	events := []event.Event{
		ev(event.TypeUserMessage, "what about the deploy", "user"),
		ev(event.TypeObservation, "prefers staging first", "knowledge"),
		ev(event.TypeTask, "verify backup job", "user"),
		ev(event.TypeNote, "deploy window friday", "decision"),
		ev(event.TypeAssistantMessage, "checking now", "user"),
	}
	c := Build(events, Caps{})

	if len(c.Now) != 2 {
		t.Errorf("NOW = %v", c.Now)
	}
	if len(c.Rules) != 2 {
		t.Errorf("RULES = %v", c.Rules)
	}
	if len(c.Next) != 1 || c.Next[0] != "verify backup job" {
		t.Errorf("NEXT = %v", c.Next)
	}
}

func TestBuildRespectsCaps(t *testing.T) {
	var events []event.Event
	for i := 0; i < 20; i++ {
		events = append(events, ev(event.TypeUserMessage, strings.Repeat("x", i+1), "user"))
	}
	c := Build(events, Caps{Now: 3})
	if len(c.Now) != 3 {
		t.Errorf("NOW cap not enforced: %d entries", len(c.Now))
	}
	// Rank order preserved: first events in, later ones dropped.
	if c.Now[0] != "x" {
		t.Errorf("NOW[0] = %q, want first-ranked entry", c.Now[0])
	}
}

func TestFormatSections(t *testing.T) {
	c := Context{
		Now:   []string{"active thing"},
		Rules: []string{"stable constraint"},
	}
	got := c.Format()
	for _, want := range []string{"NOW:", "RULES:", "NEXT:", "- active thing", "- stable constraint", "- (leer)"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted block missing %q:\n%s", want, got)
		}
	}
}

func TestEmpty(t *testing.T) {
	if !(Context{}).Empty() {
		t.Error("zero context should be empty")
	}
	if (Context{Now: []string{"x"}}).Empty() {
		t.Error("context with entries should not be empty")
	}
}

func TestEntryTextFallbacks(t *testing.T) {
	e := event.Event{Type: event.TypeNote, Data: map[string]any{"topic": "garden"}}
	c := Build([]event.Event{e}, Caps{})
	if c.Now[0] != "note: garden" {
		t.Errorf("topic fallback = %q", c.Now[0])
	}

	bare := event.Event{Type: event.TypeObservation}
	c = Build([]event.Event{bare}, Caps{})
	if c.Now[0] != "observation" {
		t.Errorf("type fallback = %q", c.Now[0])
	}
}
