// Package compact builds the trimmed NOW/RULES/NEXT context view used for
// small-context model prompting and for digest summaries.
//
// The three sections partition what a small model needs to stay oriented:
// NOW is the active state, RULES are stable constraints, NEXT are pending
// follow-ups. Each section is bounded so the formatted block has a known
// worst-case size.
package compact

import (
	"fmt"
	"strings"

	"engram/internal/event"
)

// Caps bounds the entry count per section. Zero means the default.
type Caps struct {
	Now   int
	Rules int
	Next  int
}

const (
	defaultNowCap   = 5
	defaultRulesCap = 5
	defaultNextCap  = 3
)

func (c Caps) orDefaults() Caps {
	if c.Now <= 0 {
		c.Now = defaultNowCap
	}
	if c.Rules <= 0 {
		c.Rules = defaultRulesCap
	}
	if c.Next <= 0 {
		c.Next = defaultNextCap
	}
	return c
}

// Context is the ranked three-section selection.
type Context struct {
	Now   []string
	Rules []string
	Next  []string
}

// Build partitions events into sections. Events are expected in rank order;
// each section keeps its first matching entries up to the cap.
//
// Partitioning: tasks become NEXT, knowledge/decision facts become RULES,
// everything else (messages, observations, notes) is active state in NOW.
func Build(events []event.Event, caps Caps) Context {
	caps = caps.orDefaults()
	var c Context
	for _, ev := range events {
		switch {
		case ev.Type == event.TypeTask:
			if len(c.Next) < caps.Next {
				c.Next = append(c.Next, entryText(ev))
			}
		case isRule(ev):
			if len(c.Rules) < caps.Rules {
				c.Rules = append(c.Rules, entryText(ev))
			}
		default:
			if len(c.Now) < caps.Now {
				c.Now = append(c.Now, entryText(ev))
			}
		}
		if len(c.Now) >= caps.Now && len(c.Rules) >= caps.Rules && len(c.Next) >= caps.Next {
			break
		}
	}
	return c
}

func isRule(ev event.Event) bool {
	cat, _ := ev.Data["category"].(string)
	return cat == "knowledge" || cat == "decision"
}

func entryText(ev event.Event) string {
	if raw, ok := ev.Data["raw_text"].(string); ok && raw != "" {
		return raw
	}
	if topic, ok := ev.Data["topic"].(string); ok && topic != "" {
		return fmt.Sprintf("%s: %s", ev.Type, topic)
	}
	return ev.Type
}

// Empty reports whether no section has entries.
func (c Context) Empty() bool {
	return len(c.Now) == 0 && len(c.Rules) == 0 && len(c.Next) == 0
}

// Format renders the three sections as a compact text block.
func (c Context) Format() string {
	var sb strings.Builder
	section := func(name string, entries []string) {
		sb.WriteString(name)
		sb.WriteString(":\n")
		if len(entries) == 0 {
			sb.WriteString("- (leer)\n")
			return
		}
		for _, e := range entries {
			sb.WriteString("- ")
			sb.WriteString(e)
			sb.WriteString("\n")
		}
	}
	section("NOW", c.Now)
	section("RULES", c.Rules)
	section("NEXT", c.Next)
	return strings.TrimRight(sb.String(), "\n")
}
