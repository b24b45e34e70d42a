package pipeline

import (
	"strings"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/contextmgr"
)

// BuildToolContext renders tool outcomes into the single tool_ctx block the
// output prompt consumes. There is exactly one source for this block; no
// stage appends tool text anywhere else.
//
// On failure a compact NOW/RULES/NEXT recovery view is built from the
// failure markers and PREPENDED under a failure_ctx tag, so it cannot be
// pushed past the cap by long successful payloads. The error and skip
// markers always survive clipping: clipping applies to the detail after a
// marker, never to the marker itself.
func BuildToolContext(outcomes []ToolOutcome, cfg config.SmallModel) string {
	if len(outcomes) == 0 {
		return ""
	}

	var failures []string
	var results []string
	perTool := cfg.ToolCtxCap
	if perTool <= 0 {
		perTool = 2000
	}

	for _, out := range outcomes {
		if out.Failed || out.Skipped {
			failures = append(failures, clipAfterMarker(out.Text, perTool))
			continue
		}
		text := out.Text
		if text == "" {
			text = "(kein Ergebnis)"
		}
		results = append(results, clipWithPrefix(out.Tool+": ", text, perTool))
	}

	var sb strings.Builder
	if len(failures) > 0 {
		sb.WriteString("[failure_ctx]\n")
		sb.WriteString(failureRecovery(failures).Format())
		sb.WriteString("\n")
	}
	if len(results) > 0 {
		sb.WriteString("[tool_ctx]\n")
		sb.WriteString(strings.Join(results, "\n"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// failureRecovery shapes failure markers into the compact recovery view the
// output model can act on: the markers are the state, the rules forbid
// guessing, the next step is to ask or answer without the tool.
func failureRecovery(failures []string) compact.Context {
	return compact.Context{
		Now:   failures,
		Rules: []string{"Keine Annahmen über fehlgeschlagene Tool-Ergebnisse treffen."},
		Next:  []string{"Rückfrage stellen oder ohne das Tool-Ergebnis antworten."},
	}
}

// clipAfterMarker bounds a failure line without ever touching the marker
// prefix. The marker counts against the cap, so the line never exceeds it.
func clipAfterMarker(line string, max int) string {
	for _, marker := range []string{MarkerToolError, MarkerToolSkip} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			return clipWithPrefix(marker, rest, max)
		}
	}
	return contextmgr.Clip(line, max)
}

// clipWithPrefix clips prefix+text to max characters total. The prefix is
// kept whole as long as it fits; Clip keeps the head of its input, so even
// a tiny cap preserves the start of the prefix.
func clipWithPrefix(prefix, text string, max int) string {
	if max <= 0 {
		return prefix + text
	}
	if len(prefix) >= max {
		return contextmgr.Clip(prefix+text, max)
	}
	return prefix + contextmgr.Clip(text, max-len(prefix))
}

// FinalizePrompt applies the final context cap after all appends. The final
// cap is the last bound on the assembled prompt context; nothing is added
// after it.
func FinalizePrompt(assembled string, cfg config.SmallModel) string {
	return contextmgr.Clip(assembled, cfg.FinalCapOrFallback())
}

// HasFailureMarkers reports whether any outcome carries an error or skip
// marker. Memory autosave is suppressed on failed turns.
func HasFailureMarkers(outcomes []ToolOutcome) bool {
	for _, out := range outcomes {
		if out.Failed || out.Skipped {
			return true
		}
	}
	return false
}
