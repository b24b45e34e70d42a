package contextmgr

import (
	"log/slog"
	"strconv"
	"strings"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/event"
	"engram/internal/logging"
)

// errorBlock is the fail-closed small-model context. A small model handed an
// empty context invents facts, so retrieval failure must still produce a
// well-formed block that tells the model to ask instead of guessing.
const errorBlock = "[CONTEXT ERROR] Kontext konnte nicht geladen werden.\n" +
	"NOW:\n- (leer)\n" +
	"RULES:\n- Keine Annahmen über fehlende Fakten treffen.\n" +
	"NEXT:\n- Rückfrage: fehlenden Kontext vom Nutzer erfragen."

// Builder renders retrieval results into the bounded small-model prompt block.
type Builder struct {
	cfg    config.SmallModel
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg config.SmallModel, logger *slog.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logging.Default(logger).With("component", "context-builder")}
}

// BuildSmallModelContext renders the NOW/RULES/NEXT block for a turn.
// failed marks the retrieval as broken, which yields the error block. The
// result is never the empty string.
func (b *Builder) BuildSmallModelContext(events []event.Event, memory, protocol string, failed bool) string {
	if failed {
		b.logger.Warn("retrieval failed, emitting fail-closed context block")
		return errorBlock
	}

	sections := compact.Build(events, compact.Caps{})
	var sb strings.Builder
	if memory != "" {
		sb.WriteString(Clip(memory, b.cfg.ToolCtxCap))
		sb.WriteString("\n\n")
	}
	if protocol != "" {
		sb.WriteString(Clip(protocol, b.cfg.ToolCtxCap))
		sb.WriteString("\n\n")
	}
	sb.WriteString(sections.Format())

	out := strings.TrimSpace(sb.String())
	if out == "" {
		out = compact.Context{}.Format()
	}
	return Clip(out, b.cfg.FinalCapOrFallback())
}

// IsErrorBlock reports whether a context block is the fail-closed fallback.
func IsErrorBlock(s string) bool {
	return strings.HasPrefix(s, "[CONTEXT ERROR]")
}

// Clip bounds s to max characters, marking the cut. max <= 0 disables
// clipping. The marker counts against the budget, so the result never
// exceeds max.
func Clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	marker := "[...truncated:" + strconv.Itoa(cut) + "]"
	keep := max - len(marker)
	if keep < 0 {
		return marker[:max]
	}
	return s[:keep] + marker
}
