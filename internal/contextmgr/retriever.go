// Package contextmgr assembles the model context for a chat turn.
//
// Retrieval pulls from three sources: the memory graph (through the tool
// hub), the typed-state event log, and the daily protocol files. The
// temporal guard keeps "today" questions away from the graph, whose embeddings
// lag the present day; those are answered from the protocol file instead.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"engram/internal/config"
	"engram/internal/event"
	"engram/internal/logging"
	"engram/internal/mcp"
)

// Context is the assembled retrieval result for one turn.
type Context struct {
	Memory        string        // graph/memory search text, empty when guarded
	Facts         string        // plan-requested fact lookups, key: value lines
	Events        []event.Event // typed-state rows, rank sorted
	Protocol      string        // daily protocol text, when the guard fired
	TemporalGuard bool          // true when graph search was blocked
	MemoryUsed    bool          // true when any memory source contributed text
	Sources       []string      // which sources contributed, in retrieval order
}

// Query carries the turn facts and the plan hints that steer retrieval.
type Query struct {
	Text           string
	Trigger        string
	ConversationID string
	NeedsMemory    bool
	MemoryKeys     []string
}

// Retriever assembles Context values.
type Retriever struct {
	hub    *mcp.Hub
	loader *event.Loader
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewRetriever creates a Retriever.
func NewRetriever(hub *mcp.Hub, loader *event.Loader, cfg config.Config, logger *slog.Logger) *Retriever {
	return &Retriever{
		hub:    hub,
		loader: loader,
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "contextmgr"),
		now:    time.Now,
	}
}

// todayWords match queries that reference the present day. Both the German
// originals and their English forms are recognized.
var todayWords = regexp.MustCompile(`(?i)\b(heute|heutig\w*|today|jetzt gerade)\b`)

// refersToToday reports whether the query is about the current day.
func refersToToday(query string) bool {
	return todayWords.MatchString(query)
}

// GetContext retrieves memory and event context for a query. Memory search,
// fact lookups, and the typed-state load run concurrently; any source failing
// alone degrades to empty rather than failing the turn.
//
// When the trigger is time_reference and the query refers to today, graph
// search is skipped entirely and the daily protocol file is read instead.
// Plan hints steer the rest: graph search only runs when the plan wants
// memory, and named memory keys are loaded directly.
func (r *Retriever) GetContext(ctx context.Context, q Query) (*Context, error) {
	out := &Context{}

	guard := q.Trigger == "time_reference" && refersToToday(q.Text)
	out.TemporalGuard = guard

	g, gctx := errgroup.WithContext(ctx)

	if guard {
		out.Protocol = r.readTodayProtocol()
		out.Sources = append(out.Sources, "daily_protocol")
		r.logger.Info("temporal guard active, graph search skipped",
			"trigger", q.Trigger, "protocol_found", out.Protocol != "")
	} else if r.hub != nil && (q.NeedsMemory || q.Trigger == "fact_recall") {
		g.Go(func() error {
			res, err := r.hub.Call(gctx, "memory_search_layered", map[string]any{"query": q.Text})
			if err != nil {
				r.logger.Warn("memory search failed", "error", err)
				return nil
			}
			if !res.IsError {
				out.Memory = res.Text
			}
			return nil
		})
	}

	if r.hub != nil && len(q.MemoryKeys) > 0 {
		keys := q.MemoryKeys
		g.Go(func() error {
			facts, _ := r.LookupFacts(gctx, keys)
			out.Facts = facts
			return nil
		})
	}

	if r.loader != nil {
		g.Go(func() error {
			out.Events = r.loader.MaybeLoad(q.Trigger, q.ConversationID, r.cfg.Digest.FiltersEnable)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}

	if out.Memory != "" {
		out.Sources = append(out.Sources, "memory_graph")
	}
	if out.Facts != "" {
		out.Sources = append(out.Sources, "fact_store")
	}
	if len(out.Events) > 0 {
		out.Sources = append(out.Sources, "typed_state")
	}
	out.MemoryUsed = out.Memory != "" || out.Facts != "" || out.Protocol != ""
	return out, nil
}

// LookupFacts loads the named fact keys via the hub and renders them as
// key: value lines. The count of keys that resolved is returned alongside.
func (r *Retriever) LookupFacts(ctx context.Context, keys []string) (string, int) {
	if r.hub == nil {
		return "", 0
	}
	var lines []string
	for _, key := range keys {
		res, err := r.hub.Call(ctx, "memory_fact_load", map[string]any{"query": key})
		if err != nil || res.IsError || strings.TrimSpace(res.Text) == "" {
			continue
		}
		lines = append(lines, key+": "+strings.TrimSpace(res.Text))
	}
	return strings.Join(lines, "\n"), len(lines)
}

// readTodayProtocol finds and reads today's protocol markdown. Files may sit
// at any depth under the protocol dir, so matching is done by glob.
func (r *Retriever) readTodayProtocol() string {
	if r.cfg.ProtocolDir == "" {
		return ""
	}
	day := r.now().Format(time.DateOnly)
	pattern := "**/" + day + ".md"

	fsys := os.DirFS(r.cfg.ProtocolDir)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil || len(matches) == 0 {
		// Flat layout fallback.
		matches, _ = doublestar.Glob(fsys, day+".md")
	}
	if len(matches) == 0 {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(r.cfg.ProtocolDir, matches[0]))
	if err != nil {
		r.logger.Warn("protocol file unreadable", "path", matches[0], "error", err)
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ProtocolHeader renders the guard fallback for the prompt.
func ProtocolHeader(day time.Time, text string) string {
	if text == "" {
		return fmt.Sprintf("Tagesprotokoll %s: keine Einträge.", day.Format(time.DateOnly))
	}
	return fmt.Sprintf("Tagesprotokoll %s:\n%s", day.Format(time.DateOnly), text)
}
