package event

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/runstate"
)

// JIT trigger categories that open the typed-state file in jit-only mode.
const (
	TriggerTimeReference = "time_reference"
	TriggerFactRecall    = "fact_recall"
	TriggerRemember      = "remember"
)

// Filter restricts which rows a Load call returns.
type Filter struct {
	StartTS        time.Time
	EndTS          time.Time
	ConversationID string
	Actions        []string
	SortByRank     bool
}

// row is a parsed typed-state CSV row, kept in the pre-rank shape so the
// cache stays valid while rank (which depends on "now") changes between loads.
type row struct {
	id          string
	conv        string
	ts          time.Time
	action      string
	reliability string
	confidence  string
	category    string
	data        map[string]any
}

// Loader reads typed-state events from the external CSV file.
//
// Parsed rows are cached between loads; an fsnotify watcher on the parent
// directory invalidates the cache when the file changes. When the watcher
// cannot be created the loader silently falls back to re-reading the file on
// every call.
type Loader struct {
	cfg    config.TypedState
	state  *runstate.Store // nil disables JIT telemetry
	logger *slog.Logger

	warnOnce sync.Once
	modeOnce sync.Once

	mu     sync.Mutex
	cache  []row
	cached bool

	watcher *fsnotify.Watcher
	now     func() time.Time
}

// NewLoader creates a Loader. state may be nil.
func NewLoader(cfg config.TypedState, state *runstate.Store, logger *slog.Logger) *Loader {
	l := &Loader{
		cfg:    cfg,
		state:  state,
		logger: logging.Default(logger).With("component", "csv-loader"),
		now:    time.Now,
	}
	l.startWatcher()
	return l
}

// Close stops the cache invalidation watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}

func (l *Loader) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("cache watcher unavailable, reloading per call", "error", err)
		return
	}
	if err := w.Add(filepath.Dir(l.cfg.Path)); err != nil {
		l.logger.Warn("cache watcher unavailable, reloading per call", "error", err)
		_ = w.Close()
		return
	}
	l.watcher = w

	base := filepath.Base(l.cfg.Path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == base {
					l.mu.Lock()
					l.cached = false
					l.cache = nil
					l.mu.Unlock()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Load reads, filters, ranks, and optionally sorts typed-state events.
// A missing file yields an empty slice without error.
func (l *Loader) Load(f Filter) ([]Event, error) {
	rows, err := l.rows()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	now := l.now()
	var out []Event
	for _, r := range rows {
		if f.ConversationID != "" && r.conv != f.ConversationID {
			continue
		}
		if !f.StartTS.IsZero() && r.ts.Before(f.StartTS) {
			continue
		}
		if !f.EndTS.IsZero() && r.ts.After(f.EndTS) {
			continue
		}
		if len(f.Actions) > 0 && !contains(f.Actions, r.action) {
			continue
		}
		out = append(out, Event{
			ID:             r.id,
			ConversationID: r.conv,
			Type:           r.action,
			CreatedAt:      r.ts,
			Data:           r.data,
			Rank:           rankScore(r.reliability, r.confidence, r.category, r.ts, now),
		})
	}
	if f.SortByRank {
		sortByRank(out)
	}
	return out, nil
}

// MaybeLoad is the config-gated convenience wrapper used by the context
// manager. In jit-only mode an unknown or empty trigger short-circuits to nil
// without opening the file. Valid triggers imply a lookback window when
// digest filters are enabled. Telemetry for each real load is written to the
// runtime state's jit block.
func (l *Loader) MaybeLoad(trigger, conversationID string, filtersEnable bool) []Event {
	if !l.cfg.Enable {
		return nil
	}
	// csv is the only implemented backend; an unknown mode loads nothing
	// rather than silently reading a file in the wrong format.
	if l.cfg.Mode != "" && l.cfg.Mode != "csv" {
		l.modeOnce.Do(func() {
			l.logger.Warn("unknown typed-state mode, loads disabled", "mode", l.cfg.Mode)
		})
		return nil
	}
	if l.cfg.JITOnly {
		switch trigger {
		case TriggerTimeReference, TriggerFactRecall, TriggerRemember:
		default:
			return nil
		}
	} else if trigger == "" {
		l.warnOnce.Do(func() {
			l.logger.Warn("typed-state load without trigger while jit gating is disabled")
		})
	}

	f := Filter{ConversationID: conversationID, SortByRank: true}
	if filtersEnable {
		if window := l.cfg.JITWindow(trigger); window > 0 {
			f.StartTS = l.now().Add(-window)
		}
	}

	events, err := l.Load(f)
	if err != nil {
		l.logger.Error("typed-state load failed", "trigger", trigger, "error", err)
		return nil
	}

	if l.state != nil {
		if err := l.state.UpdateJIT(runstate.JIT{Trigger: trigger, Rows: len(events), TS: l.now().UTC()}); err != nil {
			l.logger.Warn("jit telemetry write failed", "error", err)
		}
	}
	return events
}

// Conversations returns the distinct conversation IDs in the file.
func (l *Loader) Conversations() []string {
	rows, err := l.rows()
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range rows {
		if r.conv != "" && !seen[r.conv] {
			seen[r.conv] = true
			out = append(out, r.conv)
		}
	}
	return out
}

func (l *Loader) rows() ([]row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil && l.cached {
		return l.cache, nil
	}

	rows, err := l.parse()
	if err != nil {
		return nil, err
	}
	if l.watcher != nil {
		l.cache = rows
		l.cached = true
	}
	return rows, nil
}

func (l *Loader) parse() ([]row, error) {
	f, err := os.Open(l.cfg.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read typed-state header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.Warn("skipping corrupt typed-state row", "error", err)
			continue
		}

		ts, err := time.Parse(time.RFC3339, field(rec, "timestamp"))
		if err != nil {
			l.logger.Warn("skipping row with bad timestamp", "event_id", field(rec, "event_id"))
			continue
		}

		rows = append(rows, row{
			id:          field(rec, "event_id"),
			conv:        field(rec, "conversation_id"),
			ts:          ts,
			action:      field(rec, "action"),
			reliability: field(rec, "source_reliability"),
			confidence:  field(rec, "confidence_overall"),
			category:    field(rec, "category"),
			data:        mergeData(rec, field),
		})
	}
	return rows, nil
}

// mergeData builds event_data from fact_attributes merged over parameters,
// plus the provenance columns.
func mergeData(rec []string, field func([]string, string) string) map[string]any {
	data := map[string]any{}
	if p := field(rec, "parameters"); p != "" {
		var m map[string]any
		if json.Unmarshal([]byte(p), &m) == nil {
			for k, v := range m {
				data[k] = v
			}
		}
	}
	if a := field(rec, "fact_attributes"); a != "" {
		var m map[string]any
		if json.Unmarshal([]byte(a), &m) == nil {
			for k, v := range m {
				data[k] = v // fact attributes win on collision
			}
		}
	}
	for _, name := range []string{
		"source_type", "source_reliability", "confidence_overall",
		"scenario_type", "category", "fact_type", "derived_from", "raw_text",
	} {
		if v := field(rec, name); v != "" {
			data[name] = v
		}
	}
	return data
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
