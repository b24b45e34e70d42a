// Package store persists digest records in an append-only CSV table.
//
// The column set is an external contract shared with the typed-state loader;
// names and order are never changed. Two columns (parameters, fact_attributes)
// carry JSON blobs. The store performs no deduplication of its own: callers
// check Exists before writing, and the digest key codec makes those checks
// meaningful.
//
// Concurrency: appends across processes are serialized by the digest lock
// during pipeline runs; ad-hoc reads are lock-free and see a consistent prefix
// because rows are appended whole.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"engram/internal/logging"
)

// Digest actions recorded in the store.
const (
	ActionDaily   = "daily_digest"
	ActionWeekly  = "weekly_digest"
	ActionArchive = "archive_digest"
)

// Columns is the exact header of the store CSV. External contract.
var Columns = []string{
	"event_id", "conversation_id", "timestamp", "source_type",
	"source_reliability", "entity_ids", "entity_match_type", "action",
	"raw_text", "parameters", "fact_type", "fact_attributes",
	"confidence_overall", "confidence_breakdown", "scenario_type",
	"category", "derived_from", "stale_at", "expires_at",
}

// Params is the JSON payload of the parameters column.
type Params struct {
	DigestKey       string   `json:"digest_key"`
	WindowStart     string   `json:"window_start,omitempty"`
	WindowEnd       string   `json:"window_end,omitempty"`
	ISOWeek         string   `json:"iso_week,omitempty"`
	InputDigestKeys []string `json:"input_digest_keys,omitempty"`
}

// Record is one digest row.
type Record struct {
	EventID        string
	ConversationID string
	Timestamp      time.Time
	Action         string
	RawText        string
	Params         Params
	FactAttrs      map[string]any
}

// Store is a CSV-backed digest store.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New creates a Store writing to path. The file is created lazily on first write.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "digest-store"),
	}
}

// Exists reports whether a record with the given action and digest key is
// already present. A missing or unreadable file reads as empty.
func (s *Store) Exists(action, digestKey string) bool {
	for _, rec := range s.readAll() {
		if rec.Action == action && rec.Params.DigestKey == digestKey {
			return true
		}
	}
	return false
}

// ListByAction returns all records with the given action, in file order.
func (s *Store) ListByAction(action string) []Record {
	var out []Record
	for _, rec := range s.readAll() {
		if rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}

// Conversations returns the distinct conversation IDs present in the store,
// sorted for deterministic iteration.
func (s *Store) Conversations() []string {
	seen := map[string]bool{}
	for _, rec := range s.readAll() {
		if rec.ConversationID != "" {
			seen[rec.ConversationID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// WriteDaily appends one daily digest row. Returns false on write failure.
func (s *Store) WriteDaily(rec Record) bool {
	rec.Action = ActionDaily
	return s.append(rec)
}

// WriteWeekly appends one weekly digest row. Returns false on write failure.
func (s *Store) WriteWeekly(rec Record) bool {
	rec.Action = ActionWeekly
	return s.append(rec)
}

// WriteArchive appends one archive digest row. Returns false on write failure.
func (s *Store) WriteArchive(rec Record) bool {
	rec.Action = ActionArchive
	return s.append(rec)
}

func (s *Store) append(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	needHeader := false
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		needHeader = true
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			s.logger.Error("create store directory", "error", err)
			return false
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("open store for append", "error", err)
		return false
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(Columns); err != nil {
			s.logger.Error("write store header", "error", err)
			return false
		}
	}
	if err := w.Write(rec.row()); err != nil {
		s.logger.Error("append digest record", "action", rec.Action, "error", err)
		return false
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.logger.Error("flush digest record", "action", rec.Action, "error", err)
		return false
	}
	return true
}

func (rec Record) row() []string {
	params, _ := json.Marshal(rec.Params)
	attrs := "{}"
	if rec.FactAttrs != nil {
		if b, err := json.Marshal(rec.FactAttrs); err == nil {
			attrs = string(b)
		}
	}
	row := make([]string, len(Columns))
	row[0] = rec.EventID
	row[1] = rec.ConversationID
	row[2] = rec.Timestamp.UTC().Format(time.RFC3339)
	row[3] = "digest"
	row[7] = rec.Action
	row[8] = rec.RawText
	row[9] = string(params)
	row[11] = attrs
	return row
}

// readAll parses the store file. Corrupt rows are skipped, a corrupt file
// degrades to whatever prefix parsed cleanly.
func (s *Store) readAll() []Record {
	f, err := os.Open(s.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("skipping corrupt store row", "error", err)
			continue
		}
		rec := Record{
			EventID:        field(row, "event_id"),
			ConversationID: field(row, "conversation_id"),
			Action:         field(row, "action"),
			RawText:        field(row, "raw_text"),
		}
		if ts, err := time.Parse(time.RFC3339, field(row, "timestamp")); err == nil {
			rec.Timestamp = ts
		}
		if p := field(row, "parameters"); p != "" {
			_ = json.Unmarshal([]byte(p), &rec.Params)
		}
		if a := field(row, "fact_attributes"); a != "" {
			_ = json.Unmarshal([]byte(a), &rec.FactAttrs)
		}
		out = append(out, rec)
	}
	return out
}

// Path returns the underlying file path (for operator tooling).
func (s *Store) Path() string { return s.path }

// Count returns the number of records with the given action.
func (s *Store) Count(action string) int {
	return len(s.ListByAction(action))
}

// String implements fmt.Stringer for log output.
func (s *Store) String() string {
	return fmt.Sprintf("digest-store(%s)", s.path)
}
