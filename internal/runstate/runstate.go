// Package runstate persists a JSON snapshot of the last digest pipeline runs.
//
// The snapshot is operator-facing: it answers "when did the last daily cycle
// run and what happened" without log spelunking. Writes are atomic (temp file
// plus rename in the same directory); readers of a missing or corrupt file get
// an empty schema-v2 default. Multiple writers are tolerated with last-write-
// wins semantics; in practice the digest lock serializes them during runs.
//
// Legacy schema-v1 files (no schema_version, flat jit_last_* fields) are
// migrated on read. Migration is idempotent and never touches the file itself;
// the next write persists the v2 shape.
package runstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"engram/internal/logging"
)

// SchemaVersion is the current on-disk schema.
const SchemaVersion = 2

// Cycle describes the last run of one digest cycle (daily, weekly, archive).
type Cycle struct {
	Status        string    `json:"status,omitempty"` // ok | error | skip
	LastRun       time.Time `json:"last_run,omitzero"`
	DurationS     float64   `json:"duration_s,omitempty"`
	InputEvents   int       `json:"input_events,omitempty"`
	DigestWritten int       `json:"digest_written"`
	DigestKey     string    `json:"digest_key,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RetryPolicy   string    `json:"retry_policy,omitempty"`
}

// CatchUp describes the last catch-up pass of the daily cycle.
type CatchUp struct {
	Status        string    `json:"status,omitempty"`
	LastRun       time.Time `json:"last_run,omitzero"`
	DaysProcessed int       `json:"days_processed"`
	Written       int       `json:"written"`
	MissedRuns    int       `json:"missed_runs"`
	Recovered     bool      `json:"recovered"`
	Generated     int       `json:"generated"`
	Mode          string    `json:"mode,omitempty"` // off | full | cap
}

// JIT records the last just-in-time CSV load.
type JIT struct {
	Trigger string    `json:"trigger,omitempty"`
	Rows    int       `json:"rows"`
	TS      time.Time `json:"ts,omitzero"`
}

// State is the full runtime snapshot.
type State struct {
	SchemaVersion int     `json:"schema_version"`
	Daily         Cycle   `json:"daily"`
	Weekly        Cycle   `json:"weekly"`
	Archive       Cycle   `json:"archive"`
	CatchUp       CatchUp `json:"catch_up"`
	JIT           JIT     `json:"jit"`
}

// Store reads and writes the runtime state file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New creates a Store for the given path.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "runstate"),
	}
}

// State returns the current snapshot, migrating legacy files on the fly.
// Absent or corrupt files yield an empty v2 default.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// UpdateCycle replaces one cycle block. cycle must be daily, weekly, or archive.
func (s *Store) UpdateCycle(cycle string, c Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	switch cycle {
	case "daily":
		st.Daily = c
	case "weekly":
		st.Weekly = c
	case "archive":
		st.Archive = c
	default:
		return fmt.Errorf("unknown cycle %q", cycle)
	}
	return s.write(st)
}

// UpdateCatchUp replaces the catch-up block.
func (s *Store) UpdateCatchUp(cu CatchUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	st.CatchUp = cu
	return s.write(st)
}

// UpdateJIT replaces the JIT telemetry block.
func (s *Store) UpdateJIT(j JIT) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	st.JIT = j
	return s.write(st)
}

func (s *Store) load() State {
	empty := State{SchemaVersion: SchemaVersion}

	b, err := os.ReadFile(s.path)
	if err != nil {
		return empty
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		s.logger.Warn("corrupt state file, using empty default", "error", err)
		return empty
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		s.logger.Warn("unparseable state file, using empty default", "error", err)
		return empty
	}

	if st.SchemaVersion < SchemaVersion {
		st = migrateV1(st, raw)
	}
	return st
}

// migrateV1 promotes flat v1 fields into the v2 shape.
func migrateV1(st State, raw map[string]json.RawMessage) State {
	st.SchemaVersion = SchemaVersion

	// v1 kept JIT telemetry as flat top-level jit_last_* fields.
	if st.JIT == (JIT{}) {
		var trigger string
		var rows int
		var ts time.Time
		if b, ok := raw["jit_last_trigger"]; ok {
			_ = json.Unmarshal(b, &trigger)
		}
		if b, ok := raw["jit_last_rows"]; ok {
			_ = json.Unmarshal(b, &rows)
		}
		if b, ok := raw["jit_last_ts"]; ok {
			_ = json.Unmarshal(b, &ts)
		}
		st.JIT = JIT{Trigger: trigger, Rows: rows, TS: ts}
	}
	return st
}

func (s *Store) write(st State) error {
	st.SchemaVersion = SchemaVersion

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		tmp.Close()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
