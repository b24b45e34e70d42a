// Package lockfile implements a cooperative cross-process mutex backed by a
// JSON lock file. It exists so at most one digest pipeline run is active per
// data directory, across processes.
//
// The protocol is file-based rather than an OS advisory lock for portability
// and observability: the lock file records owner, timestamp, and PID so an
// operator can see who holds it. Correctness rests on two O_EXCL creates:
//
//  1. Fresh acquisition races on exclusive-create of the lock file itself.
//  2. Stale takeover races on exclusive-create of a sibling ".takeover"
//     sentinel. Only the sentinel winner may replace the lock, and it
//     re-reads the lock first so a concurrently refreshed lock aborts the
//     takeover (closing the check-then-act window).
//
// Acquire never blocks; contenders get false and try again on their own
// schedule.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"engram/internal/logging"
)

// sentinelMaxAge is how old a takeover sentinel may be before it is treated
// as the leftover of a crashed process and cleaned up.
const sentinelMaxAge = 30 * time.Second

// Record is the persisted lock content.
type Record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	PID        int       `json:"pid"`
}

// Status describes the lock for operators.
type Status struct {
	State    string    `json:"status"` // FREE or LOCKED
	Owner    string    `json:"owner,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	TimeoutS float64   `json:"timeout_s"`
	Stale    bool      `json:"stale"`
}

// Service manages one lock file.
type Service struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger

	now func() time.Time // test seam
}

// New creates a lock service for path. A held lock older than timeout is
// considered stale and eligible for takeover.
func New(path string, timeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		path:    path,
		timeout: timeout,
		logger:  logging.Default(logger).With("component", "lockfile"),
		now:     time.Now,
	}
}

// Acquire attempts to take the lock for owner. It returns false without
// blocking when another fresh lock is held.
func (s *Service) Acquire(owner string) bool {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("create lock directory", "error", err)
		return false
	}

	// Fresh create: the O_EXCL winner owns the lock.
	if s.tryCreate(owner) {
		s.logger.Info("lock acquired", "owner", owner)
		return true
	}

	rec, err := s.read()
	if err == nil && s.now().Sub(rec.AcquiredAt) < s.timeout {
		return false // held and fresh
	}
	if err != nil {
		// Unreadable lock files fail open into the takeover path; a lock
		// nobody can parse must not wedge the pipeline forever.
		s.logger.Warn("unreadable lock file, attempting takeover", "error", err)
	}

	return s.takeover(owner)
}

// takeover replaces a stale lock. Exactly one of any number of concurrent
// callers wins the sentinel create and proceeds.
func (s *Service) takeover(owner string) bool {
	sentinel := s.path + ".takeover"

	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// A sentinel from a crashed taker is cleaned up; a live one
			// means someone else is mid-takeover and we lose this round.
			if info, serr := os.Stat(sentinel); serr == nil && s.now().Sub(info.ModTime()) > sentinelMaxAge {
				s.logger.Warn("removing crashed takeover sentinel", "age", s.now().Sub(info.ModTime()))
				_ = os.Remove(sentinel)
			}
			return false
		}
		s.logger.Error("create takeover sentinel", "error", err)
		return false
	}
	f.Close()
	defer os.Remove(sentinel)

	// Re-check under the sentinel: the lock may have been refreshed between
	// our staleness read and winning the sentinel.
	if rec, err := s.read(); err == nil && s.now().Sub(rec.AcquiredAt) < s.timeout {
		return false
	}

	if err := s.writeAtomic(owner); err != nil {
		s.logger.Error("replace stale lock", "error", err)
		return false
	}
	s.logger.Info("stale lock taken over", "owner", owner)
	return true
}

// Release removes the lock if the recorded owner matches.
func (s *Service) Release(owner string) {
	rec, err := s.read()
	if err != nil {
		return
	}
	if rec.Owner != owner {
		s.logger.Warn("release refused, owner mismatch", "holder", rec.Owner, "caller", owner)
		return
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("remove lock file", "error", err)
		return
	}
	s.logger.Info("lock released", "owner", owner)
}

// Info returns the current lock record, or an error when absent/unreadable.
func (s *Service) Info() (*Record, error) {
	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetStatus reports the lock state for operator endpoints.
func (s *Service) GetStatus() Status {
	st := Status{State: "FREE", TimeoutS: s.timeout.Seconds()}
	rec, err := s.read()
	if err != nil {
		return st
	}
	st.State = "LOCKED"
	st.Owner = rec.Owner
	st.Since = rec.AcquiredAt
	st.Stale = s.now().Sub(rec.AcquiredAt) >= s.timeout
	return st
}

func (s *Service) tryCreate(owner string) bool {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(s.record(owner)) == nil
}

func (s *Service) writeAtomic(owner string) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".lock-*")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(s.record(owner)); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Service) record(owner string) Record {
	return Record{Owner: owner, AcquiredAt: s.now().UTC(), PID: os.Getpid()}
}

func (s *Service) read() (Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock file: %w", err)
	}
	return rec, nil
}
