package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, timeout time.Duration) *Service {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "digest.lock"), timeout, nil)
}

func TestAcquireRelease(t *testing.T) {
	s := newTestService(t, 300*time.Second)

	if !s.Acquire("worker-1") {
		t.Fatal("fresh acquire failed")
	}
	if s.Acquire("worker-2") {
		t.Error("second acquire should fail while lock is fresh")
	}

	s.Release("worker-2") // wrong owner, must be a no-op
	if s.GetStatus().State != "LOCKED" {
		t.Error("release by non-owner removed the lock")
	}

	s.Release("worker-1")
	if s.GetStatus().State != "FREE" {
		t.Error("release by owner did not free the lock")
	}
	if !s.Acquire("worker-2") {
		t.Error("acquire after release failed")
	}
}

func TestLockRecordContent(t *testing.T) {
	s := newTestService(t, time.Minute)
	s.Acquire("digest-worker-cafe1234")

	rec, err := s.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if rec.Owner != "digest-worker-cafe1234" {
		t.Errorf("owner = %q", rec.Owner)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.AcquiredAt.IsZero() {
		t.Error("acquired_at not set")
	}
}

func TestStaleTakeover(t *testing.T) {
	s := newTestService(t, 300*time.Second)
	s.Acquire("old-worker")

	// Age the lock past the timeout.
	s.now = func() time.Time { return time.Now().Add(400 * time.Second) }

	if !s.Acquire("new-worker") {
		t.Fatal("takeover of stale lock failed")
	}
	rec, _ := s.Info()
	if rec.Owner != "new-worker" {
		t.Errorf("owner after takeover = %q", rec.Owner)
	}
	if _, err := os.Stat(s.path + ".takeover"); !os.IsNotExist(err) {
		t.Error("takeover sentinel left behind")
	}
}

func TestTakeoverAbortsWhenLockRefreshed(t *testing.T) {
	s := newTestService(t, 300*time.Second)
	s.Acquire("holder")

	// Appears stale to the first read, but the re-read under the sentinel
	// sees a fresh record again: takeover must abort.
	calls := 0
	s.now = func() time.Time {
		calls++
		if calls == 1 {
			return time.Now().Add(400 * time.Second)
		}
		return time.Now()
	}

	if s.Acquire("taker") {
		t.Error("takeover should abort when the lock was refreshed in the interim")
	}
	rec, _ := s.Info()
	if rec.Owner != "holder" {
		t.Errorf("owner = %q, original holder should survive", rec.Owner)
	}
}

func TestConcurrentTakeoverExactlyOneWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.lock")

	// Seed a lock whose record is 400s old under real clocks, so the lock
	// is stale but the contenders' sentinels stay fresh.
	rec, err := json.Marshal(Record{
		Owner:      "dead-worker",
		AcquiredAt: time.Now().UTC().Add(-400 * time.Second),
		PID:        os.Getpid(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, rec, 0o644); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		owner := string(rune('a' + i))
		svc := New(path, 300*time.Second, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Acquire(owner) {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("takeover winners = %v, want exactly one", winners)
	}
	if _, err := os.Stat(path + ".takeover"); !os.IsNotExist(err) {
		t.Error("sentinel left behind after concurrent takeover")
	}
}

func TestMalformedLockFailsOpen(t *testing.T) {
	s := newTestService(t, time.Minute)
	if err := os.WriteFile(s.path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.Acquire("rescuer") {
		t.Error("malformed lock should not block acquisition forever")
	}
	rec, err := s.Info()
	if err != nil {
		t.Fatalf("Info after rescue: %v", err)
	}
	if rec.Owner != "rescuer" {
		t.Errorf("owner = %q", rec.Owner)
	}
}

func TestCrashedSentinelCleanup(t *testing.T) {
	s := newTestService(t, 300*time.Second)
	s.Acquire("dead-worker")

	sentinel := s.path + ".takeover"
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	os.Chtimes(sentinel, old, old)

	s.now = func() time.Time { return time.Now().Add(400 * time.Second) }

	// First attempt cleans the crashed sentinel and loses the round;
	// the retry wins.
	first := s.Acquire("taker")
	if _, err := os.Stat(sentinel); first == false && err == nil {
		t.Error("crashed sentinel not cleaned up")
	}
	if !first && !s.Acquire("taker") {
		t.Error("acquire after sentinel cleanup failed")
	}
}

func TestGetStatus(t *testing.T) {
	s := newTestService(t, 300*time.Second)
	st := s.GetStatus()
	if st.State != "FREE" {
		t.Errorf("state = %q, want FREE", st.State)
	}

	s.Acquire("worker-1")
	st = s.GetStatus()
	if st.State != "LOCKED" || st.Owner != "worker-1" || st.Stale {
		t.Errorf("status = %+v", st)
	}
	if st.TimeoutS != 300 {
		t.Errorf("timeout_s = %v", st.TimeoutS)
	}

	s.now = func() time.Time { return time.Now().Add(400 * time.Second) }
	if !s.GetStatus().Stale {
		t.Error("aged lock should report stale")
	}

	// Status JSON shape is part of the operator contract.
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	for _, key := range []string{"status", "owner", "timeout_s", "stale"} {
		var m map[string]any
		json.Unmarshal(b, &m)
		if _, ok := m[key]; !ok {
			t.Errorf("status JSON missing %q", key)
		}
	}
}
