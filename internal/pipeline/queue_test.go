package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestQueueEnqueueDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q1 := NewQueue(path, nil)

	job, err := q1.Enqueue("embed", "Anna mag Lakritz", map[string]any{"conversation_id": "conv-A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(job.ID) != 8 {
		t.Errorf("job id = %q", job.ID)
	}

	// A fresh instance over the same file sees the job.
	q2 := NewQueue(path, nil)
	if q2.Len() != 1 {
		t.Errorf("len after reopen = %d", q2.Len())
	}
}

func TestQueueRunOnceDrains(t *testing.T) {
	q := NewQueue(filepath.Join(t.TempDir(), "queue.jsonl"), nil)
	q.Enqueue("embed", "a", nil)
	q.Enqueue("embed", "b", nil)

	var seen []string
	processed, failed := q.RunOnce(context.Background(), func(_ context.Context, j Job) error {
		seen = append(seen, j.Text)
		return nil
	})
	if processed != 2 || failed != 0 {
		t.Errorf("processed=%d failed=%d", processed, failed)
	}
	if len(seen) != 2 || q.Len() != 0 {
		t.Errorf("seen=%v remaining=%d", seen, q.Len())
	}
}

func TestQueueFailedJobEligibleImmediately(t *testing.T) {
	q := NewQueue(filepath.Join(t.TempDir(), "queue.jsonl"), nil)
	q.Enqueue("embed", "flaky", nil)

	attempts := 0
	fn := func(_ context.Context, j Job) error {
		attempts++
		if attempts == 1 {
			return errors.New("embedder down")
		}
		if j.Attempts != 1 {
			t.Errorf("attempt count = %d, want 1 on retry", j.Attempts)
		}
		return nil
	}

	if p, f := q.RunOnce(context.Background(), fn); p != 0 || f != 1 {
		t.Errorf("first drain: processed=%d failed=%d", p, f)
	}
	// No backoff: the very next drain retries.
	if p, f := q.RunOnce(context.Background(), fn); p != 1 || f != 0 {
		t.Errorf("second drain: processed=%d failed=%d", p, f)
	}
	if q.Len() != 0 {
		t.Errorf("remaining = %d", q.Len())
	}
}

func TestQueueCancelledContextKeepsJobs(t *testing.T) {
	q := NewQueue(filepath.Join(t.TempDir(), "queue.jsonl"), nil)
	q.Enqueue("embed", "x", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	processed, _ := q.RunOnce(ctx, func(context.Context, Job) error { return nil })
	if processed != 0 || q.Len() != 1 {
		t.Errorf("cancelled drain: processed=%d remaining=%d", processed, q.Len())
	}
}
