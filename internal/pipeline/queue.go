package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"engram/internal/logging"
)

// Job is one deferred embedding/indexing task. Jobs survive restarts; the
// queue file is append-on-enqueue, rewrite-on-drain JSONL.
type Job struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Text       string         `json:"text"`
	Meta       map[string]any `json:"meta,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
}

// Queue is a durable single-file job queue.
type Queue struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewQueue creates a Queue at path.
func NewQueue(path string, logger *slog.Logger) *Queue {
	return &Queue{path: path, logger: logging.Default(logger).With("component", "embed-queue")}
}

// Enqueue appends a job. The write is flushed before returning, so an
// enqueued job is durable even if the process dies right after.
func (q *Queue) Enqueue(kind, text string, meta map[string]any) (Job, error) {
	job := Job{
		ID:         uuid.NewString()[:8],
		Kind:       kind,
		Text:       text,
		Meta:       meta,
		EnqueuedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Job{}, err
	}
	defer f.Close()
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return Job{}, err
	}
	return job, f.Sync()
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.readAll())
}

// RunOnce drains the queue through fn. Jobs fn rejects stay queued with
// their attempt count bumped and are eligible again on the very next drain;
// there is no backoff, the drain cadence is the backoff.
func (q *Queue) RunOnce(ctx context.Context, fn func(context.Context, Job) error) (processed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.readAll()
	if len(jobs) == 0 {
		return 0, 0
	}

	var remaining []Job
	for _, job := range jobs {
		if ctx.Err() != nil {
			remaining = append(remaining, job)
			continue
		}
		if err := fn(ctx, job); err != nil {
			job.Attempts++
			remaining = append(remaining, job)
			failed++
			q.logger.Warn("job failed, requeued", "job_id", job.ID, "attempts", job.Attempts, "error", err)
			continue
		}
		processed++
	}
	q.rewrite(remaining)
	return processed, failed
}

func (q *Queue) readAll() []Job {
	f, err := os.Open(q.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var jobs []Job
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal(line, &job); err != nil {
			q.logger.Warn("skipping corrupt queue line", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (q *Queue) rewrite(jobs []Job) {
	tmp := q.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		q.logger.Error("queue rewrite failed", "error", err)
		return
	}
	for _, job := range jobs {
		raw, err := json.Marshal(job)
		if err != nil {
			continue
		}
		f.Write(append(raw, '\n'))
	}
	if err := f.Close(); err != nil {
		q.logger.Error("queue rewrite close failed", "error", err)
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		q.logger.Error("queue rewrite rename failed", "error", err)
	}
}
