// Package worker hosts the digest pipeline on its 04:00 schedule.
//
// One worker per process, guarded by an in-process double-start flag; across
// processes the lockfile service keeps concurrent runs exclusive. The worker
// owns no digest logic of its own: it acquires the lock, runs the three
// cycles in strict order (daily, weekly, archive), records the outcome in the
// runtime state, and releases the lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"engram/internal/config"
	"engram/internal/digest/scheduler"
	"engram/internal/lockfile"
	"engram/internal/logging"
	"engram/internal/runstate"
)

// ErrAlreadyStarted is returned when Start is called twice on one worker.
var ErrAlreadyStarted = errors.New("digest worker already started")

// dailyCron fires at 04:00 in the configured timezone.
const dailyCron = "0 4 * * *"

// RunSummary is the structured outcome of one worker pass.
type RunSummary struct {
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Daily   scheduler.Result        `json:"daily"`
	Weekly  scheduler.Result        `json:"weekly"`
	Archive scheduler.Result        `json:"archive"`
	CatchUp scheduler.CatchupResult `json:"catch_up"`
}

// Worker coordinates the digest cycles under the cross-process lock.
type Worker struct {
	cfg      config.Digest
	lock     *lockfile.Service
	state    *runstate.Store
	daily    *scheduler.Daily
	archiver *scheduler.Archiver
	logger   *slog.Logger

	started atomic.Bool
	now     func() time.Time
}

// New creates a Worker.
func New(cfg config.Digest, lock *lockfile.Service, state *runstate.Store, daily *scheduler.Daily, archiver *scheduler.Archiver, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		lock:     lock,
		state:    state,
		daily:    daily,
		archiver: archiver,
		logger:   logging.Default(logger).With("component", "digest-worker"),
		now:      time.Now,
	}
}

// Start runs the worker loop until ctx is cancelled: one startup pass, then
// one pass per 04:00 in the configured timezone. In off mode it returns
// immediately. A second Start on the same worker fails; this is the inline
// double-start guard.
func (w *Worker) Start(ctx context.Context) error {
	if w.cfg.RunMode == config.RunModeOff || !w.cfg.Enable {
		w.logger.Info("digest worker disabled", "run_mode", w.cfg.RunMode)
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	loc, err := time.LoadLocation(w.cfg.Timezone)
	if err != nil {
		w.logger.Warn("unknown timezone, falling back to UTC", "tz", w.cfg.Timezone)
		loc = time.UTC
	}

	w.RunOnce(ctx, true)

	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("create digest scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(dailyCron, false),
		gocron.NewTask(func() { w.RunOnce(ctx, false) }),
		gocron.WithName("digest-pipeline"),
	)
	if err != nil {
		return fmt.Errorf("schedule digest job: %w", err)
	}

	s.Start()
	w.logger.Info("digest worker started", "cron", dailyCron, "tz", loc.String())

	<-ctx.Done()
	return s.Shutdown()
}

// RunOnce executes one full digest pass under the lock. A held lock skips
// the pass; the next scheduled run re-examines everything.
func (w *Worker) RunOnce(ctx context.Context, isStartup bool) RunSummary {
	owner := "digest-worker-" + uuid.NewString()[:8]
	if !w.lock.Acquire(owner) {
		w.logger.Info("digest pass skipped", "reason", "lock_held", "startup", isStartup)
		return RunSummary{Skipped: true, Reason: "lock_held"}
	}
	defer w.lock.Release(owner)

	var sum RunSummary

	start := w.now()
	sum.Daily, sum.CatchUp = w.daily.Run(nil)
	w.recordCycle("daily", sum.Daily, w.now().Sub(start))

	if err := w.state.UpdateCatchUp(runstate.CatchUp{
		Status:        cycleStatus(sum.Daily.Written, sum.Daily.Reason),
		LastRun:       w.now().UTC(),
		DaysProcessed: sum.CatchUp.DaysExamined,
		Written:       sum.CatchUp.Written,
		MissedRuns:    sum.CatchUp.MissedRuns,
		Recovered:     sum.CatchUp.Recovered,
		Generated:     sum.CatchUp.Generated,
		Mode:          sum.CatchUp.Mode,
	}); err != nil {
		w.logger.Error("catch_up state write failed", "error", err)
	}

	start = w.now()
	sum.Weekly = w.archiver.RunWeekly(ctx)
	w.recordCycle("weekly", sum.Weekly, w.now().Sub(start))

	start = w.now()
	sum.Archive = w.archiver.RunArchive(ctx)
	w.recordCycle("archive", sum.Archive, w.now().Sub(start))

	w.logger.Info("digest pass complete",
		"daily", sum.Daily.Written, "weekly", sum.Weekly.Written, "archive", sum.Archive.Written,
		"startup", isStartup)
	return sum
}

// recordCycle accepts either a structured result or a bare written count;
// ExtractCount normalizes the two generations of cycle returns.
func (w *Worker) recordCycle(cycle string, res any, dur time.Duration) {
	written := scheduler.ExtractCount(res)
	var reason, digestKey string
	var inputs int
	switch r := res.(type) {
	case scheduler.Result:
		reason = r.Reason
		inputs = r.InputEvents
		digestKey = r.LastKey
	case scheduler.CatchupResult:
		inputs = r.InputEvents
		digestKey = r.LastKey
	}
	if err := w.state.UpdateCycle(cycle, runstate.Cycle{
		Status:        cycleStatus(written, reason),
		LastRun:       w.now().UTC(),
		DurationS:     dur.Seconds(),
		InputEvents:   inputs,
		DigestWritten: written,
		DigestKey:     digestKey,
		Reason:        reason,
		// No automatic retry; the next 04:00 run re-examines missing dates.
		RetryPolicy: "none",
	}); err != nil {
		w.logger.Error("cycle state write failed", "cycle", cycle, "error", err)
	}
}

func cycleStatus(written int, reason string) string {
	switch reason {
	case "":
		return "ok"
	case scheduler.ReasonAlreadyExists, scheduler.ReasonInsufficientInput,
		scheduler.ReasonNoEvents, scheduler.ReasonDisabled:
		if written > 0 {
			return "ok"
		}
		return "skip"
	default:
		return "error"
	}
}
