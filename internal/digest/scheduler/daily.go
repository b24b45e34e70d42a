package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/digest/key"
	"engram/internal/digest/store"
	"engram/internal/event"
	"engram/internal/logging"
)

// Daily builds one digest per (conversation, calendar date).
type Daily struct {
	store  *store.Store
	loader *event.Loader
	codec  key.Codec
	cfg    config.Digest
	logger *slog.Logger

	now func() time.Time // test seam
}

// NewDaily creates the daily digest builder.
func NewDaily(st *store.Store, loader *event.Loader, codec key.Codec, cfg config.Digest, logger *slog.Logger) *Daily {
	return &Daily{
		store:  st,
		loader: loader,
		codec:  codec,
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "digest-daily"),
		now:    time.Now,
	}
}

// Run executes a catch-up pass for each conversation. A nil conversation set
// is derived from the typed-state file. The aggregate CatchupResult sums the
// per-conversation passes; Mode reports the most restrictive mode seen.
func (d *Daily) Run(convIDs []string) (Result, CatchupResult) {
	if !d.cfg.DailyEnable {
		return Result{Reason: ReasonDisabled}, CatchupResult{Mode: "off"}
	}
	if convIDs == nil {
		convIDs = d.loader.Conversations()
	}
	sort.Strings(convIDs)

	var res Result
	agg := CatchupResult{Mode: "full"}
	for _, conv := range convIDs {
		cu := d.RunCatchup(conv)
		res.Written += cu.Written
		res.InputEvents += cu.InputEvents
		if cu.LastKey != "" {
			res.LastKey = cu.LastKey
		}
		agg.Written += cu.Written
		agg.DaysExamined += cu.DaysExamined
		agg.MissedRuns += cu.MissedRuns
		agg.Generated += cu.Generated
		agg.InputEvents += cu.InputEvents
		if cu.LastKey != "" {
			agg.LastKey = cu.LastKey
		}
		if cu.Recovered {
			agg.Recovered = true
		}
		if cu.Mode == "cap" {
			agg.Mode = "cap"
		}
	}
	if res.Written == 0 && len(convIDs) == 0 {
		res.Reason = ReasonNoEvents
	}
	return res, agg
}

// RunCatchup examines every date from the catch-up window start through
// yesterday and builds any digest that is missing. The window start is the
// later of the conversation's first event date and yesterday minus
// catchup_max_days-1; when that cap bites, Mode reports "cap".
func (d *Daily) RunCatchup(conv string) CatchupResult {
	yesterday := dateOnly(d.now().UTC().AddDate(0, 0, -1))

	events, err := d.loader.Load(event.Filter{ConversationID: conv, SortByRank: false})
	if err != nil || len(events) == 0 {
		return CatchupResult{Mode: "off"}
	}

	first := events[0].CreatedAt
	for _, ev := range events {
		if ev.CreatedAt.Before(first) {
			first = ev.CreatedAt
		}
	}
	firstDate := dateOnly(first.UTC())

	start := firstDate
	mode := "full"
	if d.cfg.CatchupMaxDays > 0 {
		capStart := yesterday.AddDate(0, 0, -(d.cfg.CatchupMaxDays - 1))
		if capStart.After(start) {
			start = capStart
			mode = "cap"
		}
	}
	if start.After(yesterday) {
		return CatchupResult{Mode: mode}
	}

	res := CatchupResult{Mode: mode}
	for date := start; !date.After(yesterday); date = date.AddDate(0, 0, 1) {
		res.DaysExamined++
		written, reason, inputs, digestKey := d.runForDate(conv, date, nil)
		res.InputEvents += inputs
		if written {
			res.Written++
			res.Generated++
			res.MissedRuns++
			res.LastKey = digestKey
			continue
		}
		if reason == ReasonNoEvents || reason == ReasonInsufficientInput {
			continue
		}
		// already_exists means the date was covered by an earlier run.
	}
	res.Recovered = res.Written > 0
	return res
}

// RunForDate builds the digest for one (conversation, date). events may be
// passed explicitly (the catch-up loop passes nil and loads per date).
// Returns whether a row was written and, when not, the skip reason.
func (d *Daily) RunForDate(conv string, date time.Time, events []event.Event) (bool, string) {
	written, reason, _, _ := d.runForDate(conv, date, events)
	return written, reason
}

func (d *Daily) runForDate(conv string, date time.Time, events []event.Event) (bool, string, int, string) {
	date = dateOnly(date.UTC())
	if events == nil {
		var err error
		events, err = d.loader.Load(event.Filter{
			ConversationID: conv,
			StartTS:        date,
			EndTS:          date.AddDate(0, 0, 1).Add(-time.Nanosecond),
			SortByRank:     true,
		})
		if err != nil {
			d.logger.Error("load events for date", "conv", conv, "date", date.Format(time.DateOnly), "error", err)
			return false, "load_error", 0, ""
		}
	}

	if len(events) == 0 {
		return false, ReasonNoEvents, 0, ""
	}
	// Input quality gate.
	if len(events) < d.cfg.MinEventsDaily {
		d.logger.Info("daily digest skipped",
			"conv", conv, "date", date.Format(time.DateOnly),
			"reason", ReasonInsufficientInput, "events", len(events))
		return false, ReasonInsufficientInput, len(events), ""
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	sourceHash := key.SourceHash(ids)
	digestKey := d.codec.Daily(conv, date, sourceHash)

	if d.store.Exists(store.ActionDaily, digestKey) {
		d.logger.Info("daily digest skipped",
			"conv", conv, "date", date.Format(time.DateOnly), "reason", ReasonAlreadyExists)
		return false, ReasonAlreadyExists, len(events), digestKey
	}

	cc := compact.Build(events, compact.Caps{})
	day := date.Format(time.DateOnly)
	text := fmt.Sprintf("Tagesdigest %s (%d Ereignisse)\n%s", day, len(events), cc.Format())

	params := store.Params{DigestKey: digestKey}
	if d.codec.Version == key.V2 {
		params.WindowStart = day
		params.WindowEnd = day
	}

	ok := d.store.WriteDaily(store.Record{
		EventID:        "daily-" + digestKey[:12],
		ConversationID: conv,
		Timestamp:      d.now().UTC(),
		RawText:        text,
		Params:         params,
		FactAttrs: map[string]any{
			"date":        day,
			"event_count": len(events),
			"source_hash": sourceHash,
		},
	})
	if !ok {
		return false, "write_error", len(events), ""
	}
	d.logger.Info("daily digest written", "conv", conv, "date", day, "digest_key", digestKey)
	return true, "", len(events), digestKey
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
