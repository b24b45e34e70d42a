package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/digest/key"
	"engram/internal/digest/store"
	"engram/internal/event"
	"engram/internal/logging"
)

// archiveAfter is how old a weekly digest must be before it is archived.
const archiveAfter = 14 * 24 * time.Hour

// GraphMirror pushes archive digests into the external memory graph.
// The mirror is best-effort: the store row is the truth and mirror failures
// never fail the cycle.
type GraphMirror interface {
	MemorySave(ctx context.Context, text string, meta map[string]any) error
}

// Archiver compacts daily digests into weekly digests and ages weekly
// digests into archive records.
type Archiver struct {
	store  *store.Store
	codec  key.Codec
	cfg    config.Digest
	mirror GraphMirror // nil disables the graph mirror
	logger *slog.Logger

	artifactDir string // zstd archive artifacts; empty disables
	now         func() time.Time
}

// NewArchiver creates the weekly/archive builder. mirror may be nil.
func NewArchiver(st *store.Store, codec key.Codec, cfg config.Digest, mirror GraphMirror, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:       st,
		codec:       codec,
		cfg:         cfg,
		mirror:      mirror,
		logger:      logging.Default(logger).With("component", "digest-weekly"),
		artifactDir: filepath.Join(filepath.Dir(st.Path()), "archive"),
		now:         time.Now,
	}
}

// RunWeekly groups daily digests by (conversation, ISO week) and writes one
// weekly digest per group that passes the quality gate.
func (a *Archiver) RunWeekly(ctx context.Context) Result {
	if !a.cfg.WeeklyEnable {
		return Result{Reason: ReasonDisabled}
	}

	type group struct {
		conv string
		week string
		rows []store.Record
	}
	groups := map[string]*group{}
	for _, rec := range a.store.ListByAction(store.ActionDaily) {
		week := a.weekOf(rec)
		gk := rec.ConversationID + "|" + week
		g, ok := groups[gk]
		if !ok {
			g = &group{conv: rec.ConversationID, week: week}
			groups[gk] = g
		}
		g.rows = append(g.rows, rec)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res Result
	for _, gk := range keys {
		g := groups[gk]
		res.InputEvents += len(g.rows)
		if len(g.rows) < a.cfg.MinDailyWeek {
			res.Skipped++
			res.Reason = ReasonInsufficientInput
			continue
		}

		dailyKeys := make([]string, len(g.rows))
		for i, rec := range g.rows {
			dailyKeys[i] = rec.Params.DigestKey
		}
		weeklyKey := a.codec.Weekly(g.conv, g.week, dailyKeys)
		if a.store.Exists(store.ActionWeekly, weeklyKey) {
			res.Skipped++
			res.Reason = ReasonAlreadyExists
			continue
		}

		// The daily rows become pseudo-events for the weekly compact view.
		pseudo := make([]event.Event, len(g.rows))
		for i, rec := range g.rows {
			pseudo[i] = event.Event{
				ID:             rec.EventID,
				ConversationID: rec.ConversationID,
				Type:           rec.Action,
				CreatedAt:      rec.Timestamp,
				Data:           map[string]any{"raw_text": rec.RawText},
			}
		}
		cc := compact.Build(pseudo, compact.Caps{Now: 7})

		params := store.Params{
			DigestKey:       weeklyKey,
			ISOWeek:         g.week,
			InputDigestKeys: dailyKeys,
		}
		if a.codec.Version == key.V2 {
			if start, end, err := key.WeekBounds(g.week); err == nil {
				params.WindowStart = start.Format(time.DateOnly)
				params.WindowEnd = end.Format(time.DateOnly)
			}
		}

		ok := a.store.WriteWeekly(store.Record{
			EventID:        "weekly-" + weeklyKey[:12],
			ConversationID: g.conv,
			Timestamp:      a.now().UTC(),
			RawText:        fmt.Sprintf("Wochendigest %s (%d Tage)\n%s", g.week, len(g.rows), cc.Format()),
			Params:         params,
			FactAttrs: map[string]any{
				"iso_week":   g.week,
				"daily_rows": len(g.rows),
			},
		})
		if !ok {
			res.Reason = "write_error"
			continue
		}
		res.Written++
		res.LastKey = weeklyKey
		a.logger.Info("weekly digest written", "conv", g.conv, "week", g.week, "digest_key", weeklyKey)
	}
	return res
}

// RunArchive turns weekly digests older than 14 days into archive records.
// Each archive row is mirrored best-effort to the memory graph and persisted
// as a zstd-compressed artifact; both carry the same archive key.
func (a *Archiver) RunArchive(ctx context.Context) Result {
	if !a.cfg.ArchiveEnable {
		return Result{Reason: ReasonDisabled}
	}

	cutoff := a.now().Add(-archiveAfter)
	today := a.now().UTC()

	var res Result
	for _, rec := range a.store.ListByAction(store.ActionWeekly) {
		if rec.Timestamp.After(cutoff) {
			continue
		}
		res.InputEvents++
		archiveKey := a.codec.Archive(rec.ConversationID, rec.Params.DigestKey, today)
		if a.store.Exists(store.ActionArchive, archiveKey) {
			res.Skipped++
			res.Reason = ReasonAlreadyExists
			continue
		}

		text := fmt.Sprintf("Archivdigest %s\n%s", rec.Params.ISOWeek, rec.RawText)
		ok := a.store.WriteArchive(store.Record{
			EventID:        "archive-" + archiveKey[:12],
			ConversationID: rec.ConversationID,
			Timestamp:      today,
			RawText:        text,
			Params: store.Params{
				DigestKey:       archiveKey,
				ISOWeek:         rec.Params.ISOWeek,
				InputDigestKeys: []string{rec.Params.DigestKey},
			},
			FactAttrs: map[string]any{
				"iso_week":   rec.Params.ISOWeek,
				"weekly_key": rec.Params.DigestKey,
			},
		})
		if !ok {
			res.Reason = "write_error"
			continue
		}
		res.Written++
		res.LastKey = archiveKey

		if err := a.writeArtifact(archiveKey, rec); err != nil {
			a.logger.Warn("archive artifact write failed", "digest_key", archiveKey, "error", err)
		}
		if a.mirror != nil {
			meta := map[string]any{
				"archive_key":     archiveKey,
				"conversation_id": rec.ConversationID,
				"iso_week":        rec.Params.ISOWeek,
			}
			if err := a.mirror.MemorySave(ctx, text, meta); err != nil {
				// Fail-open: the store row is authoritative.
				a.logger.Warn("graph mirror push failed", "digest_key", archiveKey, "error", err)
			}
		}
		a.logger.Info("archive digest written", "conv", rec.ConversationID, "digest_key", archiveKey)
	}
	return res
}

// writeArtifact persists the archived weekly record as compressed JSON next
// to the store, keyed by the archive digest key.
func (a *Archiver) writeArtifact(archiveKey string, rec store.Record) error {
	if a.artifactDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.artifactDir, 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"archive_key":     archiveKey,
		"conversation_id": rec.ConversationID,
		"iso_week":        rec.Params.ISOWeek,
		"weekly_key":      rec.Params.DigestKey,
		"raw_text":        rec.RawText,
	})
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(a.artifactDir, archiveKey+".json.zst"))
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// weekOf derives the ISO week label for a daily record, preferring the
// explicit window over the write timestamp.
func (a *Archiver) weekOf(rec store.Record) string {
	if day, ok := rec.FactAttrs["date"].(string); ok {
		if t, err := time.Parse(time.DateOnly, day); err == nil {
			return key.ISOWeek(t)
		}
	}
	if rec.Params.WindowStart != "" {
		if t, err := time.Parse(time.DateOnly, rec.Params.WindowStart); err == nil {
			return key.ISOWeek(t)
		}
	}
	return key.ISOWeek(rec.Timestamp)
}
