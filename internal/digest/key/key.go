// Package key derives deterministic, content-addressed keys for digest
// records. A digest key is a pure function of the conversation, the covered
// window, and the identity of the inputs, so re-running a digest cycle over
// the same events always lands on the same key. The store's exists() check on
// that key is what makes the whole pipeline idempotent.
package key

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Version selects the key schema.
type Version string

const (
	// V1 keys omit explicit window bounds (backward compatible default).
	V1 Version = "v1"
	// V2 keys fold the covered window into the key material, so the same
	// inputs under a different window produce a different key.
	V2 Version = "v2"
)

const (
	sourceHashLen = 16 // hex chars
	digestKeyLen  = 32 // hex chars
)

// Codec derives digest keys under a fixed schema version.
type Codec struct {
	Version Version
}

// NewCodec returns a Codec for the given version string.
// Unknown versions fall back to V1.
func NewCodec(v string) Codec {
	if Version(v) == V2 {
		return Codec{Version: V2}
	}
	return Codec{Version: V1}
}

// SourceHash condenses a set of event IDs into 16 hex chars.
// The ID list is sorted before hashing, so permutations of the same set
// yield the same hash.
func SourceHash(eventIDs []string) string {
	ids := make([]string, len(eventIDs))
	copy(ids, eventIDs)
	sort.Strings(ids)
	return hashHex(strings.Join(ids, ","), sourceHashLen)
}

// Daily derives the key for a daily digest covering one calendar date.
func (c Codec) Daily(conv string, date time.Time, sourceHash string) string {
	day := date.UTC().Format(time.DateOnly)
	if c.Version == V2 {
		// Day window is [date, date].
		return hashHex(fmt.Sprintf("daily|v2|%s|%s|%s..%s|%s", conv, day, day, day, sourceHash), digestKeyLen)
	}
	return hashHex(fmt.Sprintf("daily|v1|%s|%s|%s", conv, day, sourceHash), digestKeyLen)
}

// Weekly derives the key for a weekly digest from the sorted daily keys it
// aggregates. isoWeek uses the "2006-W02" form (e.g. "2026-W08").
func (c Codec) Weekly(conv, isoWeek string, dailyKeys []string) string {
	keys := make([]string, len(dailyKeys))
	copy(keys, dailyKeys)
	sort.Strings(keys)
	joined := strings.Join(keys, ",")
	if c.Version == V2 {
		start, end, err := WeekBounds(isoWeek)
		if err == nil {
			return hashHex(fmt.Sprintf("weekly|v2|%s|%s|%s..%s|%s",
				conv, isoWeek, start.Format(time.DateOnly), end.Format(time.DateOnly), joined), digestKeyLen)
		}
		// Unparseable week labels degrade to the v1 material rather than fail.
	}
	return hashHex(fmt.Sprintf("weekly|v1|%s|%s|%s", conv, isoWeek, joined), digestKeyLen)
}

// Archive derives the key for an archive record wrapping one weekly digest.
func (c Codec) Archive(conv, weeklyKey string, archiveDate time.Time) string {
	day := archiveDate.UTC().Format(time.DateOnly)
	if c.Version == V2 {
		return hashHex(fmt.Sprintf("archive|v2|%s|%s|%s|%s", conv, weeklyKey, day, day), digestKeyLen)
	}
	return hashHex(fmt.Sprintf("archive|v1|%s|%s|%s", conv, weeklyKey, day), digestKeyLen)
}

// ISOWeek formats the ISO 8601 week label for a date, e.g. "2026-W08".
func ISOWeek(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// WeekBounds returns the Monday and Sunday (UTC midnight) of an ISO week label.
func WeekBounds(isoWeek string) (start, end time.Time, err error) {
	var year, week int
	if _, err = fmt.Sscanf(isoWeek, "%d-W%d", &year, &week); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse iso week %q: %w", isoWeek, err)
	}
	if week < 1 || week > 53 {
		return time.Time{}, time.Time{}, fmt.Errorf("iso week out of range: %q", isoWeek)
	}
	// Jan 4 is always in ISO week 1. Walk back to its Monday, then advance.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	monday := jan4.AddDate(0, 0, 1-weekday)
	start = monday.AddDate(0, 0, (week-1)*7)
	end = start.AddDate(0, 0, 6)
	return start, end, nil
}

func hashHex(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
