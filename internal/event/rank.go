package event

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rank weights. rank = 0.5*confidence + 0.3*recency + 0.2*priority.
const (
	weightConfidence = 0.5
	weightRecency    = 0.3
	weightPriority   = 0.2
)

// confidenceLabel maps the confidence_overall label to a float.
func confidenceLabel(label string) float64 {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "high":
		return 1.0
	case "medium":
		return 0.65
	case "low":
		return 0.30
	default:
		return 0.30
	}
}

// categoryPriority maps the category column to a priority weight.
func categoryPriority(category string) float64 {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "knowledge":
		return 1.0
	case "decision":
		return 0.8
	case "user":
		return 0.6
	default:
		return 0.4
	}
}

// rankScore computes the relevance rank for one row at reference time now.
func rankScore(reliability, confidenceOverall, category string, ts time.Time, now time.Time) float64 {
	rel, err := strconv.ParseFloat(strings.TrimSpace(reliability), 64)
	if err != nil {
		rel = confidenceLabel(confidenceOverall)
	}
	confidence := (rel + confidenceLabel(confidenceOverall)) / 2

	days := now.Sub(ts).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := 1 / (1 + days)

	return weightConfidence*confidence + weightRecency*recency + weightPriority*categoryPriority(category)
}

// sortByRank orders events by (-rank, -timestamp, id asc). The tuple makes
// the order fully deterministic: equal ranks fall back to newest-first, equal
// timestamps to lexicographic ID.
func sortByRank(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Rank != events[j].Rank {
			return events[i].Rank > events[j].Rank
		}
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}
