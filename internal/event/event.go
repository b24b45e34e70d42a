// Package event defines the workspace event model and loads typed-state
// events from the external CSV source.
//
// The CSV column names are an external contract shared with other consumers
// of the typed-state file; they are never renamed here. Mapping to the
// internal Event shape happens on load only.
package event

import "time"

// Event types emitted or consumed by the runtime.
const (
	TypeUserMessage      = "user_message"
	TypeAssistantMessage = "assistant_message"
	TypeContainerStarted = "container_started"
	TypeContainerStopped = "container_stopped"
	TypeContainerTTL     = "container_ttl_expired"
	TypeDailyDigest      = "daily_digest"
	TypeWeeklyDigest     = "weekly_digest"
	TypeArchiveDigest    = "archive_digest"
	TypeObservation      = "observation"
	TypeNote             = "note"
	TypeTask             = "task"
)

// Event is one immutable workspace observation.
type Event struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           string         `json:"event_type"`
	CreatedAt      time.Time      `json:"created_at"`
	Data           map[string]any `json:"event_data,omitempty"`

	// Rank is the load-time relevance score; not part of the stored shape.
	Rank float64 `json:"-"`
}

// columns is the typed-state CSV header. External contract, never renamed.
var columns = []string{
	"event_id", "conversation_id", "timestamp", "source_type",
	"source_reliability", "entity_ids", "entity_match_type", "action",
	"raw_text", "parameters", "fact_type", "fact_attributes",
	"confidence_overall", "confidence_breakdown", "scenario_type",
	"category", "derived_from", "stale_at", "expires_at",
}

// Columns returns a copy of the typed-state CSV header.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns)
	return out
}
