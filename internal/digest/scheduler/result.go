// Package scheduler builds daily, weekly, and archive digests from workspace
// events. Each builder is idempotent: digest keys are content-addressed and
// the store's exists() check short-circuits re-runs, so running a cycle twice
// over the same inputs writes nothing the second time.
package scheduler

// Result is the structured outcome of one digest cycle. InputEvents counts
// the events the cycle examined; LastKey is the digest key of the newest
// write, empty when nothing was written.
type Result struct {
	Written     int    `json:"written"`
	Skipped     int    `json:"skipped"`
	Reason      string `json:"reason,omitempty"`
	InputEvents int    `json:"input_events,omitempty"`
	LastKey     string `json:"last_key,omitempty"`
}

// CatchupResult describes one catch-up pass over missed daily runs.
type CatchupResult struct {
	Written      int    `json:"written"`
	DaysExamined int    `json:"days_examined"`
	MissedRuns   int    `json:"missed_runs"`
	Recovered    bool   `json:"recovered"`
	Generated    int    `json:"generated"`
	Mode         string `json:"mode"` // off | full | cap
	InputEvents  int    `json:"input_events,omitempty"`
	LastKey      string `json:"last_key,omitempty"`
}

// Skip reasons shared across cycles.
const (
	ReasonAlreadyExists     = "already_exists"
	ReasonInsufficientInput = "insufficient_input"
	ReasonNoEvents          = "no_events"
	ReasonDisabled          = "disabled"
)

// ExtractCount converts a cycle return into a written-row count. Older
// cycle implementations returned a bare int; structured results carry the
// count in Written. Consumers that record cycle outcomes accept both.
func ExtractCount(v any) int {
	switch r := v.(type) {
	case int:
		return r
	case Result:
		return r.Written
	case *Result:
		if r != nil {
			return r.Written
		}
	case CatchupResult:
		return r.Written
	case *CatchupResult:
		if r != nil {
			return r.Written
		}
	}
	return 0
}
