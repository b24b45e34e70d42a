package contextmgr

import (
	"sort"
)

// Router decision modes.
const (
	RouteUse     = "use"      // single high-confidence match
	RouteSuggest = "suggest"  // present candidates, let the model decide
	RouteNone    = "none"     // below threshold, proceed without
)

// Similarity thresholds for the blueprint and skill routers.
const (
	routeUseThreshold     = 0.85
	routeSuggestThreshold = 0.68
)

// Candidate is one scored blueprint or skill match.
type Candidate struct {
	ID    string
	Name  string
	Score float64
	Meta  map[string]any
}

// Decision is the router outcome.
type Decision struct {
	Mode     string
	Selected []Candidate
}

// trusted reports whether a candidate may be routed to at all. Only
// explicitly verified entries qualify; missing or malformed metadata is
// untrusted, and entries outside the active set are out of play regardless
// of their stored trust level.
func trusted(c Candidate, active map[string]bool) bool {
	if active != nil && !active[c.ID] {
		return false
	}
	if c.Meta == nil {
		return false
	}
	level, ok := c.Meta["trust_level"].(string)
	return ok && level == "verified"
}

// Route picks blueprints (or skills) for a turn. Untrusted candidates are
// dropped before scoring. active is the set of currently registered IDs;
// nil skips the active check.
//
//	score >= 0.85          use the best match
//	0.68 <= score < 0.85   suggest the top two
//	score < 0.68           route nothing
func Route(candidates []Candidate, active map[string]bool) Decision {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if trusted(c, active) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return Decision{Mode: RouteNone}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	best := kept[0]
	switch {
	case best.Score >= routeUseThreshold:
		return Decision{Mode: RouteUse, Selected: kept[:1]}
	case best.Score >= routeSuggestThreshold:
		n := 2
		if len(kept) < n {
			n = len(kept)
		}
		return Decision{Mode: RouteSuggest, Selected: kept[:n]}
	default:
		return Decision{Mode: RouteNone}
	}
}
