package server

import (
	"net/http"

	"engram/internal/lockfile"
	"engram/internal/runstate"
)

// stateResponse is the /api/state payload: the digest runtime snapshot plus
// live lock and queue views.
type stateResponse struct {
	runstate.State
	Lock       lockfile.Status `json:"lock"`
	QueueDepth int             `json:"queue_depth"`
}

// legacyState is the pre-v2 flat shape, kept for clients pinned to the old
// API via DIGEST_RUNTIME_API_V2=false.
type legacyState struct {
	Daily          runstate.Cycle   `json:"daily"`
	Weekly         runstate.Cycle   `json:"weekly"`
	Archive        runstate.Cycle   `json:"archive"`
	CatchUp        runstate.CatchUp `json:"catch_up"`
	JITLastTrigger string           `json:"jit_last_trigger,omitempty"`
	JITLastRows    int              `json:"jit_last_rows"`
	JITLastTS      string           `json:"jit_last_ts,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "digest state not configured")
		return
	}
	st := s.state.State()

	if !s.cfg.Digest.RuntimeAPIV2 {
		legacy := legacyState{
			Daily:          st.Daily,
			Weekly:         st.Weekly,
			Archive:        st.Archive,
			CatchUp:        st.CatchUp,
			JITLastTrigger: st.JIT.Trigger,
			JITLastRows:    st.JIT.Rows,
		}
		if !st.JIT.TS.IsZero() {
			legacy.JITLastTS = st.JIT.TS.Format("2006-01-02T15:04:05Z07:00")
		}
		writeJSON(w, http.StatusOK, legacy)
		return
	}

	resp := stateResponse{State: st}
	if s.lock != nil {
		resp.Lock = s.lock.GetStatus()
	}
	if s.queue != nil {
		resp.QueueDepth = s.queue.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
