package server

import (
	"encoding/json"
	"net/http"

	"engram/internal/pipeline"
)

// handleChat runs one chat turn. The stream flag in the request body decides
// the response shape: a single JSON object, or one NDJSON line per stream
// event. Either way the turn ends with exactly one done event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserText() == "" {
		writeError(w, http.StatusBadRequest, "a user message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	if !req.Stream {
		resp := s.pipe.Process(r.Context(), req)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for e := range s.pipe.ProcessStream(r.Context(), req) {
		if err := enc.Encode(e); err != nil {
			// Client went away; the pipeline goroutine winds down through
			// the request context.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
