// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleQueueStatus reports a waiting session's position and estimated
// wait, or that the session currently holds the run slot. Finished
// sessions answer 404; their state lives under /api/sessions.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCancelQueued removes a waiting session from the line. Sessions
// that already started must be stopped, not cancelled.
func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.CancelQueued(r.Context(), chi.URLParam(r, "id")); err != nil {
		RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
