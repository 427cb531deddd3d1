// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openleads/scraperd/internal/api/problem"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/validate"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondError maps domain errors onto RFC 7807 problem responses. Unknown
// errors become a generic 500 with the detail kept out of the body.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validate.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := make([]map[string]string, 0, len(verr.Errors()))
		for _, e := range verr.Errors() {
			fields = append(fields, map[string]string{
				"field":   e.Field,
				"message": e.Message,
			})
		}
		problem.Write(w, r, http.StatusBadRequest,
			"session/invalid_config", "Invalid Config", "INVALID_CONFIG",
			verr.Error(), map[string]any{"errors": fields})

	case errors.Is(err, queue.ErrUserBusy):
		problem.Write(w, r, http.StatusConflict,
			"session/owner_busy", "Owner Busy", "OWNER_BUSY",
			"user already has a queued, running or paused session", nil)

	case errors.Is(err, queue.ErrNotWaiting):
		problem.Write(w, r, http.StatusNotFound,
			"queue/not_waiting", "Not Waiting", "NOT_WAITING",
			"session is not waiting in the queue", nil)

	case errors.Is(err, orch.ErrNoLiveRun):
		problem.Write(w, r, http.StatusConflict,
			"session/no_live_run", "No Live Run", "NO_LIVE_RUN",
			"session has no live run to act on", nil)

	case errors.Is(err, orch.ErrInvalidTransition):
		problem.Write(w, r, http.StatusConflict,
			"session/invalid_transition", "Invalid Transition", "INVALID_TRANSITION",
			err.Error(), nil)

	case errors.Is(err, store.ErrNotFound):
		problem.Write(w, r, http.StatusNotFound,
			"session/not_found", "Not Found", "NOT_FOUND",
			"no such session", nil)

	default:
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("unhandled handler error")
		problem.Write(w, r, http.StatusInternalServerError,
			"system/internal", "Internal Error", "INTERNAL_ERROR",
			"internal error", nil)
	}
}
