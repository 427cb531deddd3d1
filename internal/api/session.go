// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openleads/scraperd/internal/admission"
	"github.com/openleads/scraperd/internal/api/problem"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/store"
)

// maxRequestBody bounds session-start payloads. Town and industry lists are
// small; anything near this size is malformed or hostile.
const maxRequestBody = 1 << 20

// startSessionRequest is the POST /api/sessions payload.
type startSessionRequest struct {
	UserID string              `json:"userId"`
	Config model.SessionConfig `json:"config"`
}

// startSessionResponse acknowledges admission. QueuePosition is only set
// for queued sessions.
type startSessionResponse struct {
	SessionID     string `json:"sessionId"`
	Admission     string `json:"admission"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// handleStartSession admits a new session: it either starts immediately or
// joins the waiting line, decided by the single-slot policy.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		problem.Write(w, r, http.StatusBadRequest,
			"request/malformed_body", "Malformed Body", "MALFORMED_BODY",
			decodeDetail(err), nil)
		return
	}
	if req.UserID == "" {
		problem.Write(w, r, http.StatusBadRequest,
			"request/missing_user", "Missing User", "MISSING_USER",
			"userId is required", nil)
		return
	}

	ticket, err := s.queue.Request(r.Context(), req.UserID, req.Config)
	if err != nil {
		RespondError(w, r, err)
		return
	}

	res := startSessionResponse{SessionID: ticket.SessionID}
	w.Header().Set("Location", "/api/sessions/"+ticket.SessionID)
	switch ticket.Outcome {
	case admission.OutcomeStart:
		res.Admission = "started"
		writeJSON(w, http.StatusCreated, res)
	default:
		res.Admission = "queued"
		res.QueuePosition = ticket.Position
		writeJSON(w, http.StatusAccepted, res)
	}
}

// decodeDetail turns JSON decode failures into a client-safe detail string.
func decodeDetail(err error) string {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return "request body too large"
	case errors.Is(err, io.EOF):
		return "request body is empty"
	default:
		return err.Error()
	}
}

// handleGetSession returns the full session row, including summary for
// terminal sessions.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleListSessions lists sessions newest-first, filtered by userId and
// status query parameters.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := storeFilter(r, limit, offset)

	sessions, err := s.store.QuerySessions(r.Context(), filter)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleListBusinesses pages through a session's extracted records.
func (s *Server) handleListBusinesses(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		RespondError(w, r, err)
		return
	}

	limit, offset := pageParams(r)
	businesses, err := s.store.ListBusinesses(r.Context(), sessionID, limit, offset)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	total, err := s.store.CountBusinesses(r.Context(), sessionID)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	if businesses == nil {
		businesses = []*model.Business{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"businesses": businesses,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// lifecycleResponse is the acknowledgment for pause/resume/stop. Pause and
// stop on a live run are asynchronous: the returned status is the snapshot
// at acknowledgment time, and the event stream carries the final flip.
type lifecycleResponse struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.control.Pause)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.control.Resume)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.control.Stop)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	sessionID := chi.URLParam(r, "id")
	if err := op(r.Context(), sessionID); err != nil {
		RespondError(w, r, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{
		SessionID: sess.ID,
		Status:    sess.State.Status,
	})
}

// storeFilter builds the session query filter from request parameters.
// status accepts a comma-separated list; unknown values are passed through
// and simply match nothing.
func storeFilter(r *http.Request, limit, offset int) store.SessionFilter {
	filter := store.SessionFilter{
		UserID: r.URL.Query().Get("userId"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, model.SessionStatus(part))
			}
		}
	}
	return filter
}

// pageParams extracts limit and offset from query parameters.
// Defaults: limit=100, offset=0. Max limit: 1000.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
