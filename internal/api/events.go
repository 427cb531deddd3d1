// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/model"
)

// heartbeatInterval keeps idle streams alive through proxies that cut
// silent connections.
const heartbeatInterval = 15 * time.Second

// handleSessionEvents streams a session's progress, record, log, error and
// lifecycle events as SSE. The stream ends when the session reaches a
// terminal status, the client disconnects, or the subscriber is dropped
// for falling too far behind.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		RespondError(w, r, err)
		return
	}

	// Subscribe before the terminal check: events published between the
	// check and the subscription would otherwise be lost.
	sub, err := s.bus.Subscribe(r.Context(), sessionID)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	defer func() { _ = sub.Close() }()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Debug().
			Err(err).Msg("clear write deadline unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintf(w, "retry: 3000\n\n")
	_ = rc.Flush()

	if sess.State.Status.IsTerminal() {
		writeSSE(w, rc, bus.LifecycleEvent{
			SessionID: sessionID,
			From:      sess.State.Status,
			To:        sess.State.Status,
			At:        sess.State.UpdatedAt,
		})
		writeDone(w, rc, sess.State.Status)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			_ = rc.Flush()

		case ev, ok := <-sub.C():
			if !ok {
				// Dropped by the bus for falling behind. The client's
				// EventSource reconnects via the retry interval.
				return
			}
			writeSSE(w, rc, ev)
			if lc, isLC := ev.(bus.LifecycleEvent); isLC && lc.To.IsTerminal() {
				writeDone(w, rc, lc.To)
				return
			}
		}
	}
}

// writeSSE emits one event in "event: <kind>" framing. Marshal failures
// drop the event; the stream itself stays healthy.
func writeSSE(w http.ResponseWriter, rc *http.ResponseController, ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data)
	_ = rc.Flush()
}

// writeDone closes the logical stream so clients can stop reconnecting.
func writeDone(w http.ResponseWriter, rc *http.ResponseController, status model.SessionStatus) {
	_, _ = fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", status)
	_ = rc.Flush()
}
